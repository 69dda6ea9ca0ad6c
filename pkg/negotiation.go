package callsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"

	"github.com/typolo/callsync/pkg/session"
)

// MediaKind re-exports the session package's call kinds for callers of the
// engine API.
type MediaKind = session.MediaKind

const (
	MediaAudio = session.MediaAudio
	MediaVideo = session.MediaVideo
)

var (
	// ErrMediaUnavailable: no usable capture device, or permission denied.
	// Fatal to call setup; no session record is created (caller side) and the
	// call is declined (receiver side).
	ErrMediaUnavailable = errors.New("local media unavailable")
	// ErrRemoteDataRejected: the local media runtime refused a remote
	// description or candidate blob. Logged and skipped, never fatal: the
	// connection may still come up from data applied so far.
	ErrRemoteDataRejected = errors.New("remote negotiation data rejected")
)

// RemoteMedia is a handle to media the remote peer is sending. The engine
// passes it through to the application untouched.
type RemoteMedia struct {
	Kind  string
	Track *webrtc.TrackRemote
}

// Negotiator is one call's local negotiation context: it owns the local
// media handle, produces the offer or answer blob for the session record,
// and consumes the remote blobs the reconciliation loop digs out of it. All
// blobs are opaque to everything but the Negotiator itself.
//
// OnLocalCandidate / OnRemoteMedia must be wired before CreateOffer or
// HandleOffer is called. Close is idempotent and releases the media handle.
type Negotiator interface {
	CreateOffer() (string, error)
	HandleOffer(offerBlob string) (answerBlob string, err error)
	HandleAnswer(answerBlob string) error
	AddRemoteCandidate(blob string) error
	OnLocalCandidate(fn func(blob string))
	OnRemoteMedia(fn func(media RemoteMedia))
	Close() error
}

// NegotiatorFactory builds the negotiation context for one call. It is the
// injection point for tests; the production factory is pion-backed.
type NegotiatorFactory func(callID string, kind MediaKind) (Negotiator, error)

// PionNegotiatorFactory returns the production factory: pion peer
// connections fed by the shared media devices wrapper.
func PionNegotiatorFactory(devices *MediaDevicesWrapper, rtcConfig webrtc.Configuration, logger *log.Entry) NegotiatorFactory {
	return func(callID string, kind MediaKind) (Negotiator, error) {
		return newPionNegotiator(devices, rtcConfig, kind, logger.WithField("call", callID))
	}
}

type pionNegotiator struct {
	pc     *webrtc.PeerConnection
	stream mediadevices.MediaStream
	log    *log.Entry

	mu               sync.Mutex
	onLocalCandidate func(string)
	onRemoteMedia    func(RemoteMedia)
	closed           bool
}

func newPionNegotiator(devices *MediaDevicesWrapper, rtcConfig webrtc.Configuration, kind MediaKind, logger *log.Entry) (*pionNegotiator, error) {
	stream, err := devices.GetUserMedia(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	pc, err := devices.NewWebrtcAPI().NewPeerConnection(rtcConfig)
	if err != nil {
		releaseStream(stream)
		return nil, err
	}

	n := &pionNegotiator{
		pc:     pc,
		stream: stream,
		log:    logger,
	}

	for _, track := range stream.GetTracks() {
		if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			_ = n.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // candidate gathering finished
		}
		blob, err := json.Marshal(c.ToJSON())
		if err != nil {
			n.log.Error("Error encoding local candidate: ", err)
			return
		}
		n.mu.Lock()
		fn := n.onLocalCandidate
		n.mu.Unlock()
		if fn != nil {
			fn(string(blob))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.log.Info("Got remote track, kind: ", track.Kind().String())
		n.mu.Lock()
		fn := n.onRemoteMedia
		n.mu.Unlock()
		if fn != nil {
			fn(RemoteMedia{Kind: track.Kind().String(), Track: track})
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.log.Debug("Peer connection state: ", state.String())
	})

	return n, nil
}

func (n *pionNegotiator) OnLocalCandidate(fn func(string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onLocalCandidate = fn
}

func (n *pionNegotiator) OnRemoteMedia(fn func(RemoteMedia)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onRemoteMedia = fn
}

func (n *pionNegotiator) CreateOffer() (string, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	// local candidates start trickling out once the local description is set
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	blob, err := json.Marshal(offer)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

func (n *pionNegotiator) HandleOffer(offerBlob string) (string, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(offerBlob), &offer); err != nil {
		return "", fmt.Errorf("%w: bad offer: %v", ErrRemoteDataRejected, err)
	}
	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRemoteDataRejected, err)
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	blob, err := json.Marshal(answer)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

func (n *pionNegotiator) HandleAnswer(answerBlob string) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(answerBlob), &answer); err != nil {
		return fmt.Errorf("%w: bad answer: %v", ErrRemoteDataRejected, err)
	}
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteDataRejected, err)
	}
	return nil
}

func (n *pionNegotiator) AddRemoteCandidate(blob string) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(blob), &candidate); err != nil {
		return fmt.Errorf("%w: bad candidate: %v", ErrRemoteDataRejected, err)
	}
	if err := n.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteDataRejected, err)
	}
	return nil
}

// Close shuts the peer connection and releases the capture devices. Safe to
// call more than once; the media handle is released exactly once.
func (n *pionNegotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.onLocalCandidate = nil
	n.onRemoteMedia = nil
	n.mu.Unlock()

	err := n.pc.Close()
	releaseStream(n.stream)
	return err
}

func releaseStream(stream mediadevices.MediaStream) {
	for _, track := range stream.GetTracks() {
		if closeErr := track.Close(); closeErr != nil {
			log.Debug("Error closing media track: ", closeErr)
		}
	}
}
