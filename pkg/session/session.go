package session

import (
	"time"

	"github.com/google/uuid"
)

// MediaKind is the kind of call being negotiated.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Status is the shared call status stored in the session record.
// Both participants apply the same transition graph to it:
// ringing -> connected -> ended, ringing -> rejected, ringing/connected -> ended.
// There is no way out of ended or rejected.
type Status string

const (
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected
}

// CanTransition reports whether moving from one status to another is legal.
// Stores enforce this on every status write so neither participant can force
// an illegal jump (eg. rejected -> connected).
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusRinging:
		return to == StatusConnected || to == StatusEnded || to == StatusRejected
	case StatusConnected:
		return to == StatusEnded
	default:
		return false
	}
}

// Role identifies which participant a candidate sequence belongs to.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleCaller {
		return RoleReceiver
	}
	return RoleCaller
}

// Desc identifies which description slot a negotiation blob goes into.
type Desc string

const (
	DescOffer  Desc = "offer"
	DescAnswer Desc = "answer"
)

// CallSession is the shared record both participants poll to coordinate one
// call. The description and candidate payloads are opaque, engine-produced
// blobs; nothing in this package parses them.
type CallSession struct {
	// Id of the call, minted by the caller. Immutable.
	ID string `json:"id"`
	// CallerID / ReceiverID: participant user ids. Immutable after Create.
	CallerID   string `json:"callerId"`
	ReceiverID string `json:"receiverId"`
	// CallerName / CallerAvatar: display metadata shown on the receiver's
	// incoming call screen. Immutable after Create.
	CallerName   string `json:"callerName,omitempty"`
	CallerAvatar string `json:"callerAvatar,omitempty"`
	// MediaKind: audio or video. Immutable after Create.
	MediaKind MediaKind `json:"mediaKind"`
	// Status: see CanTransition for the allowed moves.
	Status Status `json:"status"`
	// OfferDescription is written once by the caller, AnswerDescription once
	// by the receiver (and only after the offer exists).
	OfferDescription  string `json:"offerDescription,omitempty"`
	AnswerDescription string `json:"answerDescription,omitempty"`
	// CallerCandidates / ReceiverCandidates: append-only connectivity
	// candidate sequences, one per role. Never truncated or reordered.
	CallerCandidates   []string `json:"callerCandidates,omitempty"`
	ReceiverCandidates []string `json:"receiverCandidates,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	EndedAt     time.Time `json:"endedAt,omitempty"`
}

// CandidatesFor returns the candidate sequence appended by the given role.
func (s *CallSession) CandidatesFor(role Role) []string {
	if role == RoleCaller {
		return s.CallerCandidates
	}
	return s.ReceiverCandidates
}

// RoleOf returns the role the given user plays in this session, or "" if the
// user is not a participant.
func (s *CallSession) RoleOf(userID string) Role {
	switch userID {
	case s.CallerID:
		return RoleCaller
	case s.ReceiverID:
		return RoleReceiver
	default:
		return ""
	}
}

// Clone returns a deep copy so callers can never mutate store-owned state
// (or observe a candidate slice shrinking under them).
func (s *CallSession) Clone() *CallSession {
	out := *s
	out.CallerCandidates = append([]string(nil), s.CallerCandidates...)
	out.ReceiverCandidates = append([]string(nil), s.ReceiverCandidates...)
	return &out
}

// NewCallID mints a fresh call id. On a Create conflict the caller is
// expected to mint a new one and retry.
func NewCallID() string {
	return uuid.NewString()
}
