package callsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/typolo/callsync/pkg/config"
	"github.com/typolo/callsync/pkg/session"
	"github.com/typolo/callsync/pkg/util"
)

// consecutive poll failures before the engine surfaces an unstable
// connection signal to the application (the call itself is never ended for
// poll failures).
const pollFailureThreshold = 3

// how many fresh ids to try when Create hits a conflict
const createAttempts = 3

// CallCtrl is one user's call controller: it owns the registry of active
// call handles, the candidate dedup tracker, and the reconciliation loop
// that keeps all of it in sync with the shared session record.
//
// The two participants of a call never share memory; everything they
// coordinate goes through the session.Store.
type CallCtrl struct {
	userID        string
	displayName   string
	avatarURL     string
	config        config.Config
	store         session.Store
	tracker       *CandidateTracker
	newNegotiator NegotiatorFactory
	eventStream   *util.EventSub[Event]
	stopSignal    *util.UnblockSignal
	log           *log.Entry

	callsMu sync.Mutex
	calls   map[string]*activeCall

	// consecutive ListActiveFor failures; reset on any successful poll
	pollFailures int
}

func NewCallCtrl(userID string, cfg config.Config, store session.Store, factory NegotiatorFactory, logger *log.Entry) *CallCtrl {
	return &CallCtrl{
		userID:        userID,
		config:        cfg,
		store:         store,
		tracker:       NewCandidateTracker(),
		newNegotiator: factory,
		eventStream:   util.NewEventSub[Event](16),
		stopSignal:    util.NewUnblockSignal(),
		calls:         make(map[string]*activeCall),
		log:           logger.WithField("mod", "call_ctrl"),
	}
}

// SetDisplayIdentity sets the metadata stamped onto sessions this user
// creates, shown on the other side's incoming call screen.
func (ctrl *CallCtrl) SetDisplayIdentity(displayName, avatarURL string) {
	ctrl.displayName = displayName
	ctrl.avatarURL = avatarURL
}

// Events returns the controller's event stream. Subscribe/UnSubscribe as
// often as needed; a new subscription picks up from the next event.
func (ctrl *CallCtrl) Events() *util.EventSub[Event] {
	return ctrl.eventStream
}

// StartReconcileLoop runs the polling loop until Stop is called. Should be
// called as a goroutine (blocking).
//
// One tick at a time: the ticker drops ticks that come due while the
// previous one is still being processed, so state application stays
// strictly ordered and never piles up.
func (ctrl *CallCtrl) StartReconcileLoop() {
	ticker := time.NewTicker(ctrl.config.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctrl.stopSignal.GetSignal():
			ctrl.log.Debug("Exiting reconcile loop.")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ctrl.config.PollInterval())
			ctrl.pollOnce(ctx)
			cancel()
		}
	}
}

// Stop ends the reconcile loop and hangs up every call this controller
// still has open, releasing local media first.
func (ctrl *CallCtrl) Stop() {
	ctrl.stopSignal.Trigger()

	ctrl.callsMu.Lock()
	open := maps.Values(ctrl.calls)
	ctrl.callsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, call := range open {
		ctrl.finishLocal(call, session.StatusEnded, true)
		if err := ctrl.store.SetStatus(ctx, call.id, session.StatusEnded); err != nil && !errors.Is(err, session.ErrInvalidTransition) && !errors.Is(err, session.ErrNotFound) {
			ctrl.log.Warn("Error ending call on shutdown: ", err)
		}
	}
	ctrl.eventStream.Close()
}

// pollOnce is one reconciliation tick: fetch everything relevant to this
// user, diff it against local state, and drive the negotiation contexts.
func (ctrl *CallCtrl) pollOnce(ctx context.Context) {
	sessions, err := ctrl.store.ListActiveFor(ctx, ctrl.userID)
	if err != nil {
		ctrl.pollFailures++
		ctrl.log.Warnf("Poll failed (%d consecutive): %v", ctrl.pollFailures, err)
		if ctrl.pollFailures == pollFailureThreshold {
			ctrl.sendConnectionUnstableEvent(ctrl.pollFailures)
		}
		// no state change on a failed poll; next tick retries
		return
	}
	ctrl.pollFailures = 0

	seen := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		seen[sess.ID] = true
		ctrl.reconcileSession(ctx, sess)
	}

	// Liveness backstop: a call we know locally that no longer shows up in
	// the active list went terminal and aged out without us observing the
	// status write. End it locally anyway. The age guard keeps this from
	// killing a call whose StartCall registered the handle after the poll
	// fetch already ran.
	ctrl.callsMu.Lock()
	known := maps.Values(ctrl.calls)
	ctrl.callsMu.Unlock()
	for _, call := range known {
		if seen[call.id] {
			continue
		}
		if time.Since(call.createdAt) <= 2*ctrl.config.PollInterval() {
			continue
		}
		call.log.Info("Call disappeared from session record, ending locally")
		ctrl.finishLocal(call, session.StatusEnded, true)
	}
}

func (ctrl *CallCtrl) reconcileSession(ctx context.Context, sess *session.CallSession) {
	call := ctrl.getCall(sess.ID)

	if call == nil {
		if sess.ReceiverID == ctrl.userID && sess.Status == session.StatusRinging {
			// a new incoming call: register a passive handle (no negotiation
			// context until the user accepts) and surface it
			call = newActiveCall(sess.ID, session.RoleReceiver, sess.MediaKind, sess.Status, ctrl.log)
			ctrl.putCall(call)
			ctrl.sendIncomingCallEvent(sess)
			return
		}
		// A session we participate in but have no handle for: a leftover
		// from a previous run of this process. We cannot revive its
		// negotiation context, so release the other side. The age guard
		// keeps a poll from racing a StartCall that is still registering
		// its handle.
		if !sess.Status.Terminal() && time.Since(sess.CreatedAt) > 2*ctrl.config.PollInterval() {
			ctrl.log.Info("Ending orphaned session from a previous run: ", sess.ID)
			if err := ctrl.store.SetStatus(ctx, sess.ID, session.StatusEnded); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
				ctrl.log.Warn("Error ending orphaned session: ", err)
			}
		}
		return
	}

	// unanswered ring timeout (only the side that placed the call enforces it)
	if call.role == session.RoleCaller && sess.Status == session.StatusRinging &&
		time.Since(call.createdAt) > ctrl.config.RingTimeout() {
		call.log.Info("Ring timeout, ending unanswered call")
		ctrl.finishLocal(call, session.StatusEnded, true)
		if err := ctrl.store.SetStatus(ctx, sess.ID, session.StatusEnded); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
			call.log.Warn("Error ending timed out call: ", err)
		}
		return
	}

	// status diff
	call.mu.Lock()
	statusChanged := sess.Status != call.lastStatus
	if statusChanged {
		call.lastStatus = sess.Status
	}
	call.mu.Unlock()
	if statusChanged {
		ctrl.sendStatusChangedEvent(sess.ID, sess.Status)
		if sess.Status.Terminal() {
			ctrl.finishLocal(call, sess.Status, false)
			return
		}
	}

	neg := call.getNegotiator()
	if neg == nil {
		// incoming call not accepted yet; nothing to feed
		return
	}

	// first-seen answer (caller side)
	if call.role == session.RoleCaller && sess.AnswerDescription != "" {
		call.mu.Lock()
		apply := !call.answerApplied
		// marked applied even if the runtime rejects it below: re-applying
		// the same malformed blob every tick would get us nowhere
		call.answerApplied = true
		call.mu.Unlock()
		if apply {
			if err := neg.HandleAnswer(sess.AnswerDescription); err != nil {
				call.log.Warn("Remote answer rejected (continuing best-effort): ", err)
			} else {
				call.log.Debug("Applied remote answer")
			}
		}
	}

	// The receiver may trickle candidates into the record before its answer
	// write lands. The caller's negotiation context can't take candidates
	// until the answer has been applied, so leave them unapplied in the
	// tracker and they come through on a later tick.
	call.mu.Lock()
	canTakeCandidates := call.role == session.RoleReceiver || call.answerApplied
	call.mu.Unlock()
	if canTakeCandidates {
		// new remote candidates, in append order, each exactly once
		remoteRole := call.role.Other()
		fresh := ctrl.tracker.Unapplied(sess.ID, remoteRole, sess.CandidatesFor(remoteRole))
		for _, blob := range fresh {
			if err := neg.AddRemoteCandidate(blob); err != nil {
				// per-candidate failure: skip and continue
				call.log.Warn("Remote candidate rejected (skipping): ", err)
			}
		}
		ctrl.tracker.MarkApplied(sess.ID, remoteRole, len(fresh))
	}

	ctrl.flushPendingCandidates(ctx, call)
}

// flushPendingCandidates retries local candidate appends that failed when
// they were first produced.
func (ctrl *CallCtrl) flushPendingCandidates(ctx context.Context, call *activeCall) {
	pending := call.takePendingCandidates()
	for i, blob := range pending {
		if err := ctrl.store.AppendCandidate(ctx, call.id, call.role, blob); err != nil {
			if errors.Is(err, session.ErrCandidateLimit) || errors.Is(err, session.ErrNotFound) {
				call.log.Warn("Dropping pending local candidate: ", err)
				continue
			}
			// transient: keep this one and the rest for the next tick
			call.requeuePendingCandidates(pending[i:])
			return
		}
	}
}

// handleLocalCandidate ships a freshly gathered local candidate to the
// session record right away. Candidates are latency sensitive; they are
// never batched. A failed append goes on the retry queue.
func (ctrl *CallCtrl) handleLocalCandidate(call *activeCall, blob string) {
	if ctrl.config.IncludeBlobsInLogs {
		call.log.Debug("Local candidate: ", blob)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.store.AppendCandidate(ctx, call.id, call.role, blob); err != nil {
		if errors.Is(err, session.ErrCandidateLimit) {
			call.log.Warn("Local candidate dropped: ", err)
			return
		}
		call.log.Debug("Candidate append failed, queueing for retry: ", err)
		call.queuePendingCandidate(blob)
	}
}

// StartCall places a call to receiverID and returns the new call id. Local
// media is acquired first: if that fails no session record is ever created.
func (ctrl *CallCtrl) StartCall(ctx context.Context, receiverID string, kind MediaKind) (string, error) {
	neg, err := ctrl.newNegotiator("(dialing)", kind)
	if err != nil {
		return "", err
	}

	var sess *session.CallSession
	for attempt := 0; attempt < createAttempts; attempt++ {
		sess = &session.CallSession{
			ID:           session.NewCallID(),
			CallerID:     ctrl.userID,
			ReceiverID:   receiverID,
			CallerName:   ctrl.displayName,
			CallerAvatar: ctrl.avatarURL,
			MediaKind:    kind,
			Status:       session.StatusRinging,
		}
		err = ctrl.store.Create(ctx, sess)
		if err == nil {
			break
		}
		if !errors.Is(err, session.ErrConflict) {
			_ = neg.Close()
			return "", err
		}
		ctrl.log.Warn("Call id conflict on create, minting a new one")
	}
	if err != nil {
		_ = neg.Close()
		return "", fmt.Errorf("could not create call session: %w", err)
	}

	call := newActiveCall(sess.ID, session.RoleCaller, kind, session.StatusRinging, ctrl.log)
	call.setNegotiator(neg)
	neg.OnLocalCandidate(func(blob string) { ctrl.handleLocalCandidate(call, blob) })
	neg.OnRemoteMedia(func(media RemoteMedia) { ctrl.sendRemoteMediaEvent(call.id, media) })
	ctrl.putCall(call)

	offerBlob, err := neg.CreateOffer()
	if err == nil {
		err = ctrl.store.SetDescription(ctx, sess.ID, session.DescOffer, offerBlob)
	}
	if err != nil {
		// the session exists but can never be answered; end it
		ctrl.finishLocal(call, session.StatusEnded, false)
		if stErr := ctrl.store.SetStatus(ctx, sess.ID, session.StatusEnded); stErr != nil {
			call.log.Warn("Error ending failed call: ", stErr)
		}
		return "", err
	}

	call.log.Infof("Placed %s call to %s", kind, receiverID)
	return sess.ID, nil
}

// AcceptCall answers a ringing incoming call: acquires local media, applies
// the caller's offer, publishes the answer and flips the session to
// connected.
func (ctrl *CallCtrl) AcceptCall(ctx context.Context, callID string) error {
	call := ctrl.getCall(callID)
	if call == nil || call.role != session.RoleReceiver {
		return fmt.Errorf("no incoming call with id %s", callID)
	}
	if call.getNegotiator() != nil {
		return fmt.Errorf("call %s already accepted", callID)
	}

	sess, err := ctrl.store.Get(ctx, callID)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusRinging {
		return fmt.Errorf("call %s is not ringing (status %s)", callID, sess.Status)
	}
	if sess.OfferDescription == "" {
		// the caller created the session but its offer write hasn't landed
		// yet; the next poll will have it
		return fmt.Errorf("offer for call %s not available yet, retry", callID)
	}

	neg, err := ctrl.newNegotiator(callID, sess.MediaKind)
	if err != nil {
		// can't take the call without media; decline it so the caller's
		// side stops ringing
		ctrl.finishLocal(call, session.StatusRejected, true)
		if stErr := ctrl.store.SetStatus(ctx, callID, session.StatusRejected); stErr != nil && !errors.Is(stErr, session.ErrInvalidTransition) {
			ctrl.log.Warn("Error rejecting call after media failure: ", stErr)
		}
		return err
	}

	call.setNegotiator(neg)
	neg.OnLocalCandidate(func(blob string) { ctrl.handleLocalCandidate(call, blob) })
	neg.OnRemoteMedia(func(media RemoteMedia) { ctrl.sendRemoteMediaEvent(call.id, media) })

	answerBlob, err := neg.HandleOffer(sess.OfferDescription)
	if err == nil {
		err = ctrl.store.SetDescription(ctx, callID, session.DescAnswer, answerBlob)
	}
	if err != nil {
		ctrl.finishLocal(call, session.StatusEnded, true)
		if stErr := ctrl.store.SetStatus(ctx, callID, session.StatusEnded); stErr != nil && !errors.Is(stErr, session.ErrInvalidTransition) {
			ctrl.log.Warn("Error ending failed call: ", stErr)
		}
		return err
	}

	if err := ctrl.store.SetStatus(ctx, callID, session.StatusConnected); err != nil {
		// most likely the caller hung up while we were answering; don't
		// retry the write, the next poll observes whatever won
		call.log.Warn("Could not mark call connected: ", err)
		return nil
	}

	// a reconcile tick may have observed the connected write already and
	// announced it; only announce if it hasn't
	call.mu.Lock()
	announce := call.lastStatus != session.StatusConnected
	call.lastStatus = session.StatusConnected
	call.mu.Unlock()
	if announce {
		ctrl.sendStatusChangedEvent(callID, session.StatusConnected)
	}
	call.log.Info("Accepted incoming call")
	return nil
}

// RejectCall declines a ringing incoming call without acquiring media.
func (ctrl *CallCtrl) RejectCall(ctx context.Context, callID string) error {
	call := ctrl.getCall(callID)
	if call == nil || call.role != session.RoleReceiver {
		return fmt.Errorf("no incoming call with id %s", callID)
	}
	ctrl.finishLocal(call, session.StatusRejected, true)
	if err := ctrl.store.SetStatus(ctx, callID, session.StatusRejected); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
		return err
	}
	return nil
}

// EndCall hangs up, whatever state the call is in. Local media is released
// before (and regardless of) the terminal status write landing.
func (ctrl *CallCtrl) EndCall(ctx context.Context, callID string) error {
	call := ctrl.getCall(callID)
	if call != nil {
		ctrl.finishLocal(call, session.StatusEnded, true)
	}
	err := ctrl.store.SetStatus(ctx, callID, session.StatusEnded)
	if errors.Is(err, session.ErrInvalidTransition) || errors.Is(err, session.ErrNotFound) {
		// already terminal or aged out; nothing left to do
		return nil
	}
	return err
}

// finishLocal tears the call down locally: close the negotiation context
// (exactly once), drop dedup state, deregister the handle and, if announce
// is set, tell the application the call reached the given terminal status.
func (ctrl *CallCtrl) finishLocal(call *activeCall, status session.Status, announce bool) {
	if !call.teardown() {
		return
	}
	ctrl.tracker.Forget(call.id)
	ctrl.callsMu.Lock()
	delete(ctrl.calls, call.id)
	ctrl.callsMu.Unlock()
	if announce {
		ctrl.sendStatusChangedEvent(call.id, status)
	}
	call.log.Info("Call finished: ", status)
}

func (ctrl *CallCtrl) getCall(id string) *activeCall {
	ctrl.callsMu.Lock()
	defer ctrl.callsMu.Unlock()
	return ctrl.calls[id]
}

func (ctrl *CallCtrl) putCall(call *activeCall) {
	ctrl.callsMu.Lock()
	defer ctrl.callsMu.Unlock()
	ctrl.calls[call.id] = call
}
