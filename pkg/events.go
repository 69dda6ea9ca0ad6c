package callsync

import (
	"github.com/typolo/callsync/pkg/session"
)

// Event is the interface implemented by everything pushed on the engine's
// event stream. Consumers type-switch on the concrete types below.
type Event interface {
	callEvent()
}

// IncomingCallEvent: a session targeting this user as receiver showed up in
// the session record with status ringing.
type IncomingCallEvent struct {
	Session *session.CallSession
}

// StatusChangedEvent: the shared status of a known call changed (observed on
// a poll, or caused by a local action).
type StatusChangedEvent struct {
	CallID string
	Status session.Status
}

// RemoteMediaEvent: the negotiation context produced a remote media track
// for the call. The Media handle is passed through untouched.
type RemoteMediaEvent struct {
	CallID string
	Media  RemoteMedia
}

// ConnectionUnstableEvent: several consecutive polls of the session record
// failed. Purely informational; the call is not ended.
type ConnectionUnstableEvent struct {
	ConsecutiveFailures int
}

func (IncomingCallEvent) callEvent()       {}
func (StatusChangedEvent) callEvent()      {}
func (RemoteMediaEvent) callEvent()        {}
func (ConnectionUnstableEvent) callEvent() {}

func (ctrl *CallCtrl) sendIncomingCallEvent(sess *session.CallSession) {
	ctrl.eventStream.Push(IncomingCallEvent{Session: sess})
}

func (ctrl *CallCtrl) sendStatusChangedEvent(callID string, status session.Status) {
	ctrl.eventStream.Push(StatusChangedEvent{CallID: callID, Status: status})
}

func (ctrl *CallCtrl) sendRemoteMediaEvent(callID string, media RemoteMedia) {
	ctrl.eventStream.Push(RemoteMediaEvent{CallID: callID, Media: media})
}

func (ctrl *CallCtrl) sendConnectionUnstableEvent(failures int) {
	ctrl.eventStream.Push(ConnectionUnstableEvent{ConsecutiveFailures: failures})
}
