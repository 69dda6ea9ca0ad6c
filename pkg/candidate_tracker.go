package callsync

import (
	"sync"

	"github.com/typolo/callsync/pkg/session"
)

// CandidateTracker remembers how many of each remote role's connectivity
// candidates have already been fed to the local negotiation context, per
// call id. The shared candidate sequences are append-only and the store is
// polled (at-least-once delivery), so re-reading the same prefix is normal;
// only the suffix beyond the applied count is ever handed out again.
//
// Counts never go down. State for a call is dropped only when the call is
// torn down.
type CandidateTracker struct {
	mu      sync.Mutex
	applied map[string]map[session.Role]int
}

func NewCandidateTracker() *CandidateTracker {
	return &CandidateTracker{
		applied: make(map[string]map[session.Role]int),
	}
}

// Unapplied returns the suffix of seq that has not been handed out yet for
// this call id and role. It does not advance the count; call MarkApplied
// once the suffix has been dispatched.
func (t *CandidateTracker) Unapplied(callID string, role session.Role, seq []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.applied[callID][role]
	if n >= len(seq) {
		return nil
	}
	return seq[n:]
}

// MarkApplied advances the applied count for the call id and role by n.
func (t *CandidateTracker) MarkApplied(callID string, role session.Role, n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	roles, ok := t.applied[callID]
	if !ok {
		roles = make(map[session.Role]int)
		t.applied[callID] = roles
	}
	roles[role] += n
}

// Forget drops all state for a call id. Only safe once the call's local
// negotiation context is gone for good.
func (t *CandidateTracker) Forget(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.applied, callID)
}
