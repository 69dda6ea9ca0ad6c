package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory. Two engines in the same
// process (tests, the loopback example) can share one; cross-process setups
// use RedisStore instead.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*CallSession
	limits   Limits

	// Now is the clock used for aging; tests override it.
	Now func() time.Time
}

func NewMemoryStore(limits Limits) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*CallSession),
		limits:   limits,
		Now:      time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, sess *CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sess.ID]; exists {
		return ErrConflict
	}
	stored := sess.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.Now()
	}
	if stored.Status == "" {
		stored.Status = StatusRinging
	}
	m.sessions[sess.ID] = stored
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok || m.agedOut(sess) {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (m *MemoryStore) SetDescription(ctx context.Context, id string, desc Desc, blob string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok || m.agedOut(sess) {
		return ErrNotFound
	}
	switch desc {
	case DescOffer:
		if sess.OfferDescription != "" {
			return ErrInvalidTransition
		}
		sess.OfferDescription = blob
	case DescAnswer:
		// answer is only valid once an offer exists
		if sess.AnswerDescription != "" || sess.OfferDescription == "" {
			return ErrInvalidTransition
		}
		sess.AnswerDescription = blob
	default:
		return ErrInvalidTransition
	}
	return nil
}

func (m *MemoryStore) AppendCandidate(ctx context.Context, id string, role Role, blob string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok || m.agedOut(sess) {
		return ErrNotFound
	}
	if role == RoleCaller {
		if len(sess.CallerCandidates) >= m.limits.MaxCandidatesPerRole {
			return ErrCandidateLimit
		}
		sess.CallerCandidates = append(sess.CallerCandidates, blob)
	} else {
		if len(sess.ReceiverCandidates) >= m.limits.MaxCandidatesPerRole {
			return ErrCandidateLimit
		}
		sess.ReceiverCandidates = append(sess.ReceiverCandidates, blob)
	}
	return nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok || m.agedOut(sess) {
		return ErrNotFound
	}
	if !CanTransition(sess.Status, status) {
		return ErrInvalidTransition
	}
	sess.Status = status
	switch status {
	case StatusConnected:
		sess.ConnectedAt = m.Now()
	case StatusEnded, StatusRejected:
		sess.EndedAt = m.Now()
	}
	return nil
}

func (m *MemoryStore) ListActiveFor(ctx context.Context, userID string) ([]*CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*CallSession, 0)
	for id, sess := range m.sessions {
		if m.agedOut(sess) {
			delete(m.sessions, id)
			continue
		}
		if sess.CallerID == userID || sess.ReceiverID == userID {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

// agedOut reports whether the session should no longer be observable: a
// terminal status older than the grace period, or any session past the hard
// age ceiling.
func (m *MemoryStore) agedOut(sess *CallSession) bool {
	now := m.Now()
	if sess.Status.Terminal() && !sess.EndedAt.IsZero() && now.Sub(sess.EndedAt) > m.limits.GracePeriod {
		return true
	}
	if m.limits.MaxSessionAge > 0 && now.Sub(sess.CreatedAt) > m.limits.MaxSessionAge {
		return true
	}
	return false
}
