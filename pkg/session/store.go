package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict: a session with the same id already exists.
	ErrConflict = errors.New("session id already exists")
	// ErrNotFound: no session with that id (possibly aged out already).
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition: a status or description write that the shared
	// record refuses (slot already set, answer before offer, illegal status
	// jump). The local engine logs these and re-polls rather than retrying
	// the same write.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrCandidateLimit: a role's candidate sequence hit the configured cap.
	ErrCandidateLimit = errors.New("candidate sequence limit reached")
)

// Limits bounds session record growth and lifetime. The upstream design left
// these implicit; here they are explicit and configurable.
type Limits struct {
	// GracePeriod: how long a session that reached a terminal status stays
	// observable, so both sides' last poll cycle can still see it. Should be
	// at least two poll intervals.
	GracePeriod time.Duration
	// MaxSessionAge: hard ceiling on session lifetime regardless of status.
	MaxSessionAge time.Duration
	// MaxCandidatesPerRole: cap on each role's candidate sequence length.
	MaxCandidatesPerRole int
}

// DefaultLimits are safe values for the default 2s poll interval.
func DefaultLimits() Limits {
	return Limits{
		GracePeriod:          10 * time.Second,
		MaxSessionAge:        6 * time.Hour,
		MaxCandidatesPerRole: 64,
	}
}

// Store is the session record contract both participants coordinate through.
// It is the only state shared between the two processes; every field of the
// stored CallSession has a single writer (see the CallSession field docs).
//
// AppendCandidate is a pure append and tolerates duplicate blobs (a re-sent
// candidate is an idempotent no-op for consumers, which deduplicate by
// offset). All other writes are validated: SetDescription refuses an already
// set slot and an answer without an offer, SetStatus refuses anything
// CanTransition refuses.
type Store interface {
	Create(ctx context.Context, sess *CallSession) error
	Get(ctx context.Context, id string) (*CallSession, error)
	SetDescription(ctx context.Context, id string, desc Desc, blob string) error
	AppendCandidate(ctx context.Context, id string, role Role, blob string) error
	SetStatus(ctx context.Context, id string, status Status) error
	// ListActiveFor returns every session the user participates in (either
	// role) that has not passed a terminal status longer than the grace
	// period ago. A session disappearing from this list is the liveness
	// backstop for a peer that never observed the terminal write.
	ListActiveFor(ctx context.Context, userID string) ([]*CallSession, error)
}
