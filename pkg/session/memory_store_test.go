package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// newTestStore returns a MemoryStore on a fake clock the test can advance.
func newTestStore() (*MemoryStore, *time.Time) {
	store := NewMemoryStore(DefaultLimits())
	now := time.Now()
	store.Now = func() time.Time { return now }
	return store, &now
}

func newRingingSession(id string) *CallSession {
	return &CallSession{
		ID:         id,
		CallerID:   "alice",
		ReceiverID: "bob",
		MediaKind:  MediaAudio,
		Status:     StatusRinging,
	}
}

func TestCreateConflict(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	assert.NoError(t, store.Create(ctx, newRingingSession("c1")))
	assert.ErrorIs(t, store.Create(ctx, newRingingSession("c1")), ErrConflict)
	assert.NoError(t, store.Create(ctx, newRingingSession("c2")))
}

func TestDescriptionSlotsWriteOnce(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()
	assert.NoError(t, store.Create(ctx, newRingingSession("c1")))

	// the answer slot is invalid until the offer exists
	assert.ErrorIs(t, store.SetDescription(ctx, "c1", DescAnswer, "answer-blob"), ErrInvalidTransition)

	assert.NoError(t, store.SetDescription(ctx, "c1", DescOffer, "offer-blob"))
	assert.ErrorIs(t, store.SetDescription(ctx, "c1", DescOffer, "other-offer"), ErrInvalidTransition)

	assert.NoError(t, store.SetDescription(ctx, "c1", DescAnswer, "answer-blob"))
	assert.ErrorIs(t, store.SetDescription(ctx, "c1", DescAnswer, "other-answer"), ErrInvalidTransition)

	sess, err := store.Get(ctx, "c1")
	assert.NoError(t, err)
	assert.Equal(t, "offer-blob", sess.OfferDescription)
	assert.Equal(t, "answer-blob", sess.AnswerDescription)

	assert.ErrorIs(t, store.SetDescription(ctx, "nope", DescOffer, "x"), ErrNotFound)
}

func TestSetStatusEnforcesTransitions(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()
	assert.NoError(t, store.Create(ctx, newRingingSession("c1")))

	assert.NoError(t, store.SetStatus(ctx, "c1", StatusConnected))
	assert.ErrorIs(t, store.SetStatus(ctx, "c1", StatusRejected), ErrInvalidTransition)
	assert.NoError(t, store.SetStatus(ctx, "c1", StatusEnded))

	// terminal means terminal, for both writers
	assert.ErrorIs(t, store.SetStatus(ctx, "c1", StatusConnected), ErrInvalidTransition)
	assert.ErrorIs(t, store.SetStatus(ctx, "c1", StatusRinging), ErrInvalidTransition)
	assert.ErrorIs(t, store.SetStatus(ctx, "c1", StatusEnded), ErrInvalidTransition)

	sess, err := store.Get(ctx, "c1")
	assert.NoError(t, err)
	assert.Equal(t, StatusEnded, sess.Status)
	assert.False(t, sess.ConnectedAt.IsZero())
	assert.False(t, sess.EndedAt.IsZero())
}

func TestAppendCandidateOrderAndCap(t *testing.T) {
	store, _ := newTestStore()
	store.limits.MaxCandidatesPerRole = 3
	ctx := context.Background()
	assert.NoError(t, store.Create(ctx, newRingingSession("c1")))

	assert.NoError(t, store.AppendCandidate(ctx, "c1", RoleCaller, "a1"))
	assert.NoError(t, store.AppendCandidate(ctx, "c1", RoleCaller, "a2"))
	assert.NoError(t, store.AppendCandidate(ctx, "c1", RoleReceiver, "b1"))
	assert.NoError(t, store.AppendCandidate(ctx, "c1", RoleCaller, "a3"))
	assert.ErrorIs(t, store.AppendCandidate(ctx, "c1", RoleCaller, "a4"), ErrCandidateLimit)

	sess, err := store.Get(ctx, "c1")
	assert.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2", "a3"}, sess.CallerCandidates)
	assert.Equal(t, []string{"b1"}, sess.ReceiverCandidates)
}

func TestListActiveForFiltersByParticipant(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()
	assert.NoError(t, store.Create(ctx, newRingingSession("c1")))
	assert.NoError(t, store.Create(ctx, &CallSession{ID: "c2", CallerID: "carol", ReceiverID: "dave", Status: StatusRinging}))

	forBob, err := store.ListActiveFor(ctx, "bob")
	assert.NoError(t, err)
	if assert.Len(t, forBob, 1) {
		assert.Equal(t, "c1", forBob[0].ID)
	}

	forMallory, err := store.ListActiveFor(ctx, "mallory")
	assert.NoError(t, err)
	assert.Len(t, forMallory, 0)
}

func TestTerminalSessionsAgeOutAfterGrace(t *testing.T) {
	store, now := newTestStore()
	ctx := context.Background()
	assert.NoError(t, store.Create(ctx, newRingingSession("c1")))
	assert.NoError(t, store.SetStatus(ctx, "c1", StatusEnded))

	// still observable inside the grace period so the peer's next poll can
	// see the terminal status
	forBob, err := store.ListActiveFor(ctx, "bob")
	assert.NoError(t, err)
	assert.Len(t, forBob, 1)

	*now = now.Add(store.limits.GracePeriod + time.Second)

	forBob, err = store.ListActiveFor(ctx, "bob")
	assert.NoError(t, err)
	assert.Len(t, forBob, 0)

	_, err = store.Get(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.SetStatus(ctx, "c1", StatusEnded), ErrNotFound)
}

func TestSessionsHitHardAgeCeiling(t *testing.T) {
	store, now := newTestStore()
	ctx := context.Background()
	assert.NoError(t, store.Create(ctx, newRingingSession("c1")))
	assert.NoError(t, store.SetStatus(ctx, "c1", StatusConnected))

	*now = now.Add(store.limits.MaxSessionAge + time.Minute)

	forAlice, err := store.ListActiveFor(ctx, "alice")
	assert.NoError(t, err)
	assert.Len(t, forAlice, 0)
	_, err = store.Get(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}
