package callsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/typolo/callsync/pkg/config"
	"github.com/typolo/callsync/pkg/session"
)

// End to end through the public facade: two engines, real reconcile loops on
// a fast poll interval, fake negotiation contexts, one shared store.
func TestEndToEndCallThroughFacade(t *testing.T) {
	ctx := context.Background()
	cfg := config.GetDefaultConfig()
	cfg.PollIntervalMs = 25

	store := session.NewMemoryStore(cfg.StoreLimits())
	aliceMedia := &fakeMedia{}
	bobMedia := &fakeMedia{}

	alice := NewCallSync(cfg, Identity{UserID: "alice", DisplayName: "Alice"})
	alice.Store = store
	alice.NewNegotiator = aliceMedia.factory("alice")

	bob := NewCallSync(cfg, Identity{UserID: "bob", DisplayName: "Bob"})
	bob.Store = store
	bob.NewNegotiator = bobMedia.factory("bob")

	assert.NoError(t, alice.Start(ctx))
	defer alice.Stop()
	assert.NoError(t, bob.Start(ctx))
	defer bob.Stop()

	aliceEvents := alice.GetEventStream()
	bobEvents := bob.GetEventStream()

	callID, err := alice.StartCall(ctx, "bob", MediaAudio)
	assert.NoError(t, err)

	// bob's loop rings within a poll interval or two
	evt := nextEvent(t, bobEvents)
	incoming, ok := evt.(IncomingCallEvent)
	if !assert.True(t, ok, "expected IncomingCallEvent, got %T", evt) {
		return
	}
	assert.Equal(t, callID, incoming.Session.ID)
	assert.Equal(t, "Alice", incoming.Session.CallerName)

	assert.NoError(t, bob.AcceptCall(ctx, callID))
	expectStatusEvent(t, bobEvents, callID, session.StatusConnected)
	expectStatusEvent(t, aliceEvents, callID, session.StatusConnected)

	// candidates trickle across via the loops
	aliceMedia.last().emitLocalCandidate("cand-alice-1")
	bobMedia.last().emitLocalCandidate("cand-bob-1")
	assert.Eventually(t, func() bool {
		return len(aliceMedia.last().appliedCandidates()) == 1 &&
			len(bobMedia.last().appliedCandidates()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.NoError(t, bob.EndCall(ctx, callID))
	expectStatusEvent(t, bobEvents, callID, session.StatusEnded)
	expectStatusEvent(t, aliceEvents, callID, session.StatusEnded)
	assert.True(t, aliceMedia.last().isClosed())
	assert.True(t, bobMedia.last().isClosed())
}

func TestStopHangsUpOpenCalls(t *testing.T) {
	ctx := context.Background()
	cfg := config.GetDefaultConfig()
	cfg.PollIntervalMs = 25

	store := session.NewMemoryStore(cfg.StoreLimits())
	aliceMedia := &fakeMedia{}

	alice := NewCallSync(cfg, Identity{UserID: "alice", DisplayName: "Alice"})
	alice.Store = store
	alice.NewNegotiator = aliceMedia.factory("alice")
	assert.NoError(t, alice.Start(ctx))

	callID, err := alice.StartCall(ctx, "bob", MediaAudio)
	assert.NoError(t, err)

	alice.Stop()

	// media released and the shared record ended, so bob's side (whenever it
	// polls) won't keep ringing
	assert.True(t, aliceMedia.last().isClosed())
	sess, err := store.Get(ctx, callID)
	assert.NoError(t, err)
	assert.Equal(t, session.StatusEnded, sess.Status)
}
