package callsync

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/typolo/callsync/pkg/session"
)

// activeCall is the engine's local handle for one call it participates in.
// Exactly one exists per call id; the reconciliation loop owns it and passes
// it around by reference instead of mutating any shared registry state.
//
// The negotiator is nil for an incoming call until the user accepts it.
type activeCall struct {
	id        string
	role      session.Role
	kind      MediaKind
	createdAt time.Time
	log       *log.Entry

	mu            sync.Mutex
	lastStatus    session.Status
	negotiator    Negotiator
	answerApplied bool
	// local candidates whose store append failed; retried each tick
	pendingLocal []string
	tornDown     bool
}

func newActiveCall(id string, role session.Role, kind MediaKind, status session.Status, logger *log.Entry) *activeCall {
	return &activeCall{
		id:         id,
		role:       role,
		kind:       kind,
		createdAt:  time.Now(),
		lastStatus: status,
		log:        logger.WithField("call", id),
	}
}

func (c *activeCall) setNegotiator(n Negotiator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.negotiator = n
}

func (c *activeCall) getNegotiator() Negotiator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiator
}

// teardown closes the negotiation context (releasing the media handle) the
// first time it is called. Returns false if the call was already torn down.
func (c *activeCall) teardown() bool {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return false
	}
	c.tornDown = true
	neg := c.negotiator
	c.negotiator = nil
	c.pendingLocal = nil
	c.mu.Unlock()

	if neg != nil {
		if err := neg.Close(); err != nil {
			c.log.Debug("Error closing negotiation context: ", err)
		}
	}
	return true
}

func (c *activeCall) queuePendingCandidate(blob string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tornDown {
		return
	}
	c.pendingLocal = append(c.pendingLocal, blob)
}

// takePendingCandidates drains the retry queue; the caller puts back
// whatever still fails, in order, via requeuePendingCandidates.
func (c *activeCall) takePendingCandidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pendingLocal
	c.pendingLocal = nil
	return out
}

func (c *activeCall) requeuePendingCandidates(blobs []string) {
	if len(blobs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tornDown {
		return
	}
	// failed retries go back in front so append order is preserved
	c.pendingLocal = append(blobs, c.pendingLocal...)
}
