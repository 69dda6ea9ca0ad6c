package util

import (
	"sync"
)

// EventSub is a simple fan-out event subscription system using go channels.
// based on PubSub from https://eli.thegreenplace.net/2020/pubsub-using-channels-in-go/
//
// Subscribing after a Close (or after a missed stretch of events) just
// starts a fresh channel from the next Push; the stream is restartable for
// as long as the owning process runs.
type EventSub[Typ any] struct {
	mu        sync.RWMutex
	subs      []chan Typ
	closed    bool
	bufferAmt uint
}

// NewEventSub creates a new EventSub of the passed type with the given buffer amount.
// bufferAmt is how many events a slow subscriber can fall behind before
// events are dropped for it (1 or greater is recommended).
func NewEventSub[Typ any](bufferAmt uint) *EventSub[Typ] {
	return &EventSub[Typ]{
		subs:      make([]chan Typ, 0),
		bufferAmt: bufferAmt,
	}
}

func (es *EventSub[Typ]) Subscribe() <-chan Typ {
	es.mu.Lock()
	defer es.mu.Unlock()

	ch := make(chan Typ, es.bufferAmt)
	es.subs = append(es.subs, ch)
	return ch
}

func (es *EventSub[Typ]) UnSubscribe(c <-chan Typ) {
	es.mu.Lock()
	defer es.mu.Unlock()

	for i, ch := range es.subs {
		if ch == c {
			close(ch)
			es.subs[i] = es.subs[len(es.subs)-1]
			es.subs = es.subs[:len(es.subs)-1]
			return
		}
	}
}

// Push delivers the event to every subscriber. A subscriber that has fallen
// more than bufferAmt events behind misses this one; the poll loop must
// never block on a slow consumer.
func (es *EventSub[Typ]) Push(data Typ) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	if es.closed {
		return
	}
	for _, ch := range es.subs {
		select {
		case ch <- data:
		default:
		}
	}
}

func (es *EventSub[Typ]) Close() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.closed {
		es.closed = true
		for _, ch := range es.subs {
			close(ch)
		}
		es.subs = nil
	}
}
