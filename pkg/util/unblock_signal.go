package util

import "sync"

/* UnblockSignal
 * simple wrapper around a go channel to make it easier to block a goroutine from continuing and then let it continue when Trigger() is called
 * EXAMPLE USE: stopping the reconciliation loop when the engine shuts down
 */
type UnblockSignal struct {
	err        error // could be used to pass an error back to the blocked goroutine
	exitSignal chan bool
	once       sync.Once
}

func NewUnblockSignal() *UnblockSignal {
	return &UnblockSignal{exitSignal: make(chan bool)}
}

func (e *UnblockSignal) Trigger() {
	e.once.Do(func() { close(e.exitSignal) })
}

func (e *UnblockSignal) TriggerWithError(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.exitSignal)
	})
}

func (e *UnblockSignal) Wait() error {
	<-e.exitSignal
	return e.err
}

func (e *UnblockSignal) GetSignal() chan bool {
	return e.exitSignal
}

func (e *UnblockSignal) GetError() error {
	return e.err
}

func (e *UnblockSignal) HasTriggered() bool {
	select {
	case <-e.exitSignal:
		return true
	default:
		return false
	}
}
