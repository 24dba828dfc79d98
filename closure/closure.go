// Package closure provides the journal's continuation primitive.
//
// A Closure is a one-shot join point: a caller creates one, hands it to an
// asynchronous operation, and either blocks in Wait or selects on Done. A
// WaitList is a set of closures woken together when an event fires.
//
// Completion publishes with release/acquire ordering (the channel close).
// Registration racing with completion is resolved by the caller: register
// under the lock that guards the event's state, re-check the state, and wake
// the list if the event already fired. Both sides then agree every
// registrant fires exactly once.
package closure

import (
	"sync"
)

type Closure struct {
	mu   sync.Mutex
	done bool
	ch   chan struct{}
}

func New() *Closure {
	return &Closure{ch: make(chan struct{})}
}

// Complete fires the closure. Completing an already-completed closure is a
// no-op, so an event may be re-delivered safely.
func (c *Closure) Complete() {
	c.mu.Lock()
	if !c.done {
		c.done = true
		close(c.ch)
	}
	c.mu.Unlock()
}

func (c *Closure) Done() <-chan struct{} {
	return c.ch
}

func (c *Closure) Wait() {
	<-c.ch
}

func (c *Closure) IsDone() bool {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	return done
}

// WaitList collects closures to be woken by one event. The zero value is
// ready to use.
type WaitList struct {
	mu      sync.Mutex
	waiters []*Closure
}

func (w *WaitList) Register(c *Closure) {
	w.mu.Lock()
	w.waiters = append(w.waiters, c)
	w.mu.Unlock()
}

// WakeAll completes every registered closure and empties the list. Multiple
// registrants all fire; a closure registered after the wake is picked up by
// the next wake (or by the caller's re-check protocol).
func (w *WaitList) WakeAll() {
	w.mu.Lock()
	waiters := w.waiters
	w.waiters = nil
	w.mu.Unlock()
	for _, c := range waiters {
		c.Complete()
	}
}

func (w *WaitList) Empty() bool {
	w.mu.Lock()
	empty := len(w.waiters) == 0
	w.mu.Unlock()
	return empty
}
