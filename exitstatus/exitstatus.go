// Package exitstatus carries the termination status of a sandboxed process
// from the single goroutine that reaps it to any number of observers.
package exitstatus

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when registering a waiter on a torn down channel.
var ErrClosed = errors.New("exit status channel closed")

// Status is the recorded exit code of a process and the time it was observed.
type Status struct {
	Code     uint32
	ExitedAt time.Time
}

// Waiter receives the exit status exactly once.
type Waiter interface {
	Deliver(Status)
}

// WaiterFunc adapts a function to the Waiter interface.
type WaiterFunc func(Status)

// Deliver calls f(s).
func (f WaiterFunc) Deliver(s Status) { f(s) }

// chanWaiter forwards the status to a channel.
type chanWaiter struct {
	ch chan<- Status
}

func (w chanWaiter) Deliver(s Status) { w.ch <- s }

// NewWait returns a Waiter that sends the status on ch. The send blocks
// until the receiver is ready, so ch should normally be buffered.
func NewWait(ch chan<- Status) Waiter {
	return chanWaiter{ch: ch}
}

// Channel is a single-slot, write-once, multi-reader exit status cell.
// Set is called by exactly one writer; waiters never consume the value.
type Channel struct {
	mu        sync.Mutex
	cond      *sync.Cond
	status    *Status
	closed    bool
	cancelled bool
	pending   int
}

// New creates an empty Channel.
func New() *Channel {
	c := &Channel{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Set records the exit status and wakes every waiter. Only the first call
// has an effect; later calls return false and leave the stored value intact.
// A status set after Cancel is stored but not delivered.
func (c *Channel) Set(code uint32, exitedAt time.Time) bool {
	c.mu.Lock()
	if c.status != nil {
		c.mu.Unlock()
		return false
	}
	c.status = &Status{Code: code, ExitedAt: exitedAt}
	c.mu.Unlock()
	c.cond.Broadcast()
	return true
}

// Get returns the recorded status without blocking.
func (c *Channel) Get() (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == nil {
		return Status{}, false
	}
	return *c.status, true
}

// Wait blocks until a status has been recorded and returns it. It returns
// false if the channel is cancelled first.
func (c *Channel) Wait() (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.status == nil && !c.cancelled {
		c.cond.Wait()
	}
	if c.status == nil {
		return Status{}, false
	}
	return *c.status, true
}

// Register arranges for w to be notified exactly once with the exit status
// and returns immediately. Delivery happens on its own goroutine: right away
// if the status is already known, otherwise when Set is called. A waiter
// still pending when the channel is cancelled is released without a call.
func (c *Channel) Register(w Waiter) error {
	if w == nil {
		return errors.New("waiter is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	known := c.status
	if known == nil {
		c.pending++
	}
	c.mu.Unlock()

	if known != nil {
		s := *known
		go w.Deliver(s)
		return nil
	}
	go func() {
		s, ok := c.Wait()
		c.mu.Lock()
		c.pending--
		c.mu.Unlock()
		if ok {
			w.Deliver(s)
		}
	}()
	return nil
}

// Pending returns the number of registered waiters still parked waiting for
// a status.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Close rejects further registrations. Waiters that are already registered
// still receive the status once it is set.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Cancel closes the channel for a status that will never be set. Pending
// waiters are released without being called, and Wait returns false while
// no status is recorded. A status that was already recorded is unaffected.
func (c *Channel) Cancel() {
	c.mu.Lock()
	c.closed = true
	c.cancelled = true
	c.mu.Unlock()
	c.cond.Broadcast()
}
