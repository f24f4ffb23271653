package dispatch

import (
	"context"
	"sync"
)

// CapabilityState tracks the one-shot probe for the optional ML fast path.
type CapabilityState string

const (
	CapabilityUnknown     CapabilityState = "unknown"
	CapabilityChecking    CapabilityState = "checking"
	CapabilityAvailable   CapabilityState = "available"
	CapabilityUnavailable CapabilityState = "unavailable"
)

// Concluded reports whether the probe has settled on a definitive answer.
func (s CapabilityState) Concluded() bool {
	return s == CapabilityAvailable || s == CapabilityUnavailable
}

// capabilityProbe memoizes the probe result for the life of one worker.
// Transitions are Unknown -> Checking -> {Available, Unavailable}; a fresh
// worker resets it to Unknown.
type capabilityProbe struct {
	mu        sync.Mutex
	gen       int
	state     CapabilityState
	available bool
	done      chan struct{}
}

func newCapabilityProbe() *capabilityProbe {
	return &capabilityProbe{state: CapabilityUnknown}
}

// begin claims the single probe slot. It succeeds for exactly one caller per
// worker lifetime; everyone else shares the in-flight result. The returned
// generation pins any conclusion to this worker lifetime so a probe that
// straddles a shutdown cannot poison the next worker's slot.
func (c *capabilityProbe) begin() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CapabilityUnknown {
		return 0, false
	}
	c.gen++
	c.state = CapabilityChecking
	c.done = make(chan struct{})
	return c.gen, true
}

// conclude records the definitive answer. Once settled it is immutable for
// the life of the worker.
func (c *capabilityProbe) conclude(gen int, available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != CapabilityChecking {
		return
	}
	if available {
		c.state = CapabilityAvailable
	} else {
		c.state = CapabilityUnavailable
	}
	c.available = available
	if c.done != nil {
		close(c.done)
	}
}

// peek returns the state as currently known without blocking. It may
// under-report capability while the probe is still in flight, but it never
// returns an answer that contradicts the eventual await result.
func (c *capabilityProbe) peek() CapabilityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// await blocks until the probe concludes, then returns the definitive answer.
func (c *capabilityProbe) await(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.state.Concluded() {
		available := c.available
		c.mu.Unlock()
		return available, nil
	}
	done := c.done
	c.mu.Unlock()

	if done == nil {
		// Probe not started yet; the dispatcher kicks it off during init.
		return false, ErrWorkerTerminated
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-done:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Concluded() {
		// The worker went away before the probe concluded.
		return false, ErrWorkerTerminated
	}
	return c.available, nil
}

// reset returns the probe to Unknown for the next worker lifetime, releasing
// any waiter stuck on a probe that will never conclude.
func (c *capabilityProbe) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CapabilityChecking && c.done != nil {
		close(c.done)
	}
	c.state = CapabilityUnknown
	c.available = false
	c.done = nil
}
