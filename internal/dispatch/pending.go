package dispatch

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// outcome is the single settlement value delivered to a waiting caller.
type outcome struct {
	result json.RawMessage
	err    error
}

// pendingRequest is one in-flight call. It is created at call time, removed
// from the table the instant it settles, and never mutated afterwards except
// through the settle-once flag.
type pendingRequest struct {
	id        string
	callType  string
	createdAt time.Time

	settled atomic.Bool
	done    chan outcome

	timerMu sync.Mutex
	timer   *time.Timer
}

func newPendingRequest(id, callType string, createdAt time.Time) *pendingRequest {
	return &pendingRequest{
		id:        id,
		callType:  callType,
		createdAt: createdAt,
		done:      make(chan outcome, 1),
	}
}

// armTimeout starts the deadline timer. The timer is exclusively owned by this
// request and cancelled by whichever settle call wins.
func (p *pendingRequest) armTimeout(d time.Duration, fire func()) {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.settled.Load() {
		return
	}
	p.timer = time.AfterFunc(d, fire)
}

// settle delivers the outcome exactly once. The compare-and-swap guard closes
// the race between a late response and the timeout firing: the first caller
// wins and every later attempt reports false and does nothing.
func (p *pendingRequest) settle(out outcome) bool {
	if !p.settled.CompareAndSwap(false, true) {
		return false
	}
	p.timerMu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.timerMu.Unlock()
	p.done <- out
	return true
}

// pendingTable is the correlation map. All three mutators (insert on call,
// take on settle, sweep on reap) go through the same mutex.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
	closed  bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

// insert registers a request. It fails once the table is closed so a call
// racing a shutdown is rejected instead of silently left unsettled.
func (t *pendingTable) insert(p *pendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.entries[p.id] = p
	return true
}

// take removes and returns the entry for id. Looking up an unknown id (for
// example after the reaper already removed it) is not an error; the caller
// just drops the frame.
func (t *pendingTable) take(id string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	return p
}

// remove drops the entry without returning it.
func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// sweep removes entries older than staleAfter plus any entry with a zero
// creation timestamp, which can only come from a construction bug. Removed
// entries are NOT settled here: a well-formed request has an armed timeout
// timer that owns the rejection; the sweep only bounds table growth.
func (t *pendingTable) sweep(now time.Time, staleAfter time.Duration) []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stale []*pendingRequest
	for id, p := range t.entries {
		if p.createdAt.IsZero() || now.Sub(p.createdAt) > staleAfter {
			delete(t.entries, id)
			stale = append(stale, p)
		}
	}
	return stale
}

// close marks the table closed and drains every entry. Draining and the
// closed flag flip happen under one lock acquisition, so a concurrent insert
// either lands before the drain (and is returned here) or fails.
func (t *pendingTable) close() []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	drained := make([]*pendingRequest, 0, len(t.entries))
	for id, p := range t.entries {
		delete(t.entries, id)
		drained = append(drained, p)
	}
	return drained
}

// reopen clears the closed flag for a fresh worker lifetime.
func (t *pendingTable) reopen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = false
}
