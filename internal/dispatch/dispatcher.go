package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcerruti/jobwatchd/internal/observability"
	"github.com/mcerruti/jobwatchd/internal/wire"
)

// Phase is the worker lifecycle state.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseStarting      Phase = "starting"
	PhaseReady         Phase = "ready"
	PhaseFaulted       Phase = "faulted"
)

// Conn is a live connection to the extraction worker. Send hands one envelope
// to the worker; Frames yields inbound frames until the connection dies, at
// which point the channel is closed.
type Conn interface {
	Send(req wire.Request) error
	Frames() <-chan wire.Frame
	Close() error
}

// Launcher constructs a worker connection. Exactly one launch is in flight
// per dispatcher at any time.
type Launcher interface {
	Launch(ctx context.Context) (Conn, error)
}

// Config controls deadlines for the dispatcher.
type Config struct {
	// CallTimeout is the default per-call deadline.
	CallTimeout time.Duration
	// CallTimeouts overrides the deadline per call type.
	CallTimeouts map[wire.CallType]time.Duration
	// ReapInterval is how often the stale-entry sweep runs.
	ReapInterval time.Duration
	// StaleAfter is the sweep's age threshold. It is intentionally longer
	// than CallTimeout so the sweep only catches entries whose timers never
	// fired; it is a second line of defense, not the timeout mechanism.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = c.CallTimeout + 30*time.Second
	}
	return c
}

// Dispatcher owns one extraction worker and correlates fire-and-forget
// envelopes back to their callers by request id. It is safe for concurrent
// use by any number of goroutines.
type Dispatcher struct {
	launcher Launcher
	cfg      Config
	metrics  *observability.Metrics

	mu        sync.Mutex
	phase     Phase
	initDone  chan struct{}
	initErr   error
	conn      Conn
	runCancel context.CancelFunc

	seq   atomic.Uint64
	table *pendingTable
	probe *capabilityProbe

	subMu  sync.Mutex
	subSeq int
	subs   map[int]chan wire.ProgressEvent
}

// New returns a dispatcher that launches its worker lazily on first use.
// metrics may be nil.
func New(launcher Launcher, cfg Config, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		launcher: launcher,
		cfg:      cfg.withDefaults(),
		metrics:  metrics,
		phase:    PhaseUninitialized,
		table:    newPendingTable(),
		probe:    newCapabilityProbe(),
		subs:     make(map[int]chan wire.ProgressEvent),
	}
}

// Phase returns the current lifecycle phase.
func (d *Dispatcher) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Init launches the worker if it is not already running. It is idempotent and
// safe to call concurrently: the intent-to-start flag is set synchronously
// under the lock, so back-to-back callers observe the in-flight attempt and
// await its outcome instead of spawning a second worker.
func (d *Dispatcher) Init(ctx context.Context) error {
	d.mu.Lock()
	switch d.phase {
	case PhaseReady:
		d.mu.Unlock()
		return nil
	case PhaseFaulted:
		err := d.initErr
		d.mu.Unlock()
		if err == nil {
			err = ErrWorkerFaulted
		}
		return err
	case PhaseStarting:
		done := d.initDone
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
		d.mu.Lock()
		err := d.initErr
		d.mu.Unlock()
		return err
	}

	d.phase = PhaseStarting
	d.initDone = make(chan struct{})
	done := d.initDone
	d.mu.Unlock()

	conn, err := d.launcher.Launch(ctx)

	d.mu.Lock()
	if err != nil {
		d.phase = PhaseFaulted
		d.initErr = fmt.Errorf("%w: %v", ErrWorkerFaulted, err)
		close(done)
		err = d.initErr
		d.mu.Unlock()
		d.metrics.IncWorkerFaults()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.conn = conn
	d.runCancel = cancel
	d.table.reopen()
	d.phase = PhaseReady
	d.initErr = nil
	close(done)
	d.mu.Unlock()

	d.metrics.IncWorkerStarts()
	go d.readFrames(runCtx, conn)
	go d.reapLoop(runCtx)
	if gen, started := d.probe.begin(); started {
		go d.runProbe(runCtx, conn, gen)
	}
	return nil
}

// Call sends one typed request to the worker and blocks until it settles:
// a correlated response, the per-call timeout, a shutdown, or ctx
// cancellation. Responses are matched purely by id; callers must not assume
// FIFO completion.
func (d *Dispatcher) Call(ctx context.Context, callType wire.CallType, payload any) (json.RawMessage, error) {
	if err := d.Init(ctx); err != nil {
		return nil, err
	}

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil, ErrWorkerTerminated
	}
	return d.callOn(ctx, conn, callType, payload)
}

// callOn runs one call against an already-held connection. It never touches
// the lifecycle: the capability probe uses it so a Shutdown racing the probe
// cannot be turned back into a fresh launch.
func (d *Dispatcher) callOn(ctx context.Context, conn Conn, callType wire.CallType, payload any) (json.RawMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}

	id := fmt.Sprintf("req-%d", d.seq.Add(1))
	start := time.Now()
	p := newPendingRequest(id, string(callType), start)

	if !d.table.insert(p) {
		// Shutdown raced the registration; reject rather than leave the
		// caller both unregistered and unsettled.
		p.settle(outcome{err: ErrWorkerTerminated})
		out := <-p.done
		return out.result, out.err
	}
	d.metrics.SetPending(d.table.len())

	// Armed only after the entry is registered, so the timer can never
	// settle an entry the table has not seen yet.
	p.armTimeout(d.timeoutFor(callType), func() {
		d.table.remove(id)
		if p.settle(outcome{err: ErrTimeout}) {
			d.metrics.ObserveCall(p.callType, "timeout", time.Since(start))
		}
		d.metrics.SetPending(d.table.len())
	})

	if err := conn.Send(wire.Request{Type: callType, RequestID: id, Payload: raw}); err != nil {
		d.table.remove(id)
		if p.settle(outcome{err: fmt.Errorf("%w: %v", ErrTransportSend, err)}) {
			d.metrics.ObserveCall(p.callType, "send_failed", time.Since(start))
		}
		d.metrics.SetPending(d.table.len())
		out := <-p.done
		return out.result, out.err
	}

	select {
	case <-ctx.Done():
		d.table.remove(id)
		p.settle(outcome{err: ctx.Err()})
		d.metrics.SetPending(d.table.len())
		out := <-p.done
		return out.result, out.err
	case out := <-p.done:
		return out.result, out.err
	}
}

// Capability reports the probe state without blocking. It may say "unknown"
// or "checking" while the probe is in flight; it never returns an answer
// inconsistent with AwaitCapability.
func (d *Dispatcher) Capability() CapabilityState {
	return d.probe.peek()
}

// AwaitCapability blocks until the one-shot probe concludes and returns the
// definitive answer. Callers that must not silently downgrade use this, never
// Capability.
func (d *Dispatcher) AwaitCapability(ctx context.Context) (bool, error) {
	if err := d.Init(ctx); err != nil {
		return false, err
	}
	return d.probe.await(ctx)
}

// SubscribeProgress registers a handler for uncorrelated progress events and
// returns an unsubscribe func. Delivery is best-effort: events are dropped
// when a subscriber falls behind.
func (d *Dispatcher) SubscribeProgress(handler func(wire.ProgressEvent)) func() {
	ch := make(chan wire.ProgressEvent, 64)
	d.subMu.Lock()
	d.subSeq++
	id := d.subSeq
	d.subs[id] = ch
	d.subMu.Unlock()

	go func() {
		for ev := range ch {
			handler(ev)
		}
	}()

	return func() {
		d.subMu.Lock()
		if c, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(c)
		}
		d.subMu.Unlock()
	}
}

// Shutdown disposes the worker and settles every still-pending request with
// ErrWorkerTerminated so no caller is left hanging. A later Init starts a
// brand-new worker with the capability probe back at unknown.
func (d *Dispatcher) Shutdown() error {
	for {
		d.mu.Lock()
		if d.phase != PhaseStarting {
			break
		}
		done := d.initDone
		d.mu.Unlock()
		<-done
	}

	if d.phase == PhaseUninitialized {
		d.mu.Unlock()
		return nil
	}

	conn := d.conn
	cancel := d.runCancel
	d.conn = nil
	d.runCancel = nil
	d.phase = PhaseUninitialized
	d.initErr = nil
	pending := d.table.close()
	d.mu.Unlock()

	for _, p := range pending {
		if p.settle(outcome{err: ErrWorkerTerminated}) {
			d.metrics.ObserveCall(p.callType, "terminated", time.Since(p.createdAt))
		}
	}
	d.metrics.SetPending(0)

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	d.probe.reset()
	return err
}

func (d *Dispatcher) timeoutFor(callType wire.CallType) time.Duration {
	if t, ok := d.cfg.CallTimeouts[callType]; ok && t > 0 {
		return t
	}
	return d.cfg.CallTimeout
}

// readFrames routes inbound frames: correlated responses settle their table
// entry exactly once, progress frames fan out to subscribers. A frame for an
// unknown id (already timed out or reaped) is dropped.
func (d *Dispatcher) readFrames(ctx context.Context, conn Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-conn.Frames():
			if !ok {
				d.handleDisconnect(conn)
				return
			}
			if frame.IsProgress() {
				ev, err := wire.DecodeProgress(frame)
				if err != nil {
					continue
				}
				d.metrics.IncProgressEvents()
				d.broadcast(ev)
				continue
			}

			p := d.table.take(frame.RequestID)
			if p == nil {
				continue
			}
			var out outcome
			label := "ok"
			if frame.Error != nil {
				out.err = &WorkerError{Code: frame.Error.Code, Message: frame.Error.Message}
				label = "worker_error"
			} else {
				out.result = frame.Result
			}
			if p.settle(out) {
				d.metrics.ObserveCall(p.callType, label, time.Since(p.createdAt))
			}
			d.metrics.SetPending(d.table.len())
		}
	}
}

// handleDisconnect deals with a worker that died underneath us: the phase
// goes Faulted (terminal until an explicit Shutdown) and every pending
// caller is failed immediately instead of waiting out its timeout.
func (d *Dispatcher) handleDisconnect(conn Conn) {
	d.mu.Lock()
	if d.conn != conn {
		// Shutdown already took over.
		d.mu.Unlock()
		return
	}
	d.conn = nil
	d.phase = PhaseFaulted
	d.initErr = fmt.Errorf("%w: worker connection closed", ErrWorkerFaulted)
	cancel := d.runCancel
	d.runCancel = nil
	pending := d.table.close()
	d.mu.Unlock()

	for _, p := range pending {
		if p.settle(outcome{err: ErrWorkerTerminated}) {
			d.metrics.ObserveCall(p.callType, "terminated", time.Since(p.createdAt))
		}
	}
	d.metrics.SetPending(0)
	d.metrics.IncWorkerFaults()

	if cancel != nil {
		cancel()
	}
	_ = conn.Close()
	d.probe.reset()
}

func (d *Dispatcher) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale := d.table.sweep(time.Now(), d.cfg.StaleAfter)
			if len(stale) > 0 {
				d.metrics.AddReaped(len(stale))
				d.metrics.SetPending(d.table.len())
			}
		}
	}
}

// runProbe issues the capability check on the connection captured at launch,
// not through Call: the lazy-init path could relaunch a worker that Shutdown
// already disposed of.
func (d *Dispatcher) runProbe(ctx context.Context, conn Conn, gen int) {
	probeCtx, cancel := context.WithTimeout(ctx, d.timeoutFor(wire.TypeCapability))
	defer cancel()

	raw, err := d.callOn(probeCtx, conn, wire.TypeCapability, nil)
	if err != nil {
		// A worker without the fast path, or one that cannot answer the
		// probe, is treated as known-unavailable.
		d.probe.conclude(gen, false)
		return
	}
	var res wire.CapabilityResult
	if err := json.Unmarshal(raw, &res); err != nil {
		d.probe.conclude(gen, false)
		return
	}
	d.probe.conclude(gen, res.Available)
}

func (d *Dispatcher) broadcast(ev wire.ProgressEvent) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; progress is best-effort.
		}
	}
}
