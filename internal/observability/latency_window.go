package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type CallLatencyStats struct {
	CallType string  `json:"call_type"`
	Samples  int     `json:"samples"`
	LastMS   float64 `json:"last_ms"`
	AvgMS    float64 `json:"avg_ms"`
	P50MS    float64 `json:"p50_ms"`
	P95MS    float64 `json:"p95_ms"`
	P99MS    float64 `json:"p99_ms"`
}

type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

type CallLatencySnapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	WindowSize  int                `json:"window_size"`
	Calls       []CallLatencyStats `json:"calls"`
	Outcomes    []OutcomeCount     `json:"outcomes,omitempty"`
}

// callLatencyWindow keeps a fixed-size ring of latency samples per call type
// so the stats endpoint can report percentiles without Prometheus scraping.
type callLatencyWindow struct {
	mu         sync.RWMutex
	maxSamples int
	calls      map[string]*latencyRing
	outcomes   map[string]int
}

type latencyRing struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newCallLatencyWindow(maxSamples int) *callLatencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &callLatencyWindow{
		maxSamples: maxSamples,
		calls:      make(map[string]*latencyRing),
		outcomes:   make(map[string]int),
	}
}

func (w *callLatencyWindow) Observe(callType string, ms float64) {
	if callType == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.calls[callType]
	if !ok {
		ring = &latencyRing{values: make([]float64, w.maxSamples)}
		w.calls[callType] = ring
	}
	ring.values[ring.next] = ms
	ring.last = ms
	ring.next++
	if ring.next >= len(ring.values) {
		ring.next = 0
		ring.filled = true
	}
}

func (w *callLatencyWindow) ObserveOutcome(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes[outcome]++
}

func (w *callLatencyWindow) Snapshot() CallLatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.calls))
	for callType := range w.calls {
		keys = append(keys, callType)
	}
	sort.Strings(keys)

	calls := make([]CallLatencyStats, 0, len(keys))
	for _, callType := range keys {
		ring := w.calls[callType]
		n := ring.next
		if ring.filled {
			n = len(ring.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, ring.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}

		calls = append(calls, CallLatencyStats{
			CallType: callType,
			Samples:  n,
			LastMS:   round2(ring.last),
			AvgMS:    round2(sum / float64(n)),
			P50MS:    round2(quantile(samples, 0.50)),
			P95MS:    round2(quantile(samples, 0.95)),
			P99MS:    round2(quantile(samples, 0.99)),
		})
	}

	outcomeKeys := make([]string, 0, len(w.outcomes))
	for name := range w.outcomes {
		outcomeKeys = append(outcomeKeys, name)
	}
	sort.Strings(outcomeKeys)
	outcomes := make([]OutcomeCount, 0, len(outcomeKeys))
	for _, name := range outcomeKeys {
		if w.outcomes[name] <= 0 {
			continue
		}
		outcomes = append(outcomes, OutcomeCount{Outcome: name, Count: w.outcomes[name]})
	}

	return CallLatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Calls:       calls,
		Outcomes:    outcomes,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
