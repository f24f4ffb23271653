package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// All helper methods tolerate a nil receiver so the dispatcher can run
// uninstrumented in tests.
type Metrics struct {
	PendingRequests prometheus.Gauge
	Settlements     *prometheus.CounterVec
	CallLatency     *prometheus.HistogramVec
	ReapedRequests  prometheus.Counter
	WorkerStarts    prometheus.Counter
	WorkerFaults    prometheus.Counter
	ProgressEvents  prometheus.Counter

	latency *callLatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		PendingRequests: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Number of in-flight worker calls awaiting settlement.",
		}),
		Settlements: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Request settlements by outcome.",
		}, []string{"outcome"}),
		CallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_latency_ms",
			Help:      "Worker call latency in milliseconds by call type.",
			Buckets:   []float64{5, 20, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
		}, []string{"type"}),
		ReapedRequests: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_requests_total",
			Help:      "Stale table entries removed by the background reaper.",
		}),
		WorkerStarts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_starts_total",
			Help:      "Successful worker launches.",
		}),
		WorkerFaults: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_faults_total",
			Help:      "Worker construction failures and unexpected disconnects.",
		}),
		ProgressEvents: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_total",
			Help:      "Uncorrelated progress frames received from the worker.",
		}),
		latency: newCallLatencyWindow(256),
	}
}

// ObserveCall records one settled call in both the Prometheus histogram and
// the rolling window served by the stats endpoint.
func (m *Metrics) ObserveCall(callType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.CallLatency.WithLabelValues(callType).Observe(ms)
	m.Settlements.WithLabelValues(outcome).Inc()
	m.latency.Observe(callType, ms)
	m.latency.ObserveOutcome(outcome)
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingRequests.Set(float64(n))
}

func (m *Metrics) AddReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReapedRequests.Add(float64(n))
}

func (m *Metrics) IncWorkerStarts() {
	if m == nil {
		return
	}
	m.WorkerStarts.Inc()
}

func (m *Metrics) IncWorkerFaults() {
	if m == nil {
		return
	}
	m.WorkerFaults.Inc()
}

func (m *Metrics) IncProgressEvents() {
	if m == nil {
		return
	}
	m.ProgressEvents.Inc()
}

// LatencySnapshot returns the rolling per-call-type latency stats.
func (m *Metrics) LatencySnapshot() CallLatencySnapshot {
	if m == nil {
		return CallLatencySnapshot{}
	}
	return m.latency.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
