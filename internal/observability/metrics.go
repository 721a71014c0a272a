// Package observability groups the Prometheus instruments of the engine,
// pipeline and queue layers. A nil *Metrics is valid and records nothing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups all non-HTTP instruments used by the daemon.
type Metrics struct {
	LoadsTotal        *prometheus.CounterVec
	EvictionsTotal    *prometheus.CounterVec
	AcquireWait       *prometheus.HistogramVec
	BusyHandles       prometheus.Gauge
	StageDuration     *prometheus.HistogramVec
	TurnsTotal        *prometheus.CounterVec
	ActiveRequests    prometheus.Gauge
	RejectedTotal     *prometheus.CounterVec
	RetrievalTimeouts prometheus.Counter
}

// NewMetrics registers the instruments with reg (prometheus.DefaultRegisterer when nil).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		LoadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "loads_total",
			Help:      "Native engine loads by kind and result.",
		}, []string{"kind", "result"}),
		EvictionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Engine handles evicted, by kind and mode (now or deferred).",
		}, []string{"kind", "mode"}),
		AcquireWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for an exclusive engine lease.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"kind"}),
		BusyHandles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "busy_handles",
			Help:      "Engine handles currently leased.",
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		TurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "turns_total",
			Help:      "Finished turns by terminal state.",
		}, []string{"state"}),
		ActiveRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "active_requests",
			Help:      "Turns currently in flight.",
		}),
		RejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "rejected_total",
			Help:      "Submissions rejected at admission, by reason.",
		}, []string{"reason"}),
		RetrievalTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "timeouts_total",
			Help:      "Retrieval queries that hit their timeout.",
		}),
	}
}

func (m *Metrics) ObserveLoad(kind, result string) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveEviction(kind, mode string) {
	if m == nil {
		return
	}
	m.EvictionsTotal.WithLabelValues(kind, mode).Inc()
}

func (m *Metrics) ObserveAcquireWait(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.AcquireWait.WithLabelValues(kind).Observe(d.Seconds())
}

// AddBusy moves the busy handle gauge by delta.
func (m *Metrics) AddBusy(delta float64) {
	if m == nil {
		return
	}
	m.BusyHandles.Add(delta)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveTurn(state string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) AddActive(delta float64) {
	if m == nil {
		return
	}
	m.ActiveRequests.Add(delta)
}

func (m *Metrics) ObserveRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.RejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveRetrievalTimeout() {
	if m == nil {
		return
	}
	m.RetrievalTimeouts.Inc()
}
