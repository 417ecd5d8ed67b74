// Package metrics holds the Prometheus collectors of the trace engine.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trace_engine"

// Trace outcomes
const (
	OutcomeComputed  = "computed"
	OutcomeCached    = "cached"
	OutcomeEmpty     = "empty"
	OutcomeCancelled = "cancelled"
)

// Metrics groups the engine's collectors.
type Metrics struct {
	// TracesTotal counts trace requests. Labels: chain, outcome
	TracesTotal *prometheus.CounterVec

	// TraceDuration measures freshly computed traces. Labels: chain
	TraceDuration *prometheus.HistogramVec

	// NodesPerTrace observes the node count of computed traces.
	NodesPerTrace prometheus.Histogram

	// WindowFetches counts block-window queries. Labels: chain, result (ok, error)
	WindowFetches *prometheus.CounterVec

	// EventLookups counts per-event transaction/block lookups. Labels: result
	EventLookups *prometheus.CounterVec

	// Truncations counts limit hits surfaced as notes. Labels: kind
	Truncations *prometheus.CounterVec

	// CacheEntries is the current result cache size.
	CacheEntries prometheus.Gauge

	// StreamClients is the number of connected websocket clients.
	StreamClients prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TracesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traces_total",
			Help:      "Trace requests by chain and outcome.",
		}, []string{"chain", "outcome"}),
		TraceDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trace_duration_seconds",
			Help:      "Wall time of computed traces.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"chain"}),
		NodesPerTrace: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trace_nodes",
			Help:      "Nodes per computed trace.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		WindowFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_fetches_total",
			Help:      "Block-window transfer queries.",
		}, []string{"chain", "result"}),
		EventLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_lookups_total",
			Help:      "Per-event transaction and block lookups.",
		}, []string{"result"}),
		Truncations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncations_total",
			Help:      "Limits reached while exploring.",
		}, []string{"kind"}),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Results held in the trace cache.",
		}),
		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected websocket clients.",
		}),
	}
}

func (m *Metrics) TraceDone(chain, outcome string) {
	if m == nil {
		return
	}
	m.TracesTotal.WithLabelValues(chain, outcome).Inc()
}

func (m *Metrics) TraceComputed(chain string, took time.Duration, nodes int) {
	if m == nil {
		return
	}
	m.TraceDuration.WithLabelValues(chain).Observe(took.Seconds())
	m.NodesPerTrace.Observe(float64(nodes))
}

func (m *Metrics) WindowFetched(chain string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.WindowFetches.WithLabelValues(chain, result).Inc()
}

func (m *Metrics) EventLookedUp(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) Truncated(kind string) {
	if m == nil {
		return
	}
	m.Truncations.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

func (m *Metrics) SetStreamClients(n int) {
	if m == nil {
		return
	}
	m.StreamClients.Set(float64(n))
}
