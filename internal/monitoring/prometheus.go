package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BridgeMetrics exports bridge activity to prometheus and, when a collector
// is attached, mirrors every call into it. A nil *BridgeMetrics is valid and
// records nothing.
type BridgeMetrics struct {
	requests  *prometheus.CounterVec
	roundtrip *prometheus.HistogramVec
	inflight  prometheus.Gauge
	backlog   prometheus.Gauge
	deferred  *prometheus.CounterVec
	collector *MetricsCollector
}

// NewBridgeMetrics registers the bridge metrics on reg. collector may be nil.
func NewBridgeMetrics(reg prometheus.Registerer, collector *MetricsCollector) *BridgeMetrics {
	factory := promauto.With(reg)
	return &BridgeMetrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gorillabind_requests_total",
				Help: "Total number of callback requests served by the dispatcher",
			},
			[]string{"kind", "outcome"},
		),
		roundtrip: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gorillabind_roundtrip_seconds",
				Help:    "Worker-observed latency of a callback round trip",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"kind"},
		),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gorillabind_inflight_requests",
			Help: "Envelopes sent and not yet answered",
		}),
		backlog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gorillabind_deferred_backlog",
			Help: "Deferred tasks waiting for a pool goroutine",
		}),
		deferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gorillabind_deferred_tasks_total",
				Help: "Deferred tasks completed, by outcome",
			},
			[]string{"outcome"},
		),
		collector: collector,
	}
}

// Collector returns the attached collector, if any.
func (m *BridgeMetrics) Collector() *MetricsCollector {
	if m == nil {
		return nil
	}
	return m.collector
}

// ObserveServed records a request the dispatcher answered.
func (m *BridgeMetrics) ObserveServed(kind, outcome string, d time.Duration, depth int, deferred bool) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, outcome).Inc()
	if m.collector != nil {
		m.collector.Record(CallMetrics{
			Kind:     kind,
			Duration: d,
			Outcome:  outcome,
			Deferred: deferred,
			Depth:    depth,
		})
	}
}

// ObserveRoundTrip records the latency seen by the calling goroutine.
func (m *BridgeMetrics) ObserveRoundTrip(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.roundtrip.WithLabelValues(kind).Observe(d.Seconds())
}

// InflightAdd adjusts the in-flight gauge.
func (m *BridgeMetrics) InflightAdd(delta float64) {
	if m == nil {
		return
	}
	m.inflight.Add(delta)
}

// SetBacklog sets the deferred backlog gauge.
func (m *BridgeMetrics) SetBacklog(n int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(n))
}

// DeferredDone counts a completed deferred task.
func (m *BridgeMetrics) DeferredDone(outcome string) {
	if m == nil {
		return
	}
	m.deferred.WithLabelValues(outcome).Inc()
}
