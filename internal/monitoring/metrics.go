// Package monitoring provides metrics collection for host callback round trips.
package monitoring

import (
	"sync"
	"time"
)

// Outcome labels used for call metrics.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	maxKeptMetrics  = 10000
	defaultKeepHint = 256
)

// CallMetrics represents one host callback round trip.
type CallMetrics struct {
	Kind     string        `json:"kind"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome"`
	Deferred bool          `json:"deferred"`
	Depth    int           `json:"depth"`
}

// MetricsCollector collects and stores call metrics.
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics []CallMetrics
	enabled bool
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(enabled bool) *MetricsCollector {
	return &MetricsCollector{
		metrics: make([]CallMetrics, 0, defaultKeepHint),
		enabled: enabled,
	}
}

// IsEnabled returns whether metrics collection is enabled.
func (mc *MetricsCollector) IsEnabled() bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.enabled
}

// Record stores m if collection is enabled. The oldest half is dropped once
// the collector holds maxKeptMetrics entries.
func (mc *MetricsCollector) Record(m CallMetrics) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if !mc.enabled {
		return
	}
	if len(mc.metrics) >= maxKeptMetrics {
		kept := copy(mc.metrics, mc.metrics[len(mc.metrics)/2:])
		mc.metrics = mc.metrics[:kept]
	}
	mc.metrics = append(mc.metrics, m)
}

// GetMetrics returns a copy of all collected metrics.
func (mc *MetricsCollector) GetMetrics() []CallMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	result := make([]CallMetrics, len(mc.metrics))
	copy(result, mc.metrics)
	return result
}

// Clear removes all collected metrics.
func (mc *MetricsCollector) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics = mc.metrics[:0]
}

// SetEnabled enables or disables metrics collection.
func (mc *MetricsCollector) SetEnabled(enabled bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.enabled = enabled
}

// GetSummary returns a summary of collected metrics.
func (mc *MetricsCollector) GetSummary() MetricsSummary {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if len(mc.metrics) == 0 {
		return MetricsSummary{}
	}

	var totalDuration, maxDuration time.Duration
	summary := MetricsSummary{
		KindCounts:    make(map[string]int),
		OutcomeCounts: make(map[string]int),
	}

	for _, metric := range mc.metrics {
		totalDuration += metric.Duration
		if metric.Duration > maxDuration {
			maxDuration = metric.Duration
		}
		if metric.Deferred {
			summary.DeferredCalls++
		}
		if metric.Depth > 1 {
			summary.NestedCalls++
		}
		summary.KindCounts[metric.Kind]++
		summary.OutcomeCounts[metric.Outcome]++
	}

	summary.TotalCalls = len(mc.metrics)
	summary.TotalDuration = totalDuration
	summary.MaxDuration = maxDuration
	summary.AverageDuration = totalDuration / time.Duration(len(mc.metrics))
	return summary
}

// MetricsSummary provides aggregate statistics for collected metrics.
type MetricsSummary struct {
	TotalCalls      int            `json:"total_calls"`
	DeferredCalls   int            `json:"deferred_calls"`
	NestedCalls     int            `json:"nested_calls"`
	TotalDuration   time.Duration  `json:"total_duration"`
	AverageDuration time.Duration  `json:"average_duration"`
	MaxDuration     time.Duration  `json:"max_duration"`
	KindCounts      map[string]int `json:"kind_counts"`
	OutcomeCounts   map[string]int `json:"outcome_counts"`
}
