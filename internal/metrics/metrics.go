// Package metrics exposes the Prometheus instruments of the scheduling
// engine. All collectors register on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	calendarRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capsched_calendar_requests_total",
		Help: "Calendar requests by cache result (hit or miss)",
	}, []string{"result"})

	calendarGenerationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capsched_calendar_generation_seconds",
		Help:    "Time spent rendering a capture agent calendar",
		Buckets: prometheus.DefBuckets,
	})

	eventCacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capsched_event_cache_requests_total",
		Help: "Event snapshot cache lookups by result (hit or miss)",
	}, []string{"result"})

	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capsched_mutations_total",
		Help: "Schedule mutations by operation",
	}, []string{"op"})

	conflictsFoundTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capsched_conflicts_found_total",
		Help: "Conflicting events reported by conflict queries",
	})

	storeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capsched_store_errors_total",
		Help: "Event store failures by operation",
	}, []string{"op"})

	lastModifiedSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capsched_last_modified_timestamp_seconds",
		Help: "Unix time of the last schedule change",
	})
)

func result(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

// RecordCalendarRequest counts a calendar lookup.
func RecordCalendarRequest(hit bool) {
	calendarRequestsTotal.WithLabelValues(result(hit)).Inc()
}

// ObserveCalendarGeneration records how long a calendar render took.
func ObserveCalendarGeneration(seconds float64) {
	calendarGenerationSeconds.Observe(seconds)
}

// RecordEventCacheRequest counts an event snapshot lookup.
func RecordEventCacheRequest(hit bool) {
	eventCacheRequestsTotal.WithLabelValues(result(hit)).Inc()
}

// IncMutation counts a successful schedule mutation.
func IncMutation(op string) {
	if op == "" {
		op = "unknown"
	}
	mutationsTotal.WithLabelValues(op).Inc()
}

// AddConflicts adds n reported conflicts.
func AddConflicts(n int) {
	if n > 0 {
		conflictsFoundTotal.Add(float64(n))
	}
}

// IncStoreError counts a failed store operation.
func IncStoreError(op string) {
	if op == "" {
		op = "unknown"
	}
	storeErrorsTotal.WithLabelValues(op).Inc()
}

// SetLastModified publishes the schedule's last modification time.
func SetLastModified(unixSeconds float64) {
	lastModifiedSeconds.Set(unixSeconds)
}
