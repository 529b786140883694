package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrimatch_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agrimatch_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	matchOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrimatch_match_operations_total",
		Help: "Count of match protocol operations by operation and result",
	}, []string{"operation", "result"})

	acceptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agrimatch_accept_duration_seconds",
		Help:    "Duration of request accept attempts",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	contractTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrimatch_contract_transitions_total",
		Help: "Count of contract status transitions by kind and target status",
	}, []string{"kind", "status"})

	mirrorWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrimatch_mirror_write_failures_total",
		Help: "Count of mirrored writes that left the two copies diverged",
	}, []string{"relation"})

	reconcileRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrimatch_reconcile_repairs_total",
		Help: "Count of reconciliation repairs by relation and result",
	}, []string{"relation", "result"})

	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrimatch_events_published_total",
		Help: "Count of notification events by name and result",
	}, []string{"event", "result"})

	matchedParties = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agrimatch_matched_parties",
		Help: "Number of parties currently locked into a match",
	})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// ObserveMatchOperation counts one send/accept/reject outcome.
func ObserveMatchOperation(operation, result string) {
	matchOperations.WithLabelValues(operation, result).Inc()
}

// ObserveAccept records the duration of an accept attempt with a result label.
func ObserveAccept(result string, duration time.Duration) {
	acceptDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveContractTransition counts a contract entering a status.
func ObserveContractTransition(kind, status string) {
	contractTransitions.WithLabelValues(kind, status).Inc()
}

// ObserveMirrorWriteFailure counts a diverged mirror write.
func ObserveMirrorWriteFailure(relation string) {
	mirrorWriteFailures.WithLabelValues(relation).Inc()
}

// ObserveReconcileRepair counts one reconciliation repair attempt.
func ObserveReconcileRepair(relation, result string) {
	reconcileRepairs.WithLabelValues(relation, result).Inc()
}

// ObserveEventPublish counts a notification publish attempt.
func ObserveEventPublish(event, result string) {
	eventsPublished.WithLabelValues(event, result).Inc()
}

// AddMatched moves the matched-parties gauge.
func AddMatched(delta int) {
	matchedParties.Add(float64(delta))
}

// SetMatched sets the matched-parties gauge to a known count.
func SetMatched(count int) {
	if count < 0 {
		count = 0
	}
	matchedParties.Set(float64(count))
}
