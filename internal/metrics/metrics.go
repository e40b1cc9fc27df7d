package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	requestsTotal         *prometheus.CounterVec
	requestLatencySeconds *prometheus.HistogramVec
	answerSavesTotal      *prometheus.CounterVec
	submissionsTotal      *prometheus.CounterVec
	moduleScoringsTotal   *prometheus.CounterVec
	persistFailuresTotal  *prometheus.CounterVec
	wsConnectionsActive   prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors of the exam API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_api_requests_total",
			Help: "Total number of student exam API requests served.",
		}, []string{"method", "route", "status"})

		requestLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exam_api_latency_seconds",
			Help:    "Latency distribution for student exam API requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		answerSavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_answer_saves_total",
			Help: "Answer saves by outcome.",
		}, []string{"result"})

		submissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_submissions_total",
			Help: "Submit calls by outcome.",
		}, []string{"result"})

		moduleScoringsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_module_scorings_total",
			Help: "Module scorings by module type.",
		}, []string{"module_type"})

		persistFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_worker_persist_failures_total",
			Help: "Queue items that failed to persist and were re-queued.",
		}, []string{"worker"})

		wsConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exam_ws_connections_active",
			Help: "Open exam WebSocket streams.",
		})

		prometheus.MustRegister(requestsTotal, requestLatencySeconds, answerSavesTotal,
			submissionsTotal, moduleScoringsTotal, persistFailuresTotal, wsConnectionsActive)
	})
}

// Requests exposes the request counter.
func Requests() *prometheus.CounterVec {
	RegisterMetrics()
	return requestsTotal
}

// Latency exposes the request latency histogram.
func Latency() *prometheus.HistogramVec {
	RegisterMetrics()
	return requestLatencySeconds
}

// AnswerSaves exposes the answer save counter.
func AnswerSaves() *prometheus.CounterVec {
	RegisterMetrics()
	return answerSavesTotal
}

// Submissions exposes the submit counter.
func Submissions() *prometheus.CounterVec {
	RegisterMetrics()
	return submissionsTotal
}

// ModuleScorings exposes the module scoring counter.
func ModuleScorings() *prometheus.CounterVec {
	RegisterMetrics()
	return moduleScoringsTotal
}

// PersistFailures exposes the worker failure counter.
func PersistFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return persistFailuresTotal
}

// WSConnections exposes the open stream gauge.
func WSConnections() prometheus.Gauge {
	RegisterMetrics()
	return wsConnectionsActive
}
