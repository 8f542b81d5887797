package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	apiRequestsTotal  *prometheus.CounterVec
	apiLatencySeconds *prometheus.HistogramVec
	apiErrorsTotal    *prometheus.CounterVec

	submissionsCreated    prometheus.Counter
	submissionTransitions *prometheus.CounterVec
	analysisDuration      *prometheus.HistogramVec
	analysisFailures      *prometheus.CounterVec
	queueDepth            prometheus.Gauge
	eventsPublished       *prometheus.CounterVec
	streamClientsActive   prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the API and the pipeline.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		submissionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "submissions_created_total",
			Help: "Total number of submissions registered.",
		})

		submissionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submission_transitions_total",
			Help: "Committed submission state transitions by target state.",
		}, []string{"state"})

		analysisDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analysis_duration_seconds",
			Help:    "Wall time spent analysing a submission, by outcome.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"})

		analysisFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analysis_failures_total",
			Help: "Failed analyses by failure reason.",
		}, []string{"reason"})

		queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analysis_queue_depth",
			Help: "Submissions waiting for an analysis worker.",
		})

		eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submission_events_published_total",
			Help: "Lifecycle events published by type.",
		}, []string{"type"})

		streamClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "submission_stream_clients_active",
			Help: "Active lifecycle event subscribers.",
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			submissionsCreated, submissionTransitions, analysisDuration, analysisFailures,
			queueDepth, eventsPublished, streamClientsActive,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

func SubmissionsCreated() prometheus.Counter {
	RegisterMetrics()
	return submissionsCreated
}

func SubmissionTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return submissionTransitions
}

func AnalysisDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return analysisDuration
}

func AnalysisFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return analysisFailures
}

func QueueDepth() prometheus.Gauge {
	RegisterMetrics()
	return queueDepth
}

func EventsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return eventsPublished
}

func StreamClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return streamClientsActive
}
