package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchsmith_jobs_total",
		Help: "Job state transitions by queue.",
	}, []string{"queue", "state"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "patchsmith_job_duration_seconds",
		Help:    "Handler execution time per queue.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"queue"})

	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchsmith_webhook_events_total",
		Help: "Webhook deliveries by event name.",
	}, []string{"event"})

	indexChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchsmith_index_chunks_total",
		Help: "Chunks written to the lexical and vector indexes.",
	})

	llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchsmith_llm_requests_total",
		Help: "LLM calls by request kind and outcome.",
	}, []string{"kind", "outcome"})

	retrievalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "patchsmith_retrieval_duration_seconds",
		Help:    "Hybrid retrieval latency.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

// RecordJobState counts a job entering the given queue state.
func RecordJobState(queue, state string) {
	jobsTotal.WithLabelValues(queue, state).Inc()
}

// ObserveJobDuration records how long a job handler ran.
func ObserveJobDuration(queue string, d time.Duration) {
	jobDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// RecordWebhookEvent counts one webhook delivery.
func RecordWebhookEvent(event string) {
	webhookEvents.WithLabelValues(event).Inc()
}

// AddIndexedChunks counts chunks committed to the indexes.
func AddIndexedChunks(n int) {
	indexChunks.Add(float64(n))
}

// RecordLLMRequest counts one LLM call. Kind is the request purpose
// (selection, generation); outcome is "success" or "error".
func RecordLLMRequest(kind, outcome string) {
	llmRequests.WithLabelValues(kind, outcome).Inc()
}

// ObserveRetrieval records one hybrid retrieval round trip.
func ObserveRetrieval(d time.Duration) {
	retrievalDuration.Observe(d.Seconds())
}
