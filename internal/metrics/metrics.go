package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook ingest metrics
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replygate_webhook_requests_total",
			Help: "Total number of webhook requests received",
		},
		[]string{"method", "status"},
	)

	WebhookProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replygate_webhook_processing_seconds",
			Help:    "Webhook request processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebhookDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replygate_webhook_duplicates_total",
			Help: "Total number of duplicate webhook deliveries ignored",
		},
	)

	SignatureFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replygate_webhook_signature_failures_total",
			Help: "Total number of webhook signature verification failures",
		},
	)

	// Intent and processing metrics
	IntentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replygate_intent_total",
			Help: "Total number of messages classified per intent",
		},
		[]string{"intent", "status"},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replygate_processing_seconds",
			Help:    "AI pipeline processing duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"intent"},
	)

	ActiveConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "replygate_active_conversations",
			Help: "Number of conversations currently being processed",
		},
	)

	// Response cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replygate_cache_hits_total",
			Help: "Response cache lookups by type and result",
		},
		[]string{"type", "result"},
	)

	// LLM provider metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replygate_llm_requests_total",
			Help: "Total number of LLM provider requests",
		},
		[]string{"model", "status"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replygate_llm_request_duration_seconds",
			Help:    "LLM provider request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"model"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replygate_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replygate_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Knowledge retrieval metrics
	KnowledgeSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replygate_knowledge_searches_total",
			Help: "Knowledge base searches by outcome",
		},
		[]string{"outcome"},
	)

	KnowledgeDocuments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "replygate_knowledge_documents",
			Help: "Number of knowledge documents currently indexed",
		},
	)

	// Conversation history store metrics
	HistoryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replygate_history_cache_hits_total",
			Help: "Total number of conversation history fallback-cache hits",
		},
	)

	HistoryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replygate_history_cache_misses_total",
			Help: "Total number of conversation history fallback-cache misses",
		},
	)

	HistoryCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "replygate_history_cache_size",
			Help: "Current number of conversations in the fallback cache",
		},
	)

	HistoryCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replygate_history_cache_evictions_total",
			Help: "Total number of conversations evicted from the fallback cache",
		},
	)

	// Rate limiter metrics
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replygate_rate_limit_decisions_total",
			Help: "Rate limiter decisions by backend and outcome",
		},
		[]string{"backend", "allowed"},
	)

	// Task queue and worker metrics
	TasksEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replygate_tasks_enqueued_total",
			Help: "Total number of delivery tasks enqueued",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "replygate_task_queue_depth",
			Help: "Current depth of the delivery task queue",
		},
	)

	WorkerTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replygate_worker_tasks_total",
			Help: "Total number of delivery tasks by terminal status",
		},
		[]string{"status"},
	)

	WorkerTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replygate_worker_task_duration_seconds",
			Help:    "Delivery task execution duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 150},
		},
		[]string{"status"},
	)

	// Outbound platform metrics
	OutboundSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replygate_outbound_sends_total",
			Help: "Total number of outbound platform sends",
		},
		[]string{"status"},
	)

	OutboundSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replygate_outbound_send_duration_seconds",
			Help:    "Outbound platform send duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API error metrics
	APIErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replygate_api_errors_total",
			Help: "Total number of API errors by endpoint and error type",
		},
		[]string{"endpoint", "error_type"},
	)

	// Feedback metrics
	FeedbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replygate_feedback_total",
			Help: "Total number of feedback submissions by rating",
		},
		[]string{"rating"},
	)
)

// RecordIntentMetrics records classification and pipeline latency for one message
func RecordIntentMetrics(intent, status string, durationSeconds float64) {
	IntentTotal.WithLabelValues(intent, status).Inc()
	ProcessingDuration.WithLabelValues(intent).Observe(durationSeconds)
}

// RecordLLMMetrics records a single LLM provider call
func RecordLLMMetrics(model, status string, durationSeconds float64) {
	LLMRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		LLMRequestDuration.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records embedding metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordWorkerTask records a terminal delivery task outcome
func RecordWorkerTask(status string, durationSeconds float64) {
	WorkerTasks.WithLabelValues(status).Inc()
	WorkerTaskDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordAPIError increments the API error counter for an endpoint
func RecordAPIError(endpoint, errorType string) {
	APIErrors.WithLabelValues(endpoint, errorType).Inc()
}
