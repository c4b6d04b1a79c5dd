package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regulus_runs_started_total",
			Help: "Total number of query runs started",
		},
		[]string{"classification"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regulus_runs_completed_total",
			Help: "Total number of query runs completed",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "regulus_run_duration_seconds",
			Help:    "End-to-end run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Step metrics
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "regulus_step_duration_seconds",
			Help:    "Step execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	StepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regulus_step_failures_total",
			Help: "Total number of step failures by error kind",
		},
		[]string{"step", "kind"},
	)

	RecoveryActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regulus_recovery_actions_total",
			Help: "Total number of recovery actions taken",
		},
		[]string{"action", "step"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regulus_cache_hits_total",
			Help: "Total number of cache hits by tier",
		},
		[]string{"tier"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regulus_cache_misses_total",
			Help: "Total number of cache misses by tier",
		},
		[]string{"tier"},
	)

	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regulus_cache_writes_total",
			Help: "Total number of cache write attempts by admission outcome",
		},
		[]string{"tier", "admitted"},
	)

	// Retrieval metrics
	RetrievalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regulus_retrieval_requests_total",
			Help: "Total number of retrieval backend calls",
		},
		[]string{"strategy", "status"},
	)

	RetrievalFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regulus_retrieval_fallbacks_total",
			Help: "Total number of fallback transitions between strategies",
		},
		[]string{"from", "to"},
	)

	SubQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "regulus_subquery_duration_seconds",
			Help:    "Per sub-query research duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regulus_llm_requests_total",
			Help: "Total number of language model calls",
		},
		[]string{"status"},
	)

	LLMLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "regulus_llm_latency_seconds",
			Help:    "Language model call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// Conversation cache metrics
	ConversationCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "regulus_conversation_cache_hits_total",
			Help: "Total number of conversation local cache hits",
		},
	)

	ConversationCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "regulus_conversation_cache_misses_total",
			Help: "Total number of conversation local cache misses",
		},
	)

	ConversationCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "regulus_conversation_cache_size",
			Help: "Current number of conversations in the local cache",
		},
	)

	ConversationCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "regulus_conversation_cache_evictions_total",
			Help: "Total number of conversations evicted from the local cache",
		},
	)

	// Audit metrics
	AuditWritesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "regulus_audit_writes_dropped_total",
			Help: "Total number of audit records dropped due to a full queue",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "regulus_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// RecordRunMetrics records metrics for a completed run.
func RecordRunMetrics(status string, durationSeconds float64) {
	RunsCompleted.WithLabelValues(status).Inc()
	RunDuration.Observe(durationSeconds)
}

// RecordRetrieval records one retrieval backend call.
func RecordRetrieval(strategy, status string) {
	RetrievalRequests.WithLabelValues(strategy, status).Inc()
}

// RecordLLMCall records one language model call.
func RecordLLMCall(status string, durationSeconds float64) {
	LLMRequests.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		LLMLatency.Observe(durationSeconds)
	}
}
