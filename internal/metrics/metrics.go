// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SimilarityPairs counts candidate pairs by outcome: computed, persisted, skipped_existing.
	SimilarityPairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dailydigest_similarity_pairs_total",
		Help: "Similarity pairs handled by the batch computation, by outcome",
	}, []string{"outcome"})

	SimilarityBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dailydigest_similarity_batch_duration_seconds",
		Help:    "Wall time to score one batch of candidate pairs",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	SimilarityBatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dailydigest_similarity_batch_failures_total",
		Help: "Similarity batches that failed to score or persist",
	})

	EventGroupsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dailydigest_event_groups_stored_total",
		Help: "Event groups written by group recomputation",
	})

	// GroupCacheLookups counts keyed group cache lookups by result: hit, miss, error.
	GroupCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dailydigest_group_cache_lookups_total",
		Help: "Event group cache lookups by result",
	}, []string{"result"})

	// DuplicateComparisons counts candidate/reference pairs by decision: prefiltered, compared.
	DuplicateComparisons = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dailydigest_duplicate_comparisons_total",
		Help: "Duplicate detection pairs by gating decision",
	}, []string{"decision"})

	// DuplicateVerdicts counts deep comparison verdicts: duplicate, distinct, error.
	DuplicateVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dailydigest_duplicate_verdicts_total",
		Help: "Deep comparison outcomes",
	}, []string{"verdict"})

	LLMCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dailydigest_llm_call_duration_seconds",
		Help:    "Latency of external reasoning calls",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"provider", "success"})

	// TaskLockAttempts counts lock acquisitions by task type and result: acquired, busy.
	TaskLockAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dailydigest_task_lock_attempts_total",
		Help: "Task lock acquisition attempts",
	}, []string{"task_type", "result"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dailydigest_task_duration_seconds",
		Help:    "Duration of finished task executions",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"task_type", "status"})
)
