// Package estimator predicts how long duplicate detection will take from recent call latencies.
package estimator

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/globaltime"
)

const (
	DefaultMaxRecords   = 100
	DefaultCallTime     = 3 * time.Second
	DefaultRecentWindow = 24 * time.Hour
	NetworkOverhead     = 500 * time.Millisecond
	BufferFactor        = 1.3
)

// Recorder receives the latency of each deep comparison call.
type Recorder interface {
	Record(duration time.Duration, model string, success bool)
}

type TimingRecord struct {
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Model     string        `json:"model"`
	Success   bool          `json:"success"`
}

// Timer keeps a bounded window of call latencies. It is safe for concurrent use.
type Timer struct {
	mu         sync.Mutex
	records    []TimingRecord
	maxRecords int
	logger     zerolog.Logger
}

func NewTimer(maxRecords int, logger zerolog.Logger) *Timer {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Timer{
		records:    make([]TimingRecord, 0, maxRecords),
		maxRecords: maxRecords,
		logger:     logger,
	}
}

func (t *Timer) Record(duration time.Duration, model string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, TimingRecord{
		Duration:  duration,
		Timestamp: globaltime.Now(),
		Model:     model,
		Success:   success,
	})
	if overflow := len(t.records) - t.maxRecords; overflow > 0 {
		t.records = append(t.records[:0], t.records[overflow:]...)
	}
	t.logger.Debug().Dur("duration", duration).Str("model", model).Bool("success", success).Msg("recorded call timing")
}

// AverageCallTime is the trimmed mean of successful calls within recent, optionally for one model.
// With at least three samples the fastest and slowest fifth are dropped. Without samples the
// default call time is returned.
func (t *Timer) AverageCallTime(model string, recent time.Duration) time.Duration {
	if recent <= 0 {
		recent = DefaultRecentWindow
	}
	cutoff := globaltime.Now().Add(-recent)

	t.mu.Lock()
	durations := make([]time.Duration, 0, len(t.records))
	for _, record := range t.records {
		if !record.Success || !record.Timestamp.After(cutoff) {
			continue
		}
		if model != "" && record.Model != model {
			continue
		}
		durations = append(durations, record.Duration)
	}
	t.mu.Unlock()

	if len(durations) == 0 {
		return DefaultCallTime
	}
	if len(durations) >= 3 {
		slices.Sort(durations)
		trim := max(1, len(durations)/5)
		durations = durations[trim : len(durations)-trim]
	}
	return mean(durations)
}

type Estimation struct {
	TotalComparisons    int           `json:"total_comparisons"`
	EstimatedDuration   time.Duration `json:"estimated_duration"`
	AverageCallTime     time.Duration `json:"avg_llm_call_time"`
	CurrentNewsCount    int           `json:"current_news_count"`
	ReferenceNewsCount  int           `json:"reference_news_count"`
	BufferFactor        float64       `json:"buffer_factor"`
	EstimatedCompletion *time.Time    `json:"estimated_completion_time,omitempty"`
}

// Estimate projects the total detection time for currentCount items compared against referenceCount references.
func (t *Timer) Estimate(currentCount, referenceCount int, model string) Estimation {
	if currentCount <= 0 {
		return Estimation{BufferFactor: 1}
	}

	avg := t.AverageCallTime(model, DefaultRecentWindow)
	comparisons := currentCount * referenceCount
	base := float64(avg+NetworkOverhead) * float64(comparisons)
	estimated := time.Duration(math.Round(base * BufferFactor))
	completion := globaltime.Now().Add(estimated)

	return Estimation{
		TotalComparisons:    comparisons,
		EstimatedDuration:   estimated,
		AverageCallTime:     avg,
		CurrentNewsCount:    currentCount,
		ReferenceNewsCount:  referenceCount,
		BufferFactor:        BufferFactor,
		EstimatedCompletion: &completion,
	}
}

// ItemStatus is the progress view of one per-item detection row.
type ItemStatus struct {
	Finished  bool
	CreatedAt time.Time
}

type Progress struct {
	CompletedComparisons int           `json:"completed_comparisons"`
	TotalComparisons     int           `json:"total_comparisons"`
	Elapsed              time.Duration `json:"elapsed_time"`
	Remaining            time.Duration `json:"estimated_remaining_time"`
	Percent              float64       `json:"current_progress"`
	EstimatedCompletion  *time.Time    `json:"estimated_completion_time,omitempty"`
}

// ComputeProgress derives live progress from per-item statuses: each finished item accounts for
// referenceCount comparisons. Elapsed time runs from start, or from the earliest item when start is zero.
func ComputeProgress(items []ItemStatus, referenceCount int, start time.Time) Progress {
	if len(items) == 0 {
		return Progress{}
	}

	finished := 0
	earliest := items[0].CreatedAt
	for _, item := range items {
		if item.Finished {
			finished++
		}
		if !item.CreatedAt.IsZero() && (earliest.IsZero() || item.CreatedAt.Before(earliest)) {
			earliest = item.CreatedAt
		}
	}

	now := globaltime.Now()
	progress := Progress{
		CompletedComparisons: finished * referenceCount,
		TotalComparisons:     len(items) * referenceCount,
	}
	if progress.TotalComparisons > 0 {
		progress.Percent = float64(progress.CompletedComparisons) / float64(progress.TotalComparisons) * 100
	}

	if start.IsZero() {
		start = earliest
	}
	if !start.IsZero() {
		progress.Elapsed = max(0, now.Sub(start))
	}

	if progress.CompletedComparisons > 0 && progress.Percent < 100 {
		perComparison := float64(progress.Elapsed) / float64(progress.CompletedComparisons)
		remaining := progress.TotalComparisons - progress.CompletedComparisons
		progress.Remaining = time.Duration(perComparison * float64(remaining))
	}
	if progress.Remaining > 0 {
		completion := now.Add(progress.Remaining)
		progress.EstimatedCompletion = &completion
	}
	return progress
}

type Statistics struct {
	TotalRecords      int           `json:"total_records"`
	SuccessfulRecords int           `json:"successful_records"`
	FailedRecords     int           `json:"failed_records"`
	Average           time.Duration `json:"average_duration"`
	Median            time.Duration `json:"median_duration"`
	Min               time.Duration `json:"min_duration"`
	Max               time.Duration `json:"max_duration"`
}

func (t *Timer) Statistics() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Statistics{TotalRecords: len(t.records)}
	durations := make([]time.Duration, 0, len(t.records))
	for _, record := range t.records {
		if record.Success {
			durations = append(durations, record.Duration)
		}
	}
	stats.SuccessfulRecords = len(durations)
	stats.FailedRecords = stats.TotalRecords - stats.SuccessfulRecords
	if len(durations) == 0 {
		return stats
	}

	slices.Sort(durations)
	stats.Average = mean(durations)
	stats.Min = durations[0]
	stats.Max = durations[len(durations)-1]
	mid := len(durations) / 2
	if len(durations)%2 == 1 {
		stats.Median = durations[mid]
	} else {
		stats.Median = (durations[mid-1] + durations[mid]) / 2
	}
	return stats
}

func (t *Timer) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = t.records[:0]
	t.logger.Info().Msg("call timing records cleared")
}

func mean(durations []time.Duration) time.Duration {
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total / time.Duration(len(durations))
}
