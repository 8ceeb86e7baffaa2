package estimator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAverageCallTime_DefaultWithoutSamples(t *testing.T) {
	t.Parallel()

	timer := NewTimer(0, zerolog.Nop())
	if got := timer.AverageCallTime("", 0); got != DefaultCallTime {
		t.Fatalf("unexpected default average: %s", got)
	}

	timer.Record(time.Second, "m", false)
	if got := timer.AverageCallTime("", 0); got != DefaultCallTime {
		t.Fatalf("failed calls must not count, got %s", got)
	}
}

func TestAverageCallTime_TrimsOutliers(t *testing.T) {
	t.Parallel()

	timer := NewTimer(0, zerolog.Nop())
	for _, seconds := range []int{4, 1, 100, 3, 2} {
		timer.Record(time.Duration(seconds)*time.Second, "m", true)
	}
	timer.Record(50*time.Second, "other", true)

	if got := timer.AverageCallTime("m", time.Hour); got != 3*time.Second {
		t.Fatalf("unexpected trimmed average: %s", got)
	}
}

func TestAverageCallTime_TwoSamplesAreNotTrimmed(t *testing.T) {
	t.Parallel()

	timer := NewTimer(0, zerolog.Nop())
	timer.Record(time.Second, "m", true)
	timer.Record(3*time.Second, "m", true)

	if got := timer.AverageCallTime("", 0); got != 2*time.Second {
		t.Fatalf("unexpected average: %s", got)
	}
}

func TestRecord_KeepsBoundedWindow(t *testing.T) {
	t.Parallel()

	timer := NewTimer(3, zerolog.Nop())
	for i := 1; i <= 5; i++ {
		timer.Record(time.Duration(i)*time.Second, "m", true)
	}

	stats := timer.Statistics()
	if stats.TotalRecords != 3 || stats.Min != 3*time.Second || stats.Max != 5*time.Second {
		t.Fatalf("expected the three newest records, got %+v", stats)
	}
	if stats.Median != 4*time.Second {
		t.Fatalf("unexpected median: %s", stats.Median)
	}

	timer.Clear()
	if timer.Statistics().TotalRecords != 0 {
		t.Fatalf("expected records to be cleared")
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()

	timer := NewTimer(0, zerolog.Nop())
	estimate := timer.Estimate(2, 5, "")
	if estimate.TotalComparisons != 10 {
		t.Fatalf("unexpected comparisons: %d", estimate.TotalComparisons)
	}
	// (3s + 0.5s) * 10 * 1.3
	if estimate.EstimatedDuration != 45500*time.Millisecond {
		t.Fatalf("unexpected estimate: %s", estimate.EstimatedDuration)
	}
	if estimate.EstimatedCompletion == nil {
		t.Fatalf("expected completion time")
	}

	empty := timer.Estimate(0, 5, "")
	if empty.TotalComparisons != 0 || empty.EstimatedDuration != 0 || empty.BufferFactor != 1 {
		t.Fatalf("unexpected empty estimate: %+v", empty)
	}
}

func TestComputeProgress(t *testing.T) {
	t.Parallel()

	start := time.Now().Add(-10 * time.Second)
	items := []ItemStatus{
		{Finished: true, CreatedAt: start},
		{Finished: true, CreatedAt: start},
		{CreatedAt: start},
		{CreatedAt: start},
	}

	progress := ComputeProgress(items, 3, time.Time{})
	if progress.CompletedComparisons != 6 || progress.TotalComparisons != 12 || progress.Percent != 50 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
	if progress.Remaining < 9*time.Second || progress.Remaining > 12*time.Second {
		t.Fatalf("unexpected remaining time: %s", progress.Remaining)
	}
	if progress.EstimatedCompletion == nil {
		t.Fatalf("expected completion estimate")
	}

	done := ComputeProgress([]ItemStatus{{Finished: true, CreatedAt: start}}, 3, start)
	if done.Percent != 100 || done.Remaining != 0 || done.EstimatedCompletion != nil {
		t.Fatalf("unexpected finished progress: %+v", done)
	}

	if empty := ComputeProgress(nil, 3, start); empty.TotalComparisons != 0 {
		t.Fatalf("unexpected empty progress: %+v", empty)
	}
}
