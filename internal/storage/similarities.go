package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/batch"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/globaltime"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/grouping"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/metrics"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/news"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/similarity"
)

type SimilarityOptions struct {
	Hours int
	Force bool
	// Parallel fans batches out over the worker pool; otherwise a single worker scores them.
	Parallel bool
	// Progress is called from the coordinator after each batch is persisted.
	Progress func(done, total int)
}

type SimilarityResult struct {
	TotalNews       int           `json:"total_news"`
	TotalPairs      int           `json:"total_pairs"`
	CandidatePairs  int           `json:"candidate_pairs"`
	SkippedExisting int           `json:"skipped_existing"`
	SkippedByTime   int           `json:"skipped_by_time"`
	SkippedByTitle  int           `json:"skipped_by_title"`
	Calculated      int           `json:"calculated"`
	NewSimilarities int64         `json:"new_similarities"`
	Cleared         int64         `json:"cleared,omitempty"`
	FailedBatches   int           `json:"failed_batches"`
	Workers         int           `json:"workers"`
	Batches         int           `json:"batches"`
	Elapsed         time.Duration `json:"elapsed"`
}

type pairJob struct {
	a similarity.Prepared
	b similarity.Prepared
}

type batchResult struct {
	rows       []db.SimilarityRow
	calculated int
}

// ComputeAndStoreSimilarities scores every unstored candidate pair of processed items in the window
// and persists those clearing the persistence floor. Each batch commits on its own, so a failure
// loses at most the batch in flight.
func (s *Service) ComputeAndStoreSimilarities(ctx context.Context, opts SimilarityOptions) (SimilarityResult, error) {
	if err := s.ready(); err != nil {
		return SimilarityResult{}, err
	}

	started := time.Now()
	since := windowStart(opts.Hours)
	var result SimilarityResult

	rows, err := s.store.ListProcessedNewsSince(ctx, since)
	if err != nil {
		return result, fmt.Errorf("load news for similarity: %w", err)
	}
	items := news.ItemsFromRows(rows, s.logger)
	result.TotalNews = len(items)
	if len(items) < 2 {
		s.logger.Info().Int("news", len(items)).Msg("not enough news for similarity computation")
		return result, nil
	}

	existing := map[db.PairKey]struct{}{}
	if opts.Force {
		cleared, err := s.store.DeleteSimilaritiesSince(ctx, since)
		if err != nil {
			return result, fmt.Errorf("clear similarities: %w", err)
		}
		result.Cleared = cleared
	} else {
		pairs, err := s.store.ListSimilarityPairsSince(ctx, since)
		if err != nil {
			return result, fmt.Errorf("load stored pairs: %w", err)
		}
		for _, pair := range pairs {
			existing[pair] = struct{}{}
		}
	}

	prepared := similarity.PrepareAll(grouping.SortNewestFirst(items))
	jobs := make([]pairJob, 0, len(prepared))
	for i := 0; i < len(prepared); i++ {
		for j := i + 1; j < len(prepared); j++ {
			result.TotalPairs++
			if _, ok := existing[db.NewPairKey(prepared[i].Item.ID, prepared[j].Item.ID)]; ok {
				result.SkippedExisting++
				continue
			}
			ok, byTime := grouping.PassesPrefilter(prepared[i], prepared[j], grouping.DefaultTimeWindow, grouping.DefaultTitlePrefilter)
			if !ok {
				if byTime {
					result.SkippedByTime++
				} else {
					result.SkippedByTitle++
				}
				continue
			}
			jobs = append(jobs, pairJob{a: prepared[i], b: prepared[j]})
		}
	}
	result.CandidatePairs = len(jobs)
	metrics.SimilarityPairs.WithLabelValues("skipped_existing").Add(float64(result.SkippedExisting))

	batches := batch.Partition(jobs, s.options.BatchSize)
	result.Batches = len(batches)
	if len(batches) == 0 {
		result.Elapsed = time.Since(started)
		s.logger.Info().
			Int("news", result.TotalNews).
			Int("skipped_existing", result.SkippedExisting).
			Msg("no new similarity pairs to compute")
		return result, nil
	}

	workers := 1
	if opts.Parallel {
		workers = s.options.Workers
	}

	pool := batch.Pool[[]pairJob, batchResult, *similarity.Scorer]{
		Workers: workers,
		NewWorker: func(context.Context, int) (*similarity.Scorer, error) {
			scorer := s.options.NewScorer()
			if scorer == nil {
				return nil, fmt.Errorf("scorer factory returned nil")
			}
			return scorer, nil
		},
		Process: scoreBatch,
	}

	s.logger.Info().
		Int("news", result.TotalNews).
		Int("candidates", result.CandidatePairs).
		Int("batches", result.Batches).
		Int("workers", workers).
		Bool("force", opts.Force).
		Msg("computing similarities")

	done := 0
	summary, err := pool.Run(ctx, batches, func(outcome batch.Outcome[[]pairJob, batchResult]) error {
		done++
		if outcome.Err != nil {
			result.FailedBatches++
			metrics.SimilarityBatchFailures.Inc()
			s.logger.Warn().Err(outcome.Err).Int("batch", outcome.Index).Msg("similarity batch failed")
			return nil
		}

		result.Calculated += outcome.Result.calculated
		if len(outcome.Result.rows) > 0 {
			inserted, err := s.store.InsertSimilarities(ctx, outcome.Result.rows)
			if err != nil {
				metrics.SimilarityBatchFailures.Inc()
				return fmt.Errorf("persist similarity batch %d: %w", outcome.Index, err)
			}
			result.NewSimilarities += inserted
			metrics.SimilarityPairs.WithLabelValues("persisted").Add(float64(inserted))
		}
		metrics.SimilarityPairs.WithLabelValues("computed").Add(float64(outcome.Result.calculated))

		if opts.Progress != nil {
			opts.Progress(done, len(batches))
		}
		return nil
	})
	result.Workers = summary.Workers
	result.Elapsed = time.Since(started)
	if err != nil {
		return result, err
	}

	s.logger.Info().
		Int("calculated", result.Calculated).
		Int64("stored", result.NewSimilarities).
		Int("failed_batches", result.FailedBatches).
		Dur("elapsed", result.Elapsed).
		Msg("similarity computation complete")
	return result, nil
}

func scoreBatch(ctx context.Context, scorer *similarity.Scorer, jobs []pairJob) (batchResult, error) {
	started := time.Now()
	defer func() {
		metrics.SimilarityBatchDuration.Observe(time.Since(started).Seconds())
	}()

	now := globaltime.UTC()
	out := batchResult{rows: make([]db.SimilarityRow, 0, len(jobs)/4)}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return batchResult{}, err
		}
		scores := scorer.Score(ctx, job.a, job.b)
		out.calculated++
		if scores.Overall < PersistenceFloor {
			continue
		}

		key := db.NewPairKey(job.a.Item.ID, job.b.Item.ID)
		out.rows = append(out.rows, db.SimilarityRow{
			NewsID1:            key.Low,
			NewsID2:            key.High,
			SimilarityScore:    scores.Overall,
			EntitySimilarity:   scores.Entity,
			TextSimilarity:     scores.Text,
			IsSameEvent:        similarity.IsSameEvent(scores.Overall),
			CalculationVersion: CalculationVersion,
			CreatedAt:          now,
		})
	}
	return out, nil
}
