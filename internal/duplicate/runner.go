package duplicate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/estimator"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/globaltime"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/news"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/tasks"
)

// Digest-level statuses.
const (
	DigestPending   = "pending"
	DigestRunning   = "running"
	DigestCompleted = "completed"
	DigestFailed    = "failed"
)

var (
	ErrAlreadyRunning = errors.New("duplicate detection already running for digest")
	ErrLockBusy       = errors.New("duplicate detection task is running elsewhere")
)

// TaskLedger records detection runs in the task execution ledger. *tasks.Service implements it.
type TaskLedger interface {
	AcquireLock(ctx context.Context, taskType, message string) (*db.TaskExecutionRow, bool, error)
	UpdateProgress(ctx context.Context, id int64, current, total int, message string) error
	Complete(ctx context.Context, id int64, params tasks.CompleteParams) error
	Fail(ctx context.Context, id int64, params tasks.FailParams) error
}

// Estimator projects detection duration. *estimator.Timer implements it.
type Estimator interface {
	Estimate(currentCount, referenceCount int, model string) estimator.Estimation
}

// Runner executes detection runs in the background. Local runs queue on a semaphore; the task
// ledger lock rejects a run while another process holds it.
type Runner struct {
	detector  *Detector
	store     Store
	ledger    TaskLedger
	estimator Estimator
	sem       *semaphore.Weighted
	logger    zerolog.Logger

	mu       sync.Mutex
	inflight map[int64]struct{}
	wg       sync.WaitGroup
}

func NewRunner(detector *Detector, store Store, ledger TaskLedger, est Estimator, logger zerolog.Logger) *Runner {
	return &Runner{
		detector:  detector,
		store:     store,
		ledger:    ledger,
		estimator: est,
		sem:       semaphore.NewWeighted(1),
		logger:    logger,
		inflight:  make(map[int64]struct{}),
	}
}

func (r *Runner) ready() error {
	if r == nil || r.store == nil || r.detector == nil {
		return fmt.Errorf("duplicate runner is not initialized")
	}
	return nil
}

// Start marks the digest pending and runs detection in the background. Without newsIDs the
// digest's own items are checked. Items that already hold a final verdict are kept.
func (r *Runner) Start(ctx context.Context, digestID int64, newsIDs []int64) error {
	return r.start(ctx, digestID, newsIDs, false)
}

func (r *Runner) start(ctx context.Context, digestID int64, newsIDs []int64, reset bool) error {
	if err := r.ready(); err != nil {
		return err
	}
	newsIDs, err := r.resolveNewsIDs(ctx, digestID, newsIDs)
	if err != nil {
		return err
	}
	if err := r.claim(digestID); err != nil {
		return err
	}
	if err := r.setStatus(ctx, digestID, DigestPending, nil); err != nil {
		r.release(digestID)
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(digestID)
		if err := r.run(context.WithoutCancel(ctx), digestID, newsIDs, reset); err != nil {
			r.logger.Error().Err(err).Int64("digest_id", digestID).Msg("duplicate detection failed")
		}
	}()
	r.logger.Info().Int64("digest_id", digestID).Int("items", len(newsIDs)).Msg("duplicate detection started")
	return nil
}

// Run executes detection synchronously. Items that already hold a final verdict are kept.
func (r *Runner) Run(ctx context.Context, digestID int64, newsIDs []int64) error {
	if err := r.ready(); err != nil {
		return err
	}
	newsIDs, err := r.resolveNewsIDs(ctx, digestID, newsIDs)
	if err != nil {
		return err
	}
	if err := r.claim(digestID); err != nil {
		return err
	}
	defer r.release(digestID)
	if err := r.setStatus(ctx, digestID, DigestPending, nil); err != nil {
		return err
	}
	return r.run(ctx, digestID, newsIDs, false)
}

// Retrigger clears previous results and starts a fresh run.
func (r *Runner) Retrigger(ctx context.Context, digestID int64, newsIDs []int64) error {
	if err := r.ready(); err != nil {
		return err
	}
	if r.isInflight(digestID) {
		return ErrAlreadyRunning
	}
	if _, err := r.Clear(ctx, digestID); err != nil {
		return err
	}
	return r.start(ctx, digestID, newsIDs, true)
}

// Clear deletes the per-item results of a digest.
func (r *Runner) Clear(ctx context.Context, digestID int64) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	removed, err := r.store.DeleteDuplicateResults(ctx, digestID)
	if err != nil {
		return 0, fmt.Errorf("clear duplicate results: %w", err)
	}
	r.logger.Info().Int64("digest_id", digestID).Int64("removed", removed).Msg("cleared duplicate results")
	return removed, nil
}

// Wait blocks until background runs finish.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, digestID int64, newsIDs []int64, reset bool) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.markFailed(context.WithoutCancel(ctx), digestID)
		return fmt.Errorf("wait for detection slot: %w", err)
	}
	defer r.sem.Release(1)

	var execution *db.TaskExecutionRow
	if r.ledger != nil {
		row, acquired, lockErr := r.ledger.AcquireLock(ctx, tasks.TypeDuplicateDetection, fmt.Sprintf("digest %d", digestID))
		if lockErr != nil {
			r.markFailed(ctx, digestID)
			return lockErr
		}
		if !acquired {
			r.markFailed(ctx, digestID)
			return ErrLockBusy
		}
		execution = row
	}

	started := globaltime.UTC()
	if err := r.setStatus(ctx, digestID, DigestRunning, &started); err != nil {
		r.failExecution(ctx, execution, err)
		return err
	}

	summary, err := r.detectAll(ctx, digestID, newsIDs, reset, execution)
	if err != nil {
		r.markFailed(context.WithoutCancel(ctx), digestID)
		r.failExecution(ctx, execution, err)
		return err
	}

	if err := r.setStatus(ctx, digestID, DigestCompleted, nil); err != nil {
		r.failExecution(ctx, execution, err)
		return err
	}
	if execution != nil {
		processed := summary.Processed
		duplicates := summary.Duplicates
		failed := summary.Errors
		if err := r.ledger.Complete(ctx, execution.ID, tasks.CompleteParams{
			Message: fmt.Sprintf("digest %d: %d duplicates among %d items", digestID, duplicates, processed),
			Details: map[string]any{
				"digest_id":  digestID,
				"references": summary.References,
				"statistics": r.detector.Statistics(),
			},
			ItemsProcessed: &processed,
			ItemsSuccess:   &duplicates,
			ItemsFailed:    &failed,
		}); err != nil {
			r.logger.Warn().Err(err).Int64("execution_id", execution.ID).Msg("failed to complete task execution")
		}
	}

	r.logger.Info().
		Int64("digest_id", digestID).
		Int("processed", summary.Processed).
		Int("duplicates", summary.Duplicates).
		Int("errors", summary.Errors).
		Int("kept", summary.Kept).
		Dur("elapsed", globaltime.Since(started)).
		Msg("duplicate detection completed")
	return nil
}

type runSummary struct {
	References int
	Processed  int
	Duplicates int
	Errors     int
	Kept       int
}

// detectAll checks every item against the reference news. With no reference news each item is
// recorded as no_duplicate without a deep call.
func (r *Runner) detectAll(ctx context.Context, digestID int64, newsIDs []int64, reset bool, execution *db.TaskExecutionRow) (runSummary, error) {
	var summary runSummary

	digests, err := r.detector.ReferenceDigests(ctx, digestID)
	if err != nil {
		return summary, err
	}
	references, err := r.detector.CollectReferenceNews(ctx, digests)
	if err != nil {
		return summary, err
	}
	summary.References = len(references)
	if len(references) == 0 {
		r.logger.Info().Int64("digest_id", digestID).Msg("no reference news; marking items as no_duplicate")
	}

	rows, err := r.store.ListNewsByIDs(ctx, newsIDs)
	if err != nil {
		return summary, fmt.Errorf("load digest news: %w", err)
	}
	candidates := news.IndexByID(news.ItemsFromRows(rows, r.logger))

	for i, newsID := range newsIDs {
		candidate, ok := candidates[newsID]
		if !ok {
			r.logger.Warn().Int64("news_id", newsID).Msg("news item not found; skipping")
			continue
		}
		marked, err := r.store.MarkDuplicateChecking(ctx, digestID, newsID, reset)
		if err != nil {
			return summary, err
		}
		if !marked {
			summary.Kept++
			continue
		}

		row := db.DuplicateResultRow{DigestID: digestID, NewsID: newsID}
		checked := globaltime.UTC()
		row.CheckedAt = &checked
		if len(references) == 0 {
			reasoning := "no reference news"
			row.Status = StatusNoDuplicate
			row.Reasoning = &reasoning
			if err := r.store.FinishDuplicateResult(ctx, row); err != nil {
				return summary, err
			}
			summary.Processed++
			continue
		}

		result, detectErr := r.detector.DetectItem(ctx, candidate, references)
		if detectErr != nil {
			reasoning := "detection failed: " + detectErr.Error()
			row.Status = StatusError
			row.Reasoning = &reasoning
			summary.Errors++
		} else {
			row.Status = result.Status
			if result.Status == StatusDuplicate {
				score := result.Score
				reasoning := result.Reasoning
				row.DuplicateWithNewsID = result.MatchedNewsID
				row.SimilarityScore = &score
				row.Reasoning = &reasoning
				summary.Duplicates++
			}
		}
		if err := r.store.FinishDuplicateResult(ctx, row); err != nil {
			return summary, err
		}
		summary.Processed++

		if errors.Is(detectErr, context.Canceled) || errors.Is(detectErr, context.DeadlineExceeded) {
			return summary, detectErr
		}
		if execution != nil {
			if err := r.ledger.UpdateProgress(ctx, execution.ID, i+1, len(newsIDs), fmt.Sprintf("checked news %d", newsID)); err != nil {
				r.logger.Warn().Err(err).Int64("execution_id", execution.ID).Msg("failed to update task progress")
			}
		}
	}
	return summary, nil
}

func (r *Runner) failExecution(ctx context.Context, execution *db.TaskExecutionRow, cause error) {
	if execution == nil {
		return
	}
	if err := r.ledger.Fail(ctx, execution.ID, tasks.FailParams{Message: cause.Error(), ErrorType: "detection_error"}); err != nil {
		r.logger.Warn().Err(err).Int64("execution_id", execution.ID).Msg("failed to record task failure")
	}
}

func (r *Runner) resolveNewsIDs(ctx context.Context, digestID int64, newsIDs []int64) ([]int64, error) {
	if len(newsIDs) > 0 {
		return newsIDs, nil
	}
	ids, err := r.store.ListDigestNewsIDs(ctx, digestID)
	if err != nil {
		return nil, fmt.Errorf("list digest news: %w", err)
	}
	return ids, nil
}

// markFailed records a failed run. A failed write is logged, not returned.
func (r *Runner) markFailed(ctx context.Context, digestID int64) {
	if err := r.setStatus(ctx, digestID, DigestFailed, nil); err != nil {
		r.logger.Warn().Err(err).Int64("digest_id", digestID).Msg("failed to mark duplicate detection failed")
	}
}

func (r *Runner) setStatus(ctx context.Context, digestID int64, status string, startedAt *time.Time) error {
	if err := r.store.SetDigestDuplicateStatus(ctx, digestID, status, startedAt); err != nil {
		if db.IsNoRows(err) {
			return ErrDigestNotFound
		}
		return fmt.Errorf("set digest %d status %s: %w", digestID, status, err)
	}
	return nil
}

func (r *Runner) claim(digestID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inflight[digestID]; ok {
		return ErrAlreadyRunning
	}
	r.inflight[digestID] = struct{}{}
	return nil
}

func (r *Runner) release(digestID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, digestID)
}

func (r *Runner) isInflight(digestID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[digestID]
	return ok
}

// StatusReport is the persisted detection state of one digest.
type StatusReport struct {
	DigestID  int64                           `json:"digest_id"`
	Status    string                          `json:"status"`
	StartedAt *time.Time                      `json:"started_at,omitempty"`
	Items     map[int64]db.DuplicateResultRow `json:"items"`
}

func (r *Runner) Status(ctx context.Context, digestID int64) (StatusReport, error) {
	if err := r.ready(); err != nil {
		return StatusReport{}, err
	}
	digest, err := r.store.GetDigest(ctx, digestID)
	if err != nil {
		if db.IsNoRows(err) {
			return StatusReport{}, ErrDigestNotFound
		}
		return StatusReport{}, fmt.Errorf("load digest %d: %w", digestID, err)
	}
	results, err := r.store.ListDuplicateResults(ctx, digestID)
	if err != nil {
		return StatusReport{}, fmt.Errorf("list duplicate results: %w", err)
	}

	report := StatusReport{
		DigestID:  digestID,
		Status:    digest.DuplicateStatus,
		StartedAt: digest.DuplicateStartedAt,
		Items:     make(map[int64]db.DuplicateResultRow, len(results)),
	}
	for _, row := range results {
		report.Items[row.NewsID] = row
	}
	return report, nil
}

// Estimate projects the detection time for a digest before it runs.
func (r *Runner) Estimate(ctx context.Context, digestID int64, newsIDs []int64) (estimator.Estimation, error) {
	if err := r.ready(); err != nil {
		return estimator.Estimation{}, err
	}
	if r.estimator == nil {
		return estimator.Estimation{}, fmt.Errorf("duplicate estimator is not initialized")
	}
	newsIDs, err := r.resolveNewsIDs(ctx, digestID, newsIDs)
	if err != nil {
		return estimator.Estimation{}, err
	}
	referenceCount, err := r.referenceCount(ctx, digestID)
	if err != nil {
		return estimator.Estimation{}, err
	}
	return r.estimator.Estimate(len(newsIDs), referenceCount, r.detector.Model()), nil
}

// Progress derives live progress from the persisted per-item statuses.
func (r *Runner) Progress(ctx context.Context, digestID int64) (estimator.Progress, error) {
	report, err := r.Status(ctx, digestID)
	if err != nil {
		return estimator.Progress{}, err
	}
	referenceCount, err := r.referenceCount(ctx, digestID)
	if err != nil {
		return estimator.Progress{}, err
	}

	items := make([]estimator.ItemStatus, 0, len(report.Items))
	for _, row := range report.Items {
		items = append(items, estimator.ItemStatus{
			Finished:  row.Status != StatusChecking,
			CreatedAt: row.UpdatedAt,
		})
	}
	var start time.Time
	if report.StartedAt != nil {
		start = *report.StartedAt
	}
	return estimator.ComputeProgress(items, referenceCount, start), nil
}

func (r *Runner) referenceCount(ctx context.Context, digestID int64) (int, error) {
	digests, err := r.detector.ReferenceDigests(ctx, digestID)
	if err != nil {
		return 0, err
	}
	references, err := r.detector.CollectReferenceNews(ctx, digests)
	if err != nil {
		return 0, err
	}
	return len(references), nil
}
