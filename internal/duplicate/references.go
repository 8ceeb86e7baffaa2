package duplicate

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/globaltime"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/metrics"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/news"
)

// ReferenceDigests returns the last digest of each of the ReferenceDays calendar days before the
// digest's own creation day, newest first. Days are taken in the configured location. When the
// digest cannot be loaded the current day is used.
func (d *Detector) ReferenceDigests(ctx context.Context, digestID int64) ([]db.DigestRow, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}

	loc := d.config.Location
	reference := globaltime.In(loc)
	digest, err := d.store.GetDigest(ctx, digestID)
	switch {
	case err == nil:
		reference = digest.CreatedAt.In(loc)
	case db.IsNoRows(err):
		d.logger.Warn().Int64("digest_id", digestID).Msg("digest not found; using current day as reference")
	default:
		return nil, fmt.Errorf("load digest %d: %w", digestID, err)
	}

	dayStart := startOfDay(reference)
	from := dayStart.AddDate(0, 0, -d.config.ReferenceDays)
	rows, err := d.store.ListDigestsCreatedBetween(ctx, from, dayStart)
	if err != nil {
		return nil, fmt.Errorf("list reference digests: %w", err)
	}

	out := make([]db.DigestRow, 0, d.config.ReferenceDays)
	seenDays := make(map[string]struct{}, d.config.ReferenceDays)
	for _, row := range rows {
		day := row.CreatedAt.In(loc).Format(time.DateOnly)
		if _, ok := seenDays[day]; ok {
			continue
		}
		seenDays[day] = struct{}{}
		out = append(out, row)
	}

	d.logger.Info().
		Int64("digest_id", digestID).
		Str("reference_day", dayStart.Format(time.DateOnly)).
		Int("digests", len(out)).
		Msg("resolved reference digests")
	return out, nil
}

// CollectReferenceNews loads the distinct news items of digests, ordered by id.
func (d *Detector) CollectReferenceNews(ctx context.Context, digests []db.DigestRow) ([]news.Item, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{})
	ids := make([]int64, 0, len(digests)*16)
	for _, digest := range digests {
		newsIDs, err := d.store.ListDigestNewsIDs(ctx, digest.ID)
		if err != nil {
			return nil, fmt.Errorf("list news of digest %d: %w", digest.ID, err)
		}
		for _, id := range newsIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	slices.Sort(ids)

	rows, err := d.store.ListNewsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load reference news: %w", err)
	}
	items := news.ItemsFromRows(rows, d.logger)
	slices.SortFunc(items, func(a, b news.Item) int { return cmp.Compare(a.ID, b.ID) })
	return items, nil
}

// ItemResult is the outcome for one candidate across all references.
type ItemResult struct {
	Status        string  `json:"status"`
	MatchedNewsID *int64  `json:"duplicate_with_news_id,omitempty"`
	Score         float64 `json:"similarity_score"`
	Reasoning     string  `json:"reasoning,omitempty"`
	Comparisons   int     `json:"comparisons"`
	Skipped       int     `json:"skipped"`
	Calls         int     `json:"calls"`
}

// DetectItem compares candidate with every reference and keeps the highest scoring confirmed
// duplicate. References that are the candidate itself or were created today are skipped. A failed
// call counts as not a duplicate; only context cancellation is returned as an error.
func (d *Detector) DetectItem(ctx context.Context, candidate news.Item, references []news.Item) (ItemResult, error) {
	if err := d.ready(); err != nil {
		return ItemResult{}, err
	}

	today := startOfDay(globaltime.In(d.config.Location))
	result := ItemResult{Status: StatusNoDuplicate}
	var best *Verdict

	for _, reference := range references {
		if err := ctx.Err(); err != nil {
			return ItemResult{}, err
		}
		if reference.ID == candidate.ID {
			continue
		}
		if !reference.CreatedAt.IsZero() && !reference.CreatedAt.In(d.config.Location).Before(today) {
			continue
		}

		result.Comparisons++
		d.totalComparisons.Add(1)

		decision := d.ShouldCompare(ctx, candidate, reference)
		if !decision.Compare {
			result.Skipped++
			d.prefilterSkipped.Add(1)
			metrics.DuplicateComparisons.WithLabelValues("prefiltered").Inc()
			continue
		}

		result.Calls++
		d.llmCalls.Add(1)
		metrics.DuplicateComparisons.WithLabelValues("compared").Inc()

		verdict, err := d.Analyze(ctx, candidate, reference)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ItemResult{}, ctxErr
			}
			d.logger.Warn().Err(err).Int64("news_id", candidate.ID).Int64("reference_id", reference.ID).Msg("deep comparison failed; treating as distinct")
			continue
		}
		if !verdict.IsDuplicate {
			continue
		}
		if best == nil || verdict.Score > best.Score {
			matched := reference.ID
			best = &verdict
			result.MatchedNewsID = &matched
		}
	}

	if best != nil {
		result.Status = StatusDuplicate
		result.Score = best.Score
		result.Reasoning = best.Reasoning
		d.duplicatesFound.Add(1)
	}

	d.logger.Info().
		Int64("news_id", candidate.ID).
		Str("status", result.Status).
		Int("comparisons", result.Comparisons).
		Int("calls", result.Calls).
		Int("skipped", result.Skipped).
		Msg("duplicate check finished")
	return result, nil
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
