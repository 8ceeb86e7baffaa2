package grouping

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/globaltime"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/news"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/similarity"
)

const (
	DefaultTimeWindow     = 72 * time.Hour
	DefaultTitlePrefilter = 0.5
)

type Options struct {
	Threshold      float64
	TimeWindow     time.Duration
	TitlePrefilter float64
	// Stamp is embedded in group ids; zero uses the current time.
	Stamp time.Time
}

func normalizeOptions(opts Options) Options {
	normalized := opts
	if normalized.Threshold <= 0 {
		normalized.Threshold = similarity.SameEventThreshold
	}
	if normalized.TimeWindow <= 0 {
		normalized.TimeWindow = DefaultTimeWindow
	}
	if normalized.TitlePrefilter <= 0 {
		normalized.TitlePrefilter = DefaultTitlePrefilter
	}
	if normalized.Stamp.IsZero() {
		normalized.Stamp = globaltime.UTC()
	}
	return normalized
}

// PrefilterStats counts pairs skipped before full scoring.
type PrefilterStats struct {
	Compared       int
	SkippedByTime  int
	SkippedByTitle int
}

// PassesPrefilter applies the cheap checks run before full scoring: the items must be within the time
// window and either have similar titles or share an identifier or critical entity value.
func PassesPrefilter(a, b similarity.Prepared, window time.Duration, titleFloor float64) (ok bool, byTime bool) {
	diff := a.Item.CreatedAt.Sub(b.Item.CreatedAt)
	if diff < 0 {
		diff = -diff
	}
	if diff > window {
		return false, true
	}
	if a.Entities.SharesCritical(b.Entities) {
		return true, false
	}
	return similarity.CharRatio(strings.ToLower(a.Title), strings.ToLower(b.Title)) >= titleFloor, false
}

// Greedy clusters items newest first: each unassigned seed absorbs every later unassigned item that
// clears the prefilter and scores at least the threshold against the seed. Multi-item groups come
// first, followed by one standalone group per unmatched item.
func Greedy(ctx context.Context, scorer *similarity.Scorer, items []news.Item, options Options, logger zerolog.Logger) ([]Group, PrefilterStats, error) {
	opts := normalizeOptions(options)
	var stats PrefilterStats
	if len(items) == 0 {
		return []Group{}, stats, nil
	}

	prepared := similarity.PrepareAll(SortNewestFirst(items))
	assigned := make([]bool, len(prepared))
	groups := make([]Group, 0)
	standalone := make([]similarity.Prepared, 0)

	for i := range prepared {
		if assigned[i] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		assigned[i] = true

		seed := prepared[i]
		group := Group{
			Primary:          seed.Item,
			Entities:         seed.Entities.Clone(),
			SimilarityScores: map[int64]float64{},
		}

		for j := i + 1; j < len(prepared); j++ {
			if assigned[j] {
				continue
			}
			ok, byTime := PassesPrefilter(seed, prepared[j], opts.TimeWindow, opts.TitlePrefilter)
			if !ok {
				if byTime {
					stats.SkippedByTime++
				} else {
					stats.SkippedByTitle++
				}
				continue
			}

			stats.Compared++
			score := scorer.Score(ctx, seed, prepared[j]).Overall
			if score < opts.Threshold {
				continue
			}
			assigned[j] = true
			group.Related = append(group.Related, prepared[j].Item)
			group.SimilarityScores[prepared[j].Item.ID] = score
			group.Entities.Merge(prepared[j].Entities)
		}

		if len(group.Related) == 0 {
			standalone = append(standalone, seed)
			continue
		}
		group.ID = GroupID(len(groups), opts.Stamp)
		group.Finalize()
		groups = append(groups, group)
	}

	multi := len(groups)
	for _, single := range standalone {
		groups = append(groups, Standalone(single.Item, single.Entities, opts.Stamp))
	}

	logger.Info().
		Int("items", len(items)).
		Int("groups", len(groups)).
		Int("event_groups", multi).
		Int("compared", stats.Compared).
		Int("skipped_by_time", stats.SkippedByTime).
		Int("skipped_by_title", stats.SkippedByTitle).
		Msg("greedy grouping complete")

	return groups, stats, nil
}
