package grouping

import (
	"context"
	"sort"
	"time"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/news"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/similarity"
)

// Match is a candidate scored against a target item.
type Match struct {
	Item  news.Item `json:"item"`
	Score float64   `json:"score"`
}

// FindSimilar returns candidates scoring at least the same-event threshold against target, best first.
// When target has a category only candidates of that category are considered.
func FindSimilar(ctx context.Context, scorer *similarity.Scorer, target news.Item, candidates []news.Item) []Match {
	preparedTarget := similarity.Prepare(target)
	matches := make([]Match, 0)
	for _, candidate := range candidates {
		if candidate.ID == target.ID {
			continue
		}
		if target.Category != "" && candidate.Category != target.Category {
			continue
		}
		score := scorer.Score(ctx, preparedTarget, similarity.Prepare(candidate)).Overall
		if similarity.IsSameEvent(score) {
			matches = append(matches, Match{Item: candidate, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}

// FilterSimilarToUsed drops candidates that describe the same event as an item already used in a
// digest. Pairs where both items were created on the current day are never compared.
func FilterSimilarToUsed(ctx context.Context, scorer *similarity.Scorer, candidates, used []news.Item, now time.Time) []news.Item {
	if len(used) == 0 {
		return candidates
	}

	today := dayOf(now)
	preparedUsed := similarity.PrepareAll(used)
	kept := make([]news.Item, 0, len(candidates))
	for _, candidate := range candidates {
		preparedCandidate := similarity.Prepare(candidate)
		candidateToday := dayOf(candidate.CreatedAt.In(now.Location())) == today

		duplicate := false
		for _, usedItem := range preparedUsed {
			if candidateToday && dayOf(usedItem.Item.CreatedAt.In(now.Location())) == today {
				continue
			}
			if similarity.IsSameEvent(scorer.Score(ctx, preparedCandidate, usedItem).Overall) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, candidate)
		}
	}
	return kept
}

func dayOf(t time.Time) string {
	return t.Format(time.DateOnly)
}
