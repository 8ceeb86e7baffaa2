package grouping

import (
	"fmt"
	"sort"
	"time"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/news"
)

// Group is a cluster of items believed to describe the same event.
type Group struct {
	ID               string            `json:"id"`
	EventLabel       string            `json:"event_label"`
	Primary          news.Item         `json:"primary"`
	Related          []news.Item       `json:"related"`
	Entities         news.KeyEntities  `json:"entities"`
	SimilarityScores map[int64]float64 `json:"similarity_scores"`
	NewsCount        int               `json:"news_count"`
	Sources          []string          `json:"sources"`
	Standalone       bool              `json:"is_standalone"`
	Earliest         time.Time         `json:"earliest_news_time"`
	Latest           time.Time         `json:"latest_news_time"`
}

// Members returns the primary followed by the related items.
func (g Group) Members() []news.Item {
	out := make([]news.Item, 0, 1+len(g.Related))
	out = append(out, g.Primary)
	out = append(out, g.Related...)
	return out
}

func (g Group) MemberIDs() []int64 {
	ids := make([]int64, 0, 1+len(g.Related))
	ids = append(ids, g.Primary.ID)
	for _, related := range g.Related {
		ids = append(ids, related.ID)
	}
	return ids
}

// Finalize derives the label, count, sources and time range from the current members.
func (g *Group) Finalize() {
	members := g.Members()
	g.EventLabel = g.Primary.EffectiveTitle()
	g.NewsCount = len(members)
	g.Standalone = len(members) == 1
	if g.SimilarityScores == nil {
		g.SimilarityScores = map[int64]float64{}
	}
	if g.Related == nil {
		g.Related = []news.Item{}
	}

	sources := make(map[string]struct{}, len(members))
	g.Earliest = members[0].CreatedAt
	g.Latest = members[0].CreatedAt
	for _, member := range members {
		sources[member.SourceKey()] = struct{}{}
		if member.CreatedAt.Before(g.Earliest) {
			g.Earliest = member.CreatedAt
		}
		if member.CreatedAt.After(g.Latest) {
			g.Latest = member.CreatedAt
		}
	}
	g.Sources = make([]string, 0, len(sources))
	for source := range sources {
		g.Sources = append(g.Sources, source)
	}
	sort.Strings(g.Sources)
}

// Standalone wraps a single item as its own group.
func Standalone(item news.Item, entities news.KeyEntities, stamp time.Time) Group {
	group := Group{
		ID:       StandaloneID(item.ID, stamp),
		Primary:  item,
		Entities: entities,
	}
	group.Finalize()
	return group
}

func GroupID(index int, stamp time.Time) string {
	return fmt.Sprintf("group_%d_%d", index, stamp.Unix())
}

func StandaloneID(newsID int64, stamp time.Time) string {
	return fmt.Sprintf("standalone_%d_%d", newsID, stamp.Unix())
}

// SortNewestFirst orders items by creation time, newest first, ties broken by higher id.
func SortNewestFirst(items []news.Item) []news.Item {
	sorted := append([]news.Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID > sorted[j].ID
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	return sorted
}
