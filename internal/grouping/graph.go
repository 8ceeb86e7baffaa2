package grouping

import (
	"time"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/news"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/similarity"
)

// Edge is a persisted similarity between two items.
type Edge struct {
	A         int64
	B         int64
	Score     float64
	SameEvent bool
}

type neighbor struct {
	id    int64
	score float64
}

// FromEdges rebuilds groups as connected components of the same-event graph over items.
// Edges touching items outside the set are ignored. Components are emitted newest first with the
// newest member as primary; related members keep the score of the edge that reached them.
func FromEdges(items []news.Item, edges []Edge, threshold float64, stamp time.Time) []Group {
	if threshold <= 0 {
		threshold = similarity.SameEventThreshold
	}

	sorted := SortNewestFirst(items)
	byID := make(map[int64]news.Item, len(sorted))
	for _, item := range sorted {
		byID[item.ID] = item
	}

	graph := make(map[int64][]neighbor, len(sorted))
	for _, edge := range edges {
		if !edge.SameEvent && edge.Score < threshold {
			continue
		}
		if _, ok := byID[edge.A]; !ok {
			continue
		}
		if _, ok := byID[edge.B]; !ok {
			continue
		}
		graph[edge.A] = append(graph[edge.A], neighbor{id: edge.B, score: edge.Score})
		graph[edge.B] = append(graph[edge.B], neighbor{id: edge.A, score: edge.Score})
	}

	visited := make(map[int64]bool, len(sorted))
	groups := make([]Group, 0)
	for _, item := range sorted {
		if visited[item.ID] {
			continue
		}

		visited[item.ID] = true
		queue := []int64{item.ID}
		component := []int64{}
		scores := map[int64]float64{}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			component = append(component, current)
			for _, next := range graph[current] {
				if visited[next.id] {
					continue
				}
				visited[next.id] = true
				scores[next.id] = next.score
				queue = append(queue, next.id)
			}
		}

		entities := news.NewKeyEntities()
		for _, id := range component {
			entities.Merge(similarity.ExtractKeyEntities(byID[id]))
		}

		if len(component) == 1 {
			groups = append(groups, Standalone(item, entities, stamp))
			continue
		}

		group := Group{
			ID:               GroupID(len(groups), stamp),
			Primary:          item,
			Entities:         entities,
			SimilarityScores: scores,
		}
		related := make([]news.Item, 0, len(component)-1)
		for _, id := range component[1:] {
			related = append(related, byID[id])
		}
		group.Related = SortNewestFirst(related)
		group.Finalize()
		groups = append(groups, group)
	}

	return groups
}
