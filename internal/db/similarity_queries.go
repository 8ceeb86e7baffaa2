package db

import (
	"context"
	"fmt"
	"time"
)

const insertSimilarityChunk = 500

// PairKey identifies an unordered news pair with the smaller id first.
type PairKey struct {
	Low  int64
	High int64
}

// NewPairKey orders a and b so the pair is stored once.
func NewPairKey(a, b int64) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{Low: a, High: b}
}

// SimilarityRow is one persisted similarity pair.
type SimilarityRow struct {
	NewsID1            int64     `json:"news_id_1"`
	NewsID2            int64     `json:"news_id_2"`
	SimilarityScore    float64   `json:"similarity_score"`
	EntitySimilarity   float64   `json:"entity_similarity"`
	TextSimilarity     float64   `json:"text_similarity"`
	IsSameEvent        bool      `json:"is_same_event"`
	CalculationVersion string    `json:"calculation_version"`
	CreatedAt          time.Time `json:"created_at"`
}

// SimilarityStats summarizes the similarity and group tables.
type SimilarityStats struct {
	TotalSimilarities    int64      `json:"total_similarities"`
	HighSimilarities     int64      `json:"high_similarities"`
	SameEventPairs       int64      `json:"same_event_pairs"`
	TotalGroups          int64      `json:"total_groups"`
	MultiNewsGroups      int64      `json:"multi_news_groups"`
	TotalMemberships     int64      `json:"total_memberships"`
	LatestSimilarityAt   *time.Time `json:"latest_similarity_at,omitempty"`
	LatestGroupUpdateAt  *time.Time `json:"latest_group_update_at,omitempty"`
	CachedFilterSets     int64      `json:"cached_filter_sets"`
	LiveCachedFilterSets int64      `json:"live_cached_filter_sets"`
}

// ListSimilarityPairsSince returns pairs whose both members were created at or after since.
func (p *Pool) ListSimilarityPairsSince(ctx context.Context, since time.Time) ([]PairKey, error) {
	const q = `
SELECT s.news_id_1, s.news_id_2
FROM digest.news_similarity s
JOIN digest.news_items a ON a.id = s.news_id_1
JOIN digest.news_items b ON b.id = s.news_id_2
WHERE a.created_at >= $1
  AND b.created_at >= $1
`

	rows, err := p.Query(ctx, q, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query similarity pairs: %w", err)
	}
	defer rows.Close()

	pairs := make([]PairKey, 0, 256)
	for rows.Next() {
		var pair PairKey
		if err := rows.Scan(&pair.Low, &pair.High); err != nil {
			return nil, fmt.Errorf("scan similarity pair: %w", err)
		}
		pairs = append(pairs, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similarity pairs: %w", err)
	}
	return pairs, nil
}

// InsertSimilarities stores one batch in a single transaction and skips pairs that already exist.
// It returns the number of rows actually inserted.
func (p *Pool) InsertSimilarities(ctx context.Context, rows []SimilarityRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var inserted int64
	err := p.withTx(ctx, func(tx Querier) error {
		for start := 0; start < len(rows); start += insertSimilarityChunk {
			end := min(start+insertSimilarityChunk, len(rows))
			n, err := insertSimilarityChunkTx(ctx, tx, rows[start:end])
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("insert similarities: %w", err)
	}
	return inserted, nil
}

func insertSimilarityChunkTx(ctx context.Context, tx Querier, rows []SimilarityRow) (int64, error) {
	builder := psql.Insert("digest.news_similarity").
		Columns(
			"news_id_1",
			"news_id_2",
			"similarity_score",
			"entity_similarity",
			"text_similarity",
			"is_same_event",
			"calculation_version",
		).
		Suffix("ON CONFLICT (news_id_1, news_id_2) DO NOTHING")

	for _, row := range rows {
		pair := NewPairKey(row.NewsID1, row.NewsID2)
		builder = builder.Values(
			pair.Low,
			pair.High,
			row.SimilarityScore,
			row.EntitySimilarity,
			row.TextSimilarity,
			row.IsSameEvent,
			row.CalculationVersion,
		)
	}

	q, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build similarity insert: %w", err)
	}
	tag, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("exec similarity insert: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteSimilaritiesSince removes every pair touching an item created at or after since.
func (p *Pool) DeleteSimilaritiesSince(ctx context.Context, since time.Time) (int64, error) {
	const q = `
DELETE FROM digest.news_similarity s
WHERE s.news_id_1 IN (SELECT id FROM digest.news_items WHERE created_at >= $1)
   OR s.news_id_2 IN (SELECT id FROM digest.news_items WHERE created_at >= $1)
`

	tag, err := p.Exec(ctx, q, since.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete similarities since: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListEdgesSince returns pairs scoring at least minScore whose members were created at or after since.
func (p *Pool) ListEdgesSince(ctx context.Context, since time.Time, minScore float64) ([]SimilarityRow, error) {
	const q = `
SELECT
	s.news_id_1,
	s.news_id_2,
	s.similarity_score,
	s.entity_similarity,
	s.text_similarity,
	s.is_same_event,
	s.calculation_version,
	s.created_at
FROM digest.news_similarity s
JOIN digest.news_items a ON a.id = s.news_id_1
JOIN digest.news_items b ON b.id = s.news_id_2
WHERE a.created_at >= $1
  AND b.created_at >= $1
  AND s.similarity_score >= $2
ORDER BY s.similarity_score DESC, s.news_id_1, s.news_id_2
`

	rows, err := p.Query(ctx, q, since.UTC(), minScore)
	if err != nil {
		return nil, fmt.Errorf("query similarity edges: %w", err)
	}
	defer rows.Close()

	edges := make([]SimilarityRow, 0, 128)
	for rows.Next() {
		var row SimilarityRow
		if err := rows.Scan(
			&row.NewsID1,
			&row.NewsID2,
			&row.SimilarityScore,
			&row.EntitySimilarity,
			&row.TextSimilarity,
			&row.IsSameEvent,
			&row.CalculationVersion,
			&row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan similarity edge: %w", err)
		}
		edges = append(edges, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similarity edges: %w", err)
	}
	return edges, nil
}

// QuerySimilarityStats aggregates table counts. highThreshold marks a pair as high similarity.
func (p *Pool) QuerySimilarityStats(ctx context.Context, highThreshold float64, now time.Time) (SimilarityStats, error) {
	const q = `
SELECT
	(SELECT COUNT(*) FROM digest.news_similarity) AS total_similarities,
	(SELECT COUNT(*) FROM digest.news_similarity WHERE similarity_score >= $1) AS high_similarities,
	(SELECT COUNT(*) FROM digest.news_similarity WHERE is_same_event) AS same_event_pairs,
	(SELECT COUNT(*) FROM digest.news_event_groups) AS total_groups,
	(SELECT COUNT(*) FROM digest.news_event_groups WHERE news_count > 1) AS multi_news_groups,
	(SELECT COUNT(*) FROM digest.news_group_membership) AS total_memberships,
	(SELECT MAX(created_at) FROM digest.news_similarity) AS latest_similarity_at,
	(SELECT MAX(updated_at) FROM digest.news_event_groups) AS latest_group_update_at,
	(SELECT COUNT(*) FROM digest.event_group_cache) AS cached_filter_sets,
	(SELECT COUNT(*) FROM digest.event_group_cache WHERE expires_at > $2) AS live_cached_filter_sets
`

	var stats SimilarityStats
	if err := p.QueryRow(ctx, q, highThreshold, now.UTC()).Scan(
		&stats.TotalSimilarities,
		&stats.HighSimilarities,
		&stats.SameEventPairs,
		&stats.TotalGroups,
		&stats.MultiNewsGroups,
		&stats.TotalMemberships,
		&stats.LatestSimilarityAt,
		&stats.LatestGroupUpdateAt,
		&stats.CachedFilterSets,
		&stats.LiveCachedFilterSets,
	); err != nil {
		return SimilarityStats{}, fmt.Errorf("query similarity stats: %w", err)
	}
	return stats, nil
}
