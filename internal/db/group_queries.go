package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// EventGroupRow is one persisted event group.
type EventGroupRow struct {
	GroupID             string          `json:"group_id"`
	EventLabel          string          `json:"event_label"`
	PrimaryNewsID       int64           `json:"primary_news_id"`
	NewsCount           int             `json:"news_count"`
	SourcesCount        int             `json:"sources_count"`
	KeyEntities         json.RawMessage `json:"key_entities,omitempty"`
	SimilarityThreshold float64         `json:"similarity_threshold"`
	CalculationVersion  string          `json:"calculation_version"`
	EarliestNewsTime    *time.Time      `json:"earliest_news_time,omitempty"`
	LatestNewsTime      *time.Time      `json:"latest_news_time,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// MembershipRow links one news item to its group.
type MembershipRow struct {
	GroupID             string  `json:"group_id"`
	NewsID              int64   `json:"news_id"`
	IsPrimary           bool    `json:"is_primary"`
	SimilarityToPrimary float64 `json:"similarity_to_primary"`
}

// CleanupCounts reports rows removed by a retention sweep.
type CleanupCounts struct {
	Similarities int64 `json:"similarities"`
	Memberships  int64 `json:"memberships"`
	Groups       int64 `json:"groups"`
}

// ClearMembershipsSince drops memberships of items created at or after since, then orphan groups.
func (p *Pool) ClearMembershipsSince(ctx context.Context, since time.Time) (int64, error) {
	const q = `
DELETE FROM digest.news_group_membership m
WHERE m.news_id IN (SELECT id FROM digest.news_items WHERE created_at >= $1)
`

	var removed int64
	err := p.withTx(ctx, func(tx Querier) error {
		tag, err := tx.Exec(ctx, q, since.UTC())
		if err != nil {
			return fmt.Errorf("delete memberships since: %w", err)
		}
		removed = tag.RowsAffected()
		_, err = deleteOrphanGroupsTx(ctx, tx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// ReplaceEventGroup upserts the group and fully replaces its membership in one transaction.
// Members are detached from any other group first so every item belongs to at most one group.
func (p *Pool) ReplaceEventGroup(ctx context.Context, group EventGroupRow, members []MembershipRow) error {
	if len(members) == 0 {
		return fmt.Errorf("group %s has no members", group.GroupID)
	}

	return p.withTx(ctx, func(tx Querier) error {
		if err := upsertEventGroupTx(ctx, tx, group); err != nil {
			return err
		}

		newsIDs := make([]int64, 0, len(members))
		for _, member := range members {
			newsIDs = append(newsIDs, member.NewsID)
		}

		q, args, err := psql.Delete("digest.news_group_membership").
			Where(sq.Or{
				sq.Eq{"group_id": group.GroupID},
				sq.Eq{"news_id": newsIDs},
			}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build membership delete: %w", err)
		}
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("delete group memberships: %w", err)
		}

		insert := psql.Insert("digest.news_group_membership").
			Columns("group_id", "news_id", "is_primary", "similarity_to_primary")
		for _, member := range members {
			insert = insert.Values(group.GroupID, member.NewsID, member.IsPrimary, member.SimilarityToPrimary)
		}
		q, args, err = insert.ToSql()
		if err != nil {
			return fmt.Errorf("build membership insert: %w", err)
		}
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("insert group memberships: %w", err)
		}

		_, err = deleteOrphanGroupsTx(ctx, tx)
		return err
	})
}

func upsertEventGroupTx(ctx context.Context, tx Querier, group EventGroupRow) error {
	const q = `
INSERT INTO digest.news_event_groups (
	group_id,
	event_label,
	primary_news_id,
	news_count,
	sources_count,
	key_entities,
	similarity_threshold,
	calculation_version,
	earliest_news_time,
	latest_news_time,
	created_at,
	updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
ON CONFLICT (group_id)
DO UPDATE SET
	event_label = EXCLUDED.event_label,
	primary_news_id = EXCLUDED.primary_news_id,
	news_count = EXCLUDED.news_count,
	sources_count = EXCLUDED.sources_count,
	key_entities = EXCLUDED.key_entities,
	similarity_threshold = EXCLUDED.similarity_threshold,
	calculation_version = EXCLUDED.calculation_version,
	earliest_news_time = EXCLUDED.earliest_news_time,
	latest_news_time = EXCLUDED.latest_news_time,
	updated_at = now()
`

	var entities any
	if len(group.KeyEntities) > 0 {
		entities = string(group.KeyEntities)
	}

	if _, err := tx.Exec(
		ctx,
		q,
		group.GroupID,
		group.EventLabel,
		group.PrimaryNewsID,
		group.NewsCount,
		group.SourcesCount,
		entities,
		group.SimilarityThreshold,
		group.CalculationVersion,
		group.EarliestNewsTime,
		group.LatestNewsTime,
	); err != nil {
		return fmt.Errorf("upsert event group %s: %w", group.GroupID, err)
	}
	return nil
}

func deleteOrphanGroupsTx(ctx context.Context, q Querier) (int64, error) {
	const stmt = `
DELETE FROM digest.news_event_groups g
WHERE NOT EXISTS (
	SELECT 1 FROM digest.news_group_membership m WHERE m.group_id = g.group_id
)
`

	tag, err := q.Exec(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("delete orphan groups: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListGroupsContaining returns groups updated within the window that contain any of newsIDs.
func (p *Pool) ListGroupsContaining(ctx context.Context, newsIDs []int64, latestSince time.Time) ([]EventGroupRow, error) {
	if len(newsIDs) == 0 {
		return []EventGroupRow{}, nil
	}

	memberSQL, memberArgs, err := sq.Select("m.group_id").
		From("digest.news_group_membership m").
		Where(sq.Eq{"m.news_id": newsIDs}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build membership subquery: %w", err)
	}

	q, args, err := psql.Select(
		"g.group_id",
		"g.event_label",
		"g.primary_news_id",
		"g.news_count",
		"g.sources_count",
		"g.key_entities",
		"g.similarity_threshold",
		"g.calculation_version",
		"g.earliest_news_time",
		"g.latest_news_time",
		"g.created_at",
		"g.updated_at",
	).
		From("digest.news_event_groups g").
		Where(sq.GtOrEq{"g.latest_news_time": latestSince.UTC()}).
		Where(sq.Expr("g.group_id IN ("+memberSQL+")", memberArgs...)).
		OrderBy("g.latest_news_time DESC", "g.group_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build groups query: %w", err)
	}

	rows, err := p.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query event groups: %w", err)
	}
	defer rows.Close()

	groups := make([]EventGroupRow, 0, 64)
	for rows.Next() {
		var (
			row      EventGroupRow
			entities []byte
		)
		if err := rows.Scan(
			&row.GroupID,
			&row.EventLabel,
			&row.PrimaryNewsID,
			&row.NewsCount,
			&row.SourcesCount,
			&entities,
			&row.SimilarityThreshold,
			&row.CalculationVersion,
			&row.EarliestNewsTime,
			&row.LatestNewsTime,
			&row.CreatedAt,
			&row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event group: %w", err)
		}
		if len(entities) > 0 {
			row.KeyEntities = append(json.RawMessage(nil), entities...)
		}
		groups = append(groups, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event groups: %w", err)
	}
	return groups, nil
}

// ListMemberships returns membership rows for the given groups, primaries first.
func (p *Pool) ListMemberships(ctx context.Context, groupIDs []string) ([]MembershipRow, error) {
	if len(groupIDs) == 0 {
		return []MembershipRow{}, nil
	}

	q, args, err := psql.Select("group_id", "news_id", "is_primary", "similarity_to_primary").
		From("digest.news_group_membership").
		Where(sq.Eq{"group_id": groupIDs}).
		OrderBy("group_id", "is_primary DESC", "similarity_to_primary DESC", "news_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build memberships query: %w", err)
	}

	rows, err := p.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	members := make([]MembershipRow, 0, len(groupIDs)*2)
	for rows.Next() {
		var row MembershipRow
		if err := rows.Scan(&row.GroupID, &row.NewsID, &row.IsPrimary, &row.SimilarityToPrimary); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		members = append(members, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return members, nil
}

// CleanupBefore removes similarities and memberships created before cutoff and then empty groups.
func (p *Pool) CleanupBefore(ctx context.Context, cutoff time.Time) (CleanupCounts, error) {
	const deleteSimilarities = `DELETE FROM digest.news_similarity WHERE created_at < $1`
	const deleteMemberships = `DELETE FROM digest.news_group_membership WHERE created_at < $1`

	var counts CleanupCounts
	err := p.withTx(ctx, func(tx Querier) error {
		tag, err := tx.Exec(ctx, deleteSimilarities, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("delete old similarities: %w", err)
		}
		counts.Similarities = tag.RowsAffected()

		tag, err = tx.Exec(ctx, deleteMemberships, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("delete old memberships: %w", err)
		}
		counts.Memberships = tag.RowsAffected()

		counts.Groups, err = deleteOrphanGroupsTx(ctx, tx)
		return err
	})
	if err != nil {
		return CleanupCounts{}, err
	}
	return counts, nil
}
