package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GroupCacheRow stores serialized groups for one filter combination.
type GroupCacheRow struct {
	CacheKey    string          `json:"cache_key"`
	Params      json.RawMessage `json:"params"`
	Groups      json.RawMessage `json:"groups"`
	NewsCount   int             `json:"news_count"`
	GroupsCount int             `json:"groups_count"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// GetLiveGroupCache returns the cache row for key when it has not expired at now.
func (p *Pool) GetLiveGroupCache(ctx context.Context, key string, now time.Time) (*GroupCacheRow, error) {
	const q = `
SELECT cache_key, params, groups, news_count, groups_count, expires_at, created_at
FROM digest.event_group_cache
WHERE cache_key = $1
  AND expires_at > $2
`

	var (
		row    GroupCacheRow
		params []byte
		groups []byte
	)
	err := p.QueryRow(ctx, q, key, now.UTC()).Scan(
		&row.CacheKey,
		&params,
		&groups,
		&row.NewsCount,
		&row.GroupsCount,
		&row.ExpiresAt,
		&row.CreatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("query group cache: %w", err)
	}
	row.Params = append(json.RawMessage(nil), params...)
	row.Groups = append(json.RawMessage(nil), groups...)
	return &row, nil
}

// UpsertGroupCache writes the row, replacing any previous value for the key.
func (p *Pool) UpsertGroupCache(ctx context.Context, row GroupCacheRow) error {
	const q = `
INSERT INTO digest.event_group_cache (
	cache_key,
	params,
	groups,
	news_count,
	groups_count,
	expires_at,
	created_at,
	updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, now(), now())
ON CONFLICT (cache_key)
DO UPDATE SET
	params = EXCLUDED.params,
	groups = EXCLUDED.groups,
	news_count = EXCLUDED.news_count,
	groups_count = EXCLUDED.groups_count,
	expires_at = EXCLUDED.expires_at,
	created_at = now(),
	updated_at = now()
`

	if _, err := p.Exec(
		ctx,
		q,
		row.CacheKey,
		string(row.Params),
		string(row.Groups),
		row.NewsCount,
		row.GroupsCount,
		row.ExpiresAt.UTC(),
	); err != nil {
		return fmt.Errorf("upsert group cache: %w", err)
	}
	return nil
}

// DeleteAllGroupCache empties the cache table.
func (p *Pool) DeleteAllGroupCache(ctx context.Context) (int64, error) {
	tag, err := p.Exec(ctx, `DELETE FROM digest.event_group_cache`)
	if err != nil {
		return 0, fmt.Errorf("delete group cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteGroupCacheBefore removes rows created before cutoff or already expired at cutoff.
func (p *Pool) DeleteGroupCacheBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
DELETE FROM digest.event_group_cache
WHERE created_at < $1
   OR expires_at < $1
`

	tag, err := p.Exec(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete stale group cache: %w", err)
	}
	return tag.RowsAffected(), nil
}
