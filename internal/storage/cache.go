package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/globaltime"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/grouping"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/metrics"
)

const DefaultGroupCacheTTL = time.Hour

// CacheStore persists serialized group sets keyed by filter. *db.Pool implements it.
type CacheStore interface {
	GetLiveGroupCache(ctx context.Context, key string, now time.Time) (*db.GroupCacheRow, error)
	UpsertGroupCache(ctx context.Context, row db.GroupCacheRow) error
	DeleteAllGroupCache(ctx context.Context) (int64, error)
	DeleteGroupCacheBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// GroupSource produces groups for a filter on a cache miss.
type GroupSource interface {
	GetPrecomputedGroups(ctx context.Context, filter GroupFilter) ([]grouping.Group, error)
}

// CachedGroups is one cache lookup result.
type CachedGroups struct {
	Key       string           `json:"cache_key"`
	Filter    GroupFilter      `json:"filter"`
	Groups    []grouping.Group `json:"groups"`
	NewsCount int              `json:"news_count"`
	Cached    bool             `json:"cached"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// GroupCache serves filter combinations from the cache table, generating and storing them on a miss.
// Concurrent lookups for one key share a single generation.
type GroupCache struct {
	store  CacheStore
	source GroupSource
	ttl    time.Duration
	flight singleflight.Group
	logger zerolog.Logger
}

func NewGroupCache(store CacheStore, source GroupSource, ttl time.Duration, logger zerolog.Logger) *GroupCache {
	if ttl <= 0 {
		ttl = DefaultGroupCacheTTL
	}
	return &GroupCache{
		store:  store,
		source: source,
		ttl:    ttl,
		logger: logger,
	}
}

func canonicalFilter(filter GroupFilter) GroupFilter {
	canonical := GroupFilter{
		Hours:       filter.hours(),
		ExcludeUsed: filter.ExcludeUsed,
	}
	if len(filter.Categories) > 0 {
		canonical.Categories = slices.Clone(filter.Categories)
		slices.Sort(canonical.Categories)
		canonical.Categories = slices.Compact(canonical.Categories)
	}
	if len(filter.SourceIDs) > 0 {
		canonical.SourceIDs = slices.Clone(filter.SourceIDs)
		slices.Sort(canonical.SourceIDs)
		canonical.SourceIDs = slices.Compact(canonical.SourceIDs)
	}
	return canonical
}

// CacheKey hashes the canonical form of filter, so equivalent filters share a key.
func CacheKey(filter GroupFilter) string {
	encoded, _ := json.Marshal(canonicalFilter(filter))
	sum := blake2b.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// GetOrGenerate returns the live cached groups for filter, generating them when absent or when force is set.
func (c *GroupCache) GetOrGenerate(ctx context.Context, filter GroupFilter, force bool) (CachedGroups, error) {
	if c == nil || c.store == nil || c.source == nil {
		return CachedGroups{}, fmt.Errorf("group cache is not initialized")
	}

	canonical := canonicalFilter(filter)
	key := CacheKey(canonical)

	if !force {
		cached, ok, err := c.lookup(ctx, key, canonical)
		if err != nil {
			return CachedGroups{}, err
		}
		if ok {
			return cached, nil
		}
	}

	value, err, _ := c.flight.Do(key, func() (any, error) {
		return c.generate(ctx, key, canonical)
	})
	if err != nil {
		return CachedGroups{}, err
	}
	return value.(CachedGroups), nil
}

func (c *GroupCache) lookup(ctx context.Context, key string, filter GroupFilter) (CachedGroups, bool, error) {
	row, err := c.store.GetLiveGroupCache(ctx, key, globaltime.UTC())
	if err != nil {
		if db.IsNoRows(err) {
			metrics.GroupCacheLookups.WithLabelValues("miss").Inc()
			return CachedGroups{}, false, nil
		}
		metrics.GroupCacheLookups.WithLabelValues("error").Inc()
		return CachedGroups{}, false, fmt.Errorf("read group cache: %w", err)
	}

	var groups []grouping.Group
	if err := json.Unmarshal(row.Groups, &groups); err != nil {
		metrics.GroupCacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Str("cache_key", key).Msg("discarding unreadable group cache entry")
		return CachedGroups{}, false, nil
	}

	metrics.GroupCacheLookups.WithLabelValues("hit").Inc()
	return CachedGroups{
		Key:       key,
		Filter:    filter,
		Groups:    groups,
		NewsCount: row.NewsCount,
		Cached:    true,
		ExpiresAt: row.ExpiresAt,
	}, true, nil
}

func (c *GroupCache) generate(ctx context.Context, key string, filter GroupFilter) (CachedGroups, error) {
	groups, err := c.source.GetPrecomputedGroups(ctx, filter)
	if err != nil {
		return CachedGroups{}, fmt.Errorf("generate groups: %w", err)
	}

	newsCount := 0
	for _, group := range groups {
		newsCount += group.NewsCount
	}
	result := CachedGroups{
		Key:       key,
		Filter:    filter,
		Groups:    groups,
		NewsCount: newsCount,
		ExpiresAt: globaltime.UTC().Add(c.ttl),
	}

	params, err := json.Marshal(filter)
	if err != nil {
		return CachedGroups{}, fmt.Errorf("encode cache params: %w", err)
	}
	payload, err := json.Marshal(groups)
	if err != nil {
		return CachedGroups{}, fmt.Errorf("encode cached groups: %w", err)
	}

	// A failed write still returns fresh groups; the next lookup regenerates.
	if err := c.store.UpsertGroupCache(ctx, db.GroupCacheRow{
		CacheKey:    key,
		Params:      params,
		Groups:      payload,
		NewsCount:   newsCount,
		GroupsCount: len(groups),
		ExpiresAt:   result.ExpiresAt,
	}); err != nil {
		c.logger.Warn().Err(err).Str("cache_key", key).Msg("failed to store group cache entry")
	}
	return result, nil
}

// ClearAll empties the cache.
func (c *GroupCache) ClearAll(ctx context.Context) (int64, error) {
	if c == nil || c.store == nil {
		return 0, fmt.Errorf("group cache is not initialized")
	}
	removed, err := c.store.DeleteAllGroupCache(ctx)
	if err != nil {
		return 0, err
	}
	c.logger.Info().Int64("removed", removed).Msg("group cache cleared")
	return removed, nil
}

// PurgeOlderThan removes entries created or expired more than days ago.
func (c *GroupCache) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if c == nil || c.store == nil {
		return 0, fmt.Errorf("group cache is not initialized")
	}
	if days <= 0 {
		days = 3
	}
	return c.store.DeleteGroupCacheBefore(ctx, globaltime.UTC().AddDate(0, 0, -days))
}
