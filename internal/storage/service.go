package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/batch"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/globaltime"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/similarity"
)

const (
	CalculationVersion      = "v1.0"
	PersistenceFloor        = 0.3
	HighSimilarityThreshold = 0.8
	DefaultBatchSize        = 100
	DefaultWindowHours      = 48
	DefaultGroupHours       = 24
	DefaultRetentionDays    = 7
)

// Store is the persistence surface used by Service. *db.Pool implements it.
type Store interface {
	ListProcessedNewsSince(ctx context.Context, since time.Time) ([]db.NewsRow, error)
	ListFilteredNews(ctx context.Context, filter db.NewsFilter) ([]db.NewsRow, error)
	ListNewsByIDs(ctx context.Context, ids []int64) ([]db.NewsRow, error)

	ListSimilarityPairsSince(ctx context.Context, since time.Time) ([]db.PairKey, error)
	InsertSimilarities(ctx context.Context, rows []db.SimilarityRow) (int64, error)
	DeleteSimilaritiesSince(ctx context.Context, since time.Time) (int64, error)
	ListEdgesSince(ctx context.Context, since time.Time, minScore float64) ([]db.SimilarityRow, error)
	QuerySimilarityStats(ctx context.Context, highThreshold float64, now time.Time) (db.SimilarityStats, error)

	ClearMembershipsSince(ctx context.Context, since time.Time) (int64, error)
	ReplaceEventGroup(ctx context.Context, group db.EventGroupRow, members []db.MembershipRow) error
	ListGroupsContaining(ctx context.Context, newsIDs []int64, latestSince time.Time) ([]db.EventGroupRow, error)
	ListMemberships(ctx context.Context, groupIDs []string) ([]db.MembershipRow, error)
	CleanupBefore(ctx context.Context, cutoff time.Time) (db.CleanupCounts, error)
}

type Options struct {
	// Workers bounds the scoring pool; zero uses batch.DefaultWorkers.
	Workers   int
	BatchSize int
	// NewScorer builds the scoring resource owned by one worker.
	NewScorer func() *similarity.Scorer
}

// Service computes, persists and serves similarities and event groups.
type Service struct {
	store   Store
	scorer  *similarity.Scorer
	options Options
	logger  zerolog.Logger
}

func NewService(store Store, scorer *similarity.Scorer, options Options, logger zerolog.Logger) *Service {
	if options.BatchSize <= 0 {
		options.BatchSize = DefaultBatchSize
	}
	if options.Workers <= 0 {
		options.Workers = batch.DefaultWorkers()
	}
	if options.NewScorer == nil {
		options.NewScorer = func() *similarity.Scorer {
			return scorer
		}
	}
	return &Service{
		store:   store,
		scorer:  scorer,
		options: options,
		logger:  logger,
	}
}

func (s *Service) ready() error {
	if s == nil || s.store == nil || s.scorer == nil {
		return fmt.Errorf("similarity storage service is not initialized")
	}
	return nil
}

// Scorer exposes the shared scorer used outside batch computation.
func (s *Service) Scorer() *similarity.Scorer {
	if s == nil {
		return nil
	}
	return s.scorer
}

func windowStart(hours int) time.Time {
	if hours <= 0 {
		hours = DefaultWindowHours
	}
	return globaltime.UTC().Add(-time.Duration(hours) * time.Hour)
}

// CleanupResult reports rows removed by CleanupOld.
type CleanupResult struct {
	db.CleanupCounts
	Days   int       `json:"days"`
	Cutoff time.Time `json:"cutoff"`
}

// CleanupOld removes similarities and memberships older than days, then groups left without members.
func (s *Service) CleanupOld(ctx context.Context, days int) (CleanupResult, error) {
	if err := s.ready(); err != nil {
		return CleanupResult{}, err
	}
	if days <= 0 {
		days = DefaultRetentionDays
	}

	cutoff := globaltime.UTC().AddDate(0, 0, -days)
	counts, err := s.store.CleanupBefore(ctx, cutoff)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup similarity data: %w", err)
	}

	s.logger.Info().
		Int("days", days).
		Int64("similarities", counts.Similarities).
		Int64("memberships", counts.Memberships).
		Int64("groups", counts.Groups).
		Msg("similarity retention sweep complete")

	return CleanupResult{CleanupCounts: counts, Days: days, Cutoff: cutoff}, nil
}

// Statistics combines table counts with the scorer's runtime state.
type Statistics struct {
	db.SimilarityStats
	Workers        int                   `json:"workers"`
	BatchSize      int                   `json:"batch_size"`
	Version        string                `json:"calculation_version"`
	EmbeddingModel string                `json:"embedding_model,omitempty"`
	SemanticCache  similarity.CacheStats `json:"semantic_cache"`
}

func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	if err := s.ready(); err != nil {
		return Statistics{}, err
	}

	stats, err := s.store.QuerySimilarityStats(ctx, HighSimilarityThreshold, globaltime.UTC())
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{
		SimilarityStats: stats,
		Workers:         s.options.Workers,
		BatchSize:       s.options.BatchSize,
		Version:         CalculationVersion,
		EmbeddingModel:  s.scorer.EmbeddingModel(),
		SemanticCache:   s.scorer.CacheStats(),
	}, nil
}
