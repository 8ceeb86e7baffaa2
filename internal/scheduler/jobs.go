package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/storage"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/tasks"
)

// Pipeline is the similarity and grouping store. *storage.Service implements it.
type Pipeline interface {
	ComputeAndStoreSimilarities(ctx context.Context, opts storage.SimilarityOptions) (storage.SimilarityResult, error)
	ComputeAndStoreEventGroups(ctx context.Context, opts storage.GroupOptions) (storage.GroupResult, error)
	CleanupOld(ctx context.Context, days int) (storage.CleanupResult, error)
}

// Cache is the group cache. *storage.GroupCache implements it.
type Cache interface {
	GetOrGenerate(ctx context.Context, filter storage.GroupFilter, force bool) (storage.CachedGroups, error)
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
}

// TaskCleaner removes old execution rows. *tasks.Service implements it.
type TaskCleaner interface {
	CleanupOld(ctx context.Context, days int) (int64, error)
}

// EventGroupsJob recomputes similarities and groups for the window, cleans old rows and warms
// the group cache for each precompute filter set.
type EventGroupsJob struct {
	Pipeline   Pipeline
	Cache      Cache
	Config     EventGroupsConfig
	Precompute []FilterSet
	Logger     zerolog.Logger
	// Force recomputes pairs and memberships already stored in the window.
	Force bool
}

func (j EventGroupsJob) WithOverrides(o Overrides) Job {
	j.Config = j.Config.withOverrides(o)
	j.Force = j.Force || o.Force
	return j
}

func (j EventGroupsJob) Run(ctx context.Context, progress Progress) (tasks.CompleteParams, error) {
	if j.Pipeline == nil {
		return tasks.CompleteParams{}, fmt.Errorf("event groups pipeline is not initialized")
	}
	started := time.Now()

	progress(10, "computing similarities")
	similarities, err := j.Pipeline.ComputeAndStoreSimilarities(ctx, storage.SimilarityOptions{
		Hours:    j.Config.WindowHours,
		Force:    j.Force,
		Parallel: j.Config.Parallel,
		Progress: func(done, total int) {
			if total <= 0 {
				return
			}
			progress(10+70*done/total, fmt.Sprintf("similarity batches %d/%d", done, total))
		},
	})
	if err != nil {
		return tasks.CompleteParams{}, fmt.Errorf("compute similarities: %w", err)
	}

	progress(80, "computing event groups")
	groups, err := j.Pipeline.ComputeAndStoreEventGroups(ctx, storage.GroupOptions{Hours: j.Config.WindowHours, Force: j.Force})
	if err != nil {
		return tasks.CompleteParams{}, fmt.Errorf("compute event groups: %w", err)
	}

	progress(90, "cleaning old similarity data")
	cleanup, err := j.Pipeline.CleanupOld(ctx, j.Config.RetentionDays)
	if err != nil {
		return tasks.CompleteParams{}, fmt.Errorf("cleanup old similarity data: %w", err)
	}

	progress(95, "warming group cache")
	cachedGroups := j.warmCache(ctx)

	processed := groups.TotalNews
	created := groups.GroupsCreated
	j.Logger.Info().
		Int("calculated", similarities.Calculated).
		Int("groups", groups.GroupsCreated).
		Int("cached_groups", cachedGroups).
		Int("window_hours", j.Config.WindowHours).
		Bool("force", j.Force).
		Dur("elapsed", time.Since(started)).
		Msg("event groups job finished")

	return tasks.CompleteParams{
		Message: fmt.Sprintf("computed %d similarities and %d event groups", similarities.Calculated, groups.GroupsCreated),
		Details: map[string]any{
			"similarity_result":  similarities,
			"groups_result":      groups,
			"cleanup_result":     cleanup,
			"cache_total_groups": cachedGroups,
			"window_hours":       j.Config.WindowHours,
			"force":              j.Force,
		},
		ItemsProcessed: &processed,
		ItemsSuccess:   &created,
	}, nil
}

// warmCache refreshes every precompute filter set. A failed set is logged and skipped.
func (j EventGroupsJob) warmCache(ctx context.Context) int {
	if j.Cache == nil {
		return 0
	}
	total := 0
	for _, set := range j.Precompute {
		categories := set.Categories
		if len(categories) == 0 {
			categories = DefaultCategories
		}
		filter := storage.GroupFilter{Hours: set.Hours, Categories: categories, ExcludeUsed: set.ExcludeUsed}
		cached, err := j.Cache.GetOrGenerate(ctx, filter, true)
		if err != nil {
			j.Logger.Warn().Err(err).Int("hours", set.Hours).Bool("exclude_used", set.ExcludeUsed).Msg("failed to warm group cache")
			continue
		}
		total += len(cached.Groups)
	}
	return total
}

// Names of the on-demand jobs sharing the event groups lock.
const (
	JobSimilarities = "similarities"
	JobGroups       = "groups"
)

// SimilaritiesJob only recomputes pairwise similarities for the window.
type SimilaritiesJob struct {
	Pipeline Pipeline
	Config   EventGroupsConfig
	Force    bool
}

func (j SimilaritiesJob) WithOverrides(o Overrides) Job {
	j.Config = j.Config.withOverrides(o)
	j.Force = j.Force || o.Force
	return j
}

func (j SimilaritiesJob) Run(ctx context.Context, progress Progress) (tasks.CompleteParams, error) {
	if j.Pipeline == nil {
		return tasks.CompleteParams{}, fmt.Errorf("event groups pipeline is not initialized")
	}
	result, err := j.Pipeline.ComputeAndStoreSimilarities(ctx, storage.SimilarityOptions{
		Hours:    j.Config.WindowHours,
		Force:    j.Force,
		Parallel: j.Config.Parallel,
		Progress: func(done, total int) {
			if total > 0 {
				progress(100*done/total, fmt.Sprintf("similarity batches %d/%d", done, total))
			}
		},
	})
	if err != nil {
		return tasks.CompleteParams{}, fmt.Errorf("compute similarities: %w", err)
	}
	processed := result.Calculated
	return tasks.CompleteParams{
		Message:        fmt.Sprintf("computed %d similarities", result.Calculated),
		Details:        map[string]any{"similarity_result": result},
		ItemsProcessed: &processed,
		ItemsFailed:    &result.FailedBatches,
	}, nil
}

// GroupsJob only rebuilds event groups from stored similarities.
type GroupsJob struct {
	Pipeline Pipeline
	Config   EventGroupsConfig
	Force    bool
}

func (j GroupsJob) WithOverrides(o Overrides) Job {
	j.Config = j.Config.withOverrides(o)
	j.Force = j.Force || o.Force
	return j
}

func (j GroupsJob) Run(ctx context.Context, progress Progress) (tasks.CompleteParams, error) {
	if j.Pipeline == nil {
		return tasks.CompleteParams{}, fmt.Errorf("event groups pipeline is not initialized")
	}
	progress(10, "computing event groups")
	result, err := j.Pipeline.ComputeAndStoreEventGroups(ctx, storage.GroupOptions{Hours: j.Config.WindowHours, Force: j.Force})
	if err != nil {
		return tasks.CompleteParams{}, fmt.Errorf("compute event groups: %w", err)
	}
	return tasks.CompleteParams{
		Message:        fmt.Sprintf("computed %d event groups", result.GroupsCreated),
		Details:        map[string]any{"groups_result": result},
		ItemsProcessed: &result.TotalNews,
		ItemsSuccess:   &result.GroupsCreated,
	}, nil
}

// CacheCleanupJob purges stale group cache rows.
type CacheCleanupJob struct {
	Cache  Cache
	Config CacheCleanupConfig
}

func (j CacheCleanupJob) Run(ctx context.Context, progress Progress) (tasks.CompleteParams, error) {
	if j.Cache == nil {
		return tasks.CompleteParams{}, fmt.Errorf("group cache is not initialized")
	}
	progress(50, "purging group cache")
	removed, err := j.Cache.PurgeOlderThan(ctx, j.Config.PurgeDays)
	if err != nil {
		return tasks.CompleteParams{}, fmt.Errorf("purge group cache: %w", err)
	}
	count := int(removed)
	return tasks.CompleteParams{
		Message:        fmt.Sprintf("removed %d group cache entries", removed),
		Details:        map[string]any{"purge_days": j.Config.PurgeDays, "removed": removed},
		ItemsProcessed: &count,
	}, nil
}

// TaskCleanupJob removes task executions past the retention window.
type TaskCleanupJob struct {
	Tasks  TaskCleaner
	Config TaskCleanupConfig
}

func (j TaskCleanupJob) Run(ctx context.Context, progress Progress) (tasks.CompleteParams, error) {
	if j.Tasks == nil {
		return tasks.CompleteParams{}, fmt.Errorf("task cleaner is not initialized")
	}
	progress(50, "removing old task executions")
	removed, err := j.Tasks.CleanupOld(ctx, j.Config.RetentionDays)
	if err != nil {
		return tasks.CompleteParams{}, fmt.Errorf("cleanup task executions: %w", err)
	}
	count := int(removed)
	return tasks.CompleteParams{
		Message:        fmt.Sprintf("removed %d task executions", removed),
		Details:        map[string]any{"retention_days": j.Config.RetentionDays, "removed": removed},
		ItemsProcessed: &count,
	}, nil
}

// Register wires the configured jobs into s. Disabled jobs stay triggerable on demand.
func Register(s *Scheduler, jobs Jobs, pipeline Pipeline, cache Cache, cleaner TaskCleaner, logger zerolog.Logger) error {
	loc, err := jobs.Location()
	if err != nil {
		return fmt.Errorf("load scheduler timezone: %w", err)
	}

	var schedule Schedule
	if jobs.EventGroups.Enabled {
		schedule = Every(jobs.EventGroups.Interval)
	}
	s.Register(tasks.TypeEventGroups, EventGroupsJob{
		Pipeline:   pipeline,
		Cache:      cache,
		Config:     jobs.EventGroups,
		Precompute: jobs.Precompute,
		Logger:     logger,
	}, schedule, jobs.EventGroups.Enabled && jobs.EventGroups.RunOnStart)
	s.RegisterShared(JobSimilarities, tasks.TypeEventGroups, SimilaritiesJob{Pipeline: pipeline, Config: jobs.EventGroups})
	s.RegisterShared(JobGroups, tasks.TypeEventGroups, GroupsJob{Pipeline: pipeline, Config: jobs.EventGroups})

	schedule = nil
	if jobs.CacheCleanup.Enabled {
		hour, minute, err := parseClock(jobs.CacheCleanup.At)
		if err != nil {
			return fmt.Errorf("cache_cleanup.at: %w", err)
		}
		if schedule, err = DailyAt(hour, minute, loc); err != nil {
			return fmt.Errorf("cache_cleanup.at: %w", err)
		}
	}
	s.Register(tasks.TypeCacheCleanup, CacheCleanupJob{Cache: cache, Config: jobs.CacheCleanup}, schedule, false)

	schedule = nil
	if jobs.TaskCleanup.Enabled {
		hour, minute, err := parseClock(jobs.TaskCleanup.At)
		if err != nil {
			return fmt.Errorf("task_cleanup.at: %w", err)
		}
		if schedule, err = DailyAt(hour, minute, loc); err != nil {
			return fmt.Errorf("task_cleanup.at: %w", err)
		}
	}
	s.Register(tasks.TypeTaskCleanup, TaskCleanupJob{Tasks: cleaner, Config: jobs.TaskCleanup}, schedule, false)
	return nil
}
