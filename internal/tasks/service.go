// Package tasks keeps the task execution ledger. A running row doubles as the lock for its task type.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/globaltime"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/metrics"
)

const (
	TypeEventGroups        = "event_groups"
	TypeCacheCleanup       = "cache_cleanup"
	TypeDuplicateDetection = "duplicate_detection"
	TypeCrawlSources       = "crawl_sources"
	TypeTaskCleanup        = "task_cleanup"

	StatusRunning = db.TaskStatusRunning
	StatusSuccess = "success"
	StatusError   = "error"

	ErrorTypeForced = "forced_termination"

	DefaultRetentionDays = 30
	DefaultListLimit     = 50
	MaxListLimit         = 500
	recentErrorLimit     = 10
)

var ErrTaskNotFound = errors.New("task execution not found")

// Store is the ledger persistence. *db.Pool implements it.
type Store interface {
	InsertRunningTask(ctx context.Context, params db.InsertRunningTaskParams) (*db.TaskExecutionRow, bool, error)
	GetTaskExecution(ctx context.Context, id int64) (*db.TaskExecutionRow, error)
	UpdateTaskProgress(ctx context.Context, id int64, current, total, percentage int, message *string) error
	FinishTask(ctx context.Context, params db.FinishTaskParams) error
	ListTaskExecutions(ctx context.Context, filter db.TaskListFilter) ([]db.TaskExecutionRow, int64, error)
	DeleteTaskExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	QueryTaskTypeStats(ctx context.Context, since time.Time) ([]db.TaskTypeStatsRow, error)
}

type Service struct {
	store     Store
	hostname  string
	processID int
	logger    zerolog.Logger
}

func NewService(store Store, logger zerolog.Logger) *Service {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Service{
		store:     store,
		hostname:  hostname,
		processID: os.Getpid(),
		logger:    logger,
	}
}

func (s *Service) ready() error {
	if s == nil || s.store == nil {
		return fmt.Errorf("task service is not initialized")
	}
	return nil
}

// AcquireLock records a running execution of taskType. It returns false without error when another
// execution of the same type is already running.
func (s *Service) AcquireLock(ctx context.Context, taskType, message string) (*db.TaskExecutionRow, bool, error) {
	if err := s.ready(); err != nil {
		return nil, false, err
	}

	row, acquired, err := s.store.InsertRunningTask(ctx, db.InsertRunningTaskParams{
		TaskType:  taskType,
		TaskID:    uuid.NewString(),
		Message:   message,
		StartTime: globaltime.UTC(),
		Hostname:  s.hostname,
		ProcessID: s.processID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s lock: %w", taskType, err)
	}
	if !acquired {
		metrics.TaskLockAttempts.WithLabelValues(taskType, "busy").Inc()
		s.logger.Info().Str("task_type", taskType).Msg("task already running; skipping")
		return nil, false, nil
	}

	metrics.TaskLockAttempts.WithLabelValues(taskType, "acquired").Inc()
	s.logger.Info().Str("task_type", taskType).Int64("execution_id", row.ID).Msg("task started")
	return row, true, nil
}

// UpdateProgress stores current/total and the derived percentage.
func (s *Service) UpdateProgress(ctx context.Context, id int64, current, total int, message string) error {
	if err := s.ready(); err != nil {
		return err
	}

	percentage := 0
	if total > 0 {
		percentage = current * 100 / total
	}
	var msg *string
	if message != "" {
		msg = &message
	}
	if err := s.store.UpdateTaskProgress(ctx, id, current, total, percentage, msg); err != nil {
		if db.IsNoRows(err) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("update task %d progress: %w", id, err)
	}
	return nil
}

// ClampDuration returns the end time and whole-second duration of a run. A negative duration is
// clamped to zero with end reset to start.
func ClampDuration(start, end time.Time) (time.Time, int, bool) {
	if end.Before(start) {
		return start, 0, true
	}
	return end, int(end.Sub(start).Seconds()), false
}

type CompleteParams struct {
	Message        string
	Details        map[string]any
	ItemsProcessed *int
	ItemsSuccess   *int
	ItemsFailed    *int
}

func (s *Service) Complete(ctx context.Context, id int64, params CompleteParams) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.finish(ctx, id, StatusSuccess, params.Message, params.Details, func(finish *db.FinishTaskParams) {
		finish.ItemsProcessed = params.ItemsProcessed
		finish.ItemsSuccess = params.ItemsSuccess
		finish.ItemsFailed = params.ItemsFailed
	})
}

type FailParams struct {
	Message    string
	ErrorType  string
	StackTrace string
	Details    map[string]any
}

func (s *Service) Fail(ctx context.Context, id int64, params FailParams) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.finish(ctx, id, StatusError, "", params.Details, func(finish *db.FinishTaskParams) {
		message := params.Message
		finish.ErrorMessage = &message
		if params.ErrorType != "" {
			errorType := params.ErrorType
			finish.ErrorType = &errorType
		}
		if params.StackTrace != "" {
			trace := params.StackTrace
			finish.StackTrace = &trace
		}
	})
}

func (s *Service) finish(ctx context.Context, id int64, status, message string, details map[string]any, apply func(*db.FinishTaskParams)) error {
	row, err := s.store.GetTaskExecution(ctx, id)
	if err != nil {
		if db.IsNoRows(err) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("load task %d: %w", id, err)
	}

	params, err := s.finishParams(*row, status, message, details)
	if err != nil {
		return err
	}
	if apply != nil {
		apply(&params)
	}
	if err := s.store.FinishTask(ctx, params); err != nil {
		if db.IsNoRows(err) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("finish task %d: %w", id, err)
	}

	metrics.TaskDuration.WithLabelValues(row.TaskType, status).Observe(float64(params.DurationSeconds))
	s.logger.Info().
		Str("task_type", row.TaskType).
		Int64("execution_id", id).
		Str("status", status).
		Int("duration_seconds", params.DurationSeconds).
		Msg("task finished")
	return nil
}

func (s *Service) finishParams(row db.TaskExecutionRow, status, message string, details map[string]any) (db.FinishTaskParams, error) {
	end, seconds, clamped := ClampDuration(row.StartTime, globaltime.UTC())
	if clamped {
		s.logger.Warn().
			Int64("execution_id", row.ID).
			Time("start_time", row.StartTime).
			Msg("task end precedes start; clamping duration to zero")
	}

	params := db.FinishTaskParams{
		ID:              row.ID,
		Status:          status,
		EndTime:         end,
		DurationSeconds: seconds,
	}
	if message != "" {
		params.Message = &message
	}
	if len(details) > 0 {
		encoded, err := json.Marshal(details)
		if err != nil {
			return db.FinishTaskParams{}, fmt.Errorf("encode task details: %w", err)
		}
		params.Details = encoded
	}
	return params, nil
}

// ForceCompleteRunning fails every running execution. It runs at process start so locks held by a
// previous process are released.
func (s *Service) ForceCompleteRunning(ctx context.Context, reason string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	running, err := s.Running(ctx)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, row := range running {
		params, err := s.finishParams(row, StatusError, "", nil)
		if err != nil {
			return completed, err
		}
		message := "task forcibly terminated: " + reason
		errorType := ErrorTypeForced
		params.ErrorMessage = &message
		params.ErrorType = &errorType
		if err := s.store.FinishTask(ctx, params); err != nil {
			return completed, fmt.Errorf("force complete task %d: %w", row.ID, err)
		}
		completed++
	}

	if completed > 0 {
		s.logger.Warn().Int("count", completed).Str("reason", reason).Msg("force completed running tasks")
	}
	return completed, nil
}

// CleanupOld deletes finished executions created more than days ago.
func (s *Service) CleanupOld(ctx context.Context, days int) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if days <= 0 {
		days = DefaultRetentionDays
	}

	removed, err := s.store.DeleteTaskExecutionsBefore(ctx, globaltime.UTC().AddDate(0, 0, -days))
	if err != nil {
		return 0, fmt.Errorf("cleanup task executions: %w", err)
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Int("days", days).Msg("cleaned up task executions")
	}
	return removed, nil
}

type ListFilter struct {
	TaskType string
	Status   string
	Start    *time.Time
	End      *time.Time
	Limit    int
	Offset   int
}

type ListResult struct {
	Items  []db.TaskExecutionRow `json:"items"`
	Total  int64                 `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

func (s *Service) List(ctx context.Context, filter ListFilter) (ListResult, error) {
	if err := s.ready(); err != nil {
		return ListResult{}, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset := max(filter.Offset, 0)

	rows, total, err := s.store.ListTaskExecutions(ctx, db.TaskListFilter{
		TaskType: filter.TaskType,
		Status:   filter.Status,
		Start:    filter.Start,
		End:      filter.End,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return ListResult{}, fmt.Errorf("list task executions: %w", err)
	}
	return ListResult{Items: rows, Total: total, Limit: limit, Offset: offset}, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*db.TaskExecutionRow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row, err := s.store.GetTaskExecution(ctx, id)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task execution %d: %w", id, err)
	}
	return row, nil
}

func (s *Service) Running(ctx context.Context) ([]db.TaskExecutionRow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, _, err := s.store.ListTaskExecutions(ctx, db.TaskListFilter{Status: StatusRunning, Limit: MaxListLimit})
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	return rows, nil
}

type TypeStatistics struct {
	db.TaskTypeStatsRow
	SuccessRate float64 `json:"success_rate"`
}

type Statistics struct {
	PeriodDays      int                   `json:"period_days"`
	TotalExecutions int64                 `json:"total_executions"`
	SuccessCount    int64                 `json:"success_count"`
	ErrorCount      int64                 `json:"error_count"`
	RunningCount    int                   `json:"running_count"`
	SuccessRate     float64               `json:"success_rate"`
	ByType          []TypeStatistics      `json:"task_type_statistics"`
	RecentErrors    []db.TaskExecutionRow `json:"recent_errors"`
}

func (s *Service) Statistics(ctx context.Context, days int) (Statistics, error) {
	if err := s.ready(); err != nil {
		return Statistics{}, err
	}
	if days <= 0 {
		days = 7
	}
	since := globaltime.UTC().AddDate(0, 0, -days)

	byType, err := s.store.QueryTaskTypeStats(ctx, since)
	if err != nil {
		return Statistics{}, fmt.Errorf("query task statistics: %w", err)
	}
	running, err := s.Running(ctx)
	if err != nil {
		return Statistics{}, err
	}
	recentErrors, _, err := s.store.ListTaskExecutions(ctx, db.TaskListFilter{Status: StatusError, Start: &since, Limit: recentErrorLimit})
	if err != nil {
		return Statistics{}, fmt.Errorf("list recent task errors: %w", err)
	}

	stats := Statistics{
		PeriodDays:   days,
		RunningCount: len(running),
		ByType:       make([]TypeStatistics, 0, len(byType)),
		RecentErrors: recentErrors,
	}
	for _, row := range byType {
		stats.TotalExecutions += row.TotalCount
		stats.SuccessCount += row.SuccessCount
		stats.ErrorCount += row.ErrorCount
		stats.ByType = append(stats.ByType, TypeStatistics{
			TaskTypeStatsRow: row,
			SuccessRate:      rate(row.SuccessCount, row.TotalCount),
		})
	}
	stats.SuccessRate = rate(stats.SuccessCount, stats.TotalExecutions)
	return stats, nil
}

func rate(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*10000) / 100
}
