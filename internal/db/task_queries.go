package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const TaskStatusRunning = "running"

// TaskExecutionRow is one task ledger entry.
type TaskExecutionRow struct {
	ID                 int64           `json:"id"`
	TaskType           string          `json:"task_type"`
	TaskID             *string         `json:"task_id,omitempty"`
	Status             string          `json:"status"`
	Message            *string         `json:"message,omitempty"`
	Details            json.RawMessage `json:"details,omitempty"`
	StartTime          time.Time       `json:"start_time"`
	EndTime            *time.Time      `json:"end_time,omitempty"`
	DurationSeconds    *int            `json:"duration_seconds,omitempty"`
	ProgressCurrent    *int            `json:"progress_current,omitempty"`
	ProgressTotal      *int            `json:"progress_total,omitempty"`
	ProgressPercentage *int            `json:"progress_percentage,omitempty"`
	ItemsProcessed     *int            `json:"items_processed,omitempty"`
	ItemsSuccess       *int            `json:"items_success,omitempty"`
	ItemsFailed        *int            `json:"items_failed,omitempty"`
	Hostname           *string         `json:"hostname,omitempty"`
	ProcessID          *int            `json:"process_id,omitempty"`
	ErrorType          *string         `json:"error_type,omitempty"`
	ErrorMessage       *string         `json:"error_message,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// InsertRunningTaskParams describes a lock acquisition attempt.
type InsertRunningTaskParams struct {
	TaskType  string
	TaskID    string
	Message   string
	Details   json.RawMessage
	StartTime time.Time
	Hostname  string
	ProcessID int
}

// FinishTaskParams moves a row to a terminal status.
type FinishTaskParams struct {
	ID              int64
	Status          string
	Message         *string
	Details         json.RawMessage
	EndTime         time.Time
	DurationSeconds int
	ItemsProcessed  *int
	ItemsSuccess    *int
	ItemsFailed     *int
	ErrorType       *string
	ErrorMessage    *string
	StackTrace      *string
}

// TaskListFilter narrows ListTaskExecutions.
type TaskListFilter struct {
	TaskType string
	Status   string
	Start    *time.Time
	End      *time.Time
	Limit    int
	Offset   int
}

// TaskTypeStatsRow aggregates executions of one task type.
type TaskTypeStatsRow struct {
	TaskType           string  `json:"task_type"`
	TotalCount         int64   `json:"total_count"`
	SuccessCount       int64   `json:"success_count"`
	ErrorCount         int64   `json:"error_count"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

var taskColumns = []string{
	"id",
	"task_type",
	"task_id",
	"status",
	"message",
	"details",
	"start_time",
	"end_time",
	"duration_seconds",
	"progress_current",
	"progress_total",
	"progress_percentage",
	"items_processed",
	"items_success",
	"items_failed",
	"hostname",
	"process_id",
	"error_type",
	"error_message",
	"created_at",
	"updated_at",
}

// InsertRunningTask inserts a running row unless one already exists for the task type.
// The partial unique index on running rows closes the race between the NOT EXISTS check and the insert.
func (p *Pool) InsertRunningTask(ctx context.Context, params InsertRunningTaskParams) (*TaskExecutionRow, bool, error) {
	q := `
INSERT INTO digest.task_executions (
	task_type,
	task_id,
	status,
	message,
	details,
	start_time,
	hostname,
	process_id,
	created_at,
	updated_at
)
SELECT $1, $2, 'running', $3, $4::jsonb, $5, $6, $7, now(), now()
WHERE NOT EXISTS (
	SELECT 1 FROM digest.task_executions
	WHERE task_type = $1 AND status = 'running'
)
ON CONFLICT DO NOTHING
RETURNING ` + strings.Join(taskColumns, ", ")

	details := "{}"
	if len(params.Details) > 0 {
		details = string(params.Details)
	}

	rows, err := p.Query(
		ctx,
		q,
		params.TaskType,
		params.TaskID,
		params.Message,
		details,
		params.StartTime.UTC(),
		params.Hostname,
		params.ProcessID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert running task: %w", err)
	}
	defer rows.Close()

	items, err := scanTaskRows(rows, 1)
	if err != nil {
		return nil, false, err
	}
	if len(items) == 0 {
		return nil, false, nil
	}
	return &items[0], true, nil
}

func (p *Pool) GetTaskExecution(ctx context.Context, id int64) (*TaskExecutionRow, error) {
	q, args, err := psql.Select(taskColumns...).
		From("digest.task_executions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build task query: %w", err)
	}

	rows, err := p.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query task execution: %w", err)
	}
	defer rows.Close()

	items, err := scanTaskRows(rows, 1)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNoRows
	}
	return &items[0], nil
}

// UpdateTaskProgress writes progress counters. message is kept when nil.
func (p *Pool) UpdateTaskProgress(ctx context.Context, id int64, current, total, percentage int, message *string) error {
	const q = `
UPDATE digest.task_executions
SET progress_current = $2,
	progress_total = $3,
	progress_percentage = $4,
	message = COALESCE($5, message),
	updated_at = now()
WHERE id = $1
`

	tag, err := p.Exec(ctx, q, id, current, total, percentage, message)
	if err != nil {
		return fmt.Errorf("update task progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

// FinishTask stores the terminal status. Details are merged into the existing JSON object.
func (p *Pool) FinishTask(ctx context.Context, params FinishTaskParams) error {
	const q = `
UPDATE digest.task_executions
SET status = $2,
	message = COALESCE($3, message),
	details = COALESCE(details, '{}'::jsonb) || COALESCE($4::jsonb, '{}'::jsonb),
	end_time = $5,
	duration_seconds = $6,
	items_processed = COALESCE($7, items_processed),
	items_success = COALESCE($8, items_success),
	items_failed = COALESCE($9, items_failed),
	error_type = COALESCE($10, error_type),
	error_message = COALESCE($11, error_message),
	stack_trace = COALESCE($12, stack_trace),
	updated_at = now()
WHERE id = $1
`

	var details any
	if len(params.Details) > 0 {
		details = string(params.Details)
	}

	tag, err := p.Exec(
		ctx,
		q,
		params.ID,
		params.Status,
		params.Message,
		details,
		params.EndTime.UTC(),
		params.DurationSeconds,
		params.ItemsProcessed,
		params.ItemsSuccess,
		params.ItemsFailed,
		params.ErrorType,
		params.ErrorMessage,
		params.StackTrace,
	)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

// ListTaskExecutions returns one page of executions, newest first, plus the total match count.
func (p *Pool) ListTaskExecutions(ctx context.Context, filter TaskListFilter) ([]TaskExecutionRow, int64, error) {
	where := sq.And{}
	if filter.TaskType != "" {
		where = append(where, sq.Eq{"task_type": filter.TaskType})
	}
	if filter.Status != "" {
		where = append(where, sq.Eq{"status": filter.Status})
	}
	if filter.Start != nil {
		where = append(where, sq.GtOrEq{"start_time": filter.Start.UTC()})
	}
	if filter.End != nil {
		where = append(where, sq.LtOrEq{"start_time": filter.End.UTC()})
	}

	countQ, countArgs, err := psql.Select("COUNT(*)").
		From("digest.task_executions").
		Where(where).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build task count query: %w", err)
	}
	var total int64
	if err := p.QueryRow(ctx, countQ, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count task executions: %w", err)
	}

	listQ, listArgs, err := psql.Select(taskColumns...).
		From("digest.task_executions").
		Where(where).
		OrderBy("start_time DESC", "id DESC").
		Limit(uint64(filter.Limit)).
		Offset(uint64(filter.Offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build task list query: %w", err)
	}

	rows, err := p.Query(ctx, listQ, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query task executions: %w", err)
	}
	defer rows.Close()

	items, err := scanTaskRows(rows, filter.Limit)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// DeleteTaskExecutionsBefore removes finished executions that started before cutoff.
func (p *Pool) DeleteTaskExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
DELETE FROM digest.task_executions
WHERE start_time < $1
  AND status <> 'running'
`

	tag, err := p.Exec(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old task executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// QueryTaskTypeStats aggregates executions started at or after since.
func (p *Pool) QueryTaskTypeStats(ctx context.Context, since time.Time) ([]TaskTypeStatsRow, error) {
	const q = `
SELECT
	task_type,
	COUNT(*)::BIGINT AS total_count,
	COUNT(*) FILTER (WHERE status = 'success')::BIGINT AS success_count,
	COUNT(*) FILTER (WHERE status = 'error')::BIGINT AS error_count,
	COALESCE(AVG(duration_seconds), 0)::DOUBLE PRECISION AS avg_duration
FROM digest.task_executions
WHERE start_time >= $1
GROUP BY task_type
ORDER BY task_type
`

	rows, err := p.Query(ctx, q, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query task type stats: %w", err)
	}
	defer rows.Close()

	items := make([]TaskTypeStatsRow, 0, 8)
	for rows.Next() {
		var row TaskTypeStatsRow
		if err := rows.Scan(&row.TaskType, &row.TotalCount, &row.SuccessCount, &row.ErrorCount, &row.AvgDurationSeconds); err != nil {
			return nil, fmt.Errorf("scan task type stats: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task type stats: %w", err)
	}
	return items, nil
}

func scanTaskRows(rows *sql.Rows, capacity int) ([]TaskExecutionRow, error) {
	items := make([]TaskExecutionRow, 0, max(capacity, 0))
	for rows.Next() {
		var (
			row     TaskExecutionRow
			details []byte
		)
		if err := rows.Scan(
			&row.ID,
			&row.TaskType,
			&row.TaskID,
			&row.Status,
			&row.Message,
			&details,
			&row.StartTime,
			&row.EndTime,
			&row.DurationSeconds,
			&row.ProgressCurrent,
			&row.ProgressTotal,
			&row.ProgressPercentage,
			&row.ItemsProcessed,
			&row.ItemsSuccess,
			&row.ItemsFailed,
			&row.Hostname,
			&row.ProcessID,
			&row.ErrorType,
			&row.ErrorMessage,
			&row.CreatedAt,
			&row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task execution: %w", err)
		}
		if len(details) > 0 {
			row.Details = append(json.RawMessage(nil), details...)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task executions: %w", err)
	}
	return items, nil
}
