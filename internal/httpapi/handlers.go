package httpapi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/duplicate"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/scheduler"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/storage"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/tasks"
)

const (
	maxGroupHours   = 168
	maxCleanupDays  = 365
	defaultStatDays = 7
)

type computeRequest struct {
	Hours    *int  `json:"hours"`
	Force    *bool `json:"force"`
	Parallel *bool `json:"parallel"`
}

// computeOverrides reads hours, force and parallel from the query string, then lets a JSON
// body override them.
func computeOverrides(c echo.Context) (scheduler.Overrides, map[string]string) {
	var overrides scheduler.Overrides
	hours, err := parsePositiveInt(c.QueryParam("hours"), 0, 1, maxGroupHours)
	if err != nil {
		return overrides, map[string]string{"hours": err.Error()}
	}
	overrides.Hours = hours
	if overrides.Force, err = parseBool(c.QueryParam("force"), false); err != nil {
		return overrides, map[string]string{"force": err.Error()}
	}
	if raw := c.QueryParam("parallel"); raw != "" {
		parallel, err := parseBool(raw, true)
		if err != nil {
			return overrides, map[string]string{"parallel": err.Error()}
		}
		overrides.Parallel = &parallel
	}

	if c.Request().ContentLength <= 0 {
		return overrides, nil
	}
	var req computeRequest
	if err := (&echo.DefaultBinder{}).BindBody(c, &req); err != nil {
		return overrides, map[string]string{"body": "must be valid JSON"}
	}
	if req.Hours != nil {
		if *req.Hours < 1 || *req.Hours > maxGroupHours {
			return overrides, map[string]string{"hours": fmt.Sprintf("must be between 1 and %d", maxGroupHours)}
		}
		overrides.Hours = *req.Hours
	}
	if req.Force != nil {
		overrides.Force = *req.Force
	}
	if req.Parallel != nil {
		overrides.Parallel = req.Parallel
	}
	return overrides, nil
}

// handleTrigger starts the named job under its task lock with any one-shot overrides. It
// answers 202 with the execution or 409 while another run holds the lock.
func (s *Server) handleTrigger(name string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.deps.Jobs == nil {
			return unavailable(c, "scheduler")
		}
		overrides, invalid := computeOverrides(c)
		if invalid != nil {
			return failValidation(c, invalid)
		}
		execution, err := s.deps.Jobs.TriggerWith(c.Request().Context(), name, "manual trigger via api", overrides)
		if err != nil {
			if errors.Is(err, scheduler.ErrBusy) {
				return failConflict(c, "A computation is already running")
			}
			s.logger.Error().Err(err).Str("job", name).Msg("trigger job failed")
			return internalError(c, "Failed to start computation")
		}
		return accepted(c, map[string]any{
			"job":          name,
			"execution_id": execution.ID,
			"task_type":    execution.TaskType,
			"started_at":   execution.StartTime,
			"hours":        overrides.Hours,
			"force":        overrides.Force,
		})
	}
}

func (s *Server) handleGroups(c echo.Context) error {
	if s.deps.Cache == nil {
		return unavailable(c, "group cache")
	}

	hours, err := parsePositiveInt(c.QueryParam("hours"), storage.DefaultGroupHours, 1, maxGroupHours)
	if err != nil {
		return failValidation(c, map[string]string{"hours": err.Error()})
	}
	excludeUsed, err := parseBool(c.QueryParam("exclude_used"), true)
	if err != nil {
		return failValidation(c, map[string]string{"exclude_used": err.Error()})
	}
	force, err := parseBool(c.QueryParam("force_refresh"), false)
	if err != nil {
		return failValidation(c, map[string]string{"force_refresh": err.Error()})
	}
	params := c.QueryParams()
	sourceIDs, err := parseIDList(params["source_ids"])
	if err != nil {
		return failValidation(c, map[string]string{"source_ids": err.Error()})
	}

	filter := storage.GroupFilter{
		Hours:       hours,
		Categories:  parseStringList(params["categories"]),
		SourceIDs:   sourceIDs,
		ExcludeUsed: excludeUsed,
	}
	result, err := s.deps.Cache.GetOrGenerate(c.Request().Context(), filter, force)
	if err != nil {
		s.logger.Error().Err(err).Int("hours", hours).Msg("load event groups failed")
		return internalError(c, "Failed to load event groups")
	}
	return success(c, result)
}

func (s *Server) handleSimilarityCleanup(c echo.Context) error {
	if s.deps.Similarity == nil {
		return unavailable(c, "similarity storage")
	}
	days, err := parsePositiveInt(c.QueryParam("days"), storage.DefaultRetentionDays, 1, maxCleanupDays)
	if err != nil {
		return failValidation(c, map[string]string{"days": err.Error()})
	}
	result, err := s.deps.Similarity.CleanupOld(c.Request().Context(), days)
	if err != nil {
		s.logger.Error().Err(err).Int("days", days).Msg("similarity cleanup failed")
		return internalError(c, "Failed to clean up similarity data")
	}
	return success(c, result)
}

func (s *Server) handleSimilarityStatistics(c echo.Context) error {
	if s.deps.Similarity == nil {
		return unavailable(c, "similarity storage")
	}
	stats, err := s.deps.Similarity.Statistics(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("query similarity statistics failed")
		return internalError(c, "Failed to load similarity statistics")
	}
	return success(c, stats)
}

func (s *Server) handleSimilarityStatus(c echo.Context) error {
	if s.deps.Jobs == nil || s.deps.Tasks == nil {
		return unavailable(c, "scheduler")
	}
	running, err := s.deps.Tasks.Running(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("query running tasks failed")
		return internalError(c, "Failed to load computation status")
	}

	var current any
	for _, row := range running {
		if row.TaskType == tasks.TypeEventGroups {
			current = row
			break
		}
	}
	return success(c, map[string]any{
		"is_running": current != nil,
		"current":    current,
		"scheduler":  s.deps.Jobs.Status(),
	})
}

func (s *Server) handleClearCache(c echo.Context) error {
	if s.deps.Cache == nil {
		return unavailable(c, "group cache")
	}
	removed, err := s.deps.Cache.ClearAll(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("clear group cache failed")
		return internalError(c, "Failed to clear group cache")
	}
	return success(c, map[string]any{"removed": removed})
}

type duplicateRequest struct {
	NewsIDs []int64 `json:"news_ids"`
	Force   bool    `json:"force"`
}

func (s *Server) duplicateError(c echo.Context, err error, action string) error {
	switch {
	case errors.Is(err, duplicate.ErrDigestNotFound):
		return failNotFound(c, "Digest not found")
	case errors.Is(err, duplicate.ErrAlreadyRunning), errors.Is(err, duplicate.ErrLockBusy):
		return failConflict(c, "Duplicate detection is already running for this digest")
	}
	s.logger.Error().Err(err).Str("action", action).Msg("duplicate detection request failed")
	return internalError(c, "Failed to "+action)
}

func (s *Server) handleDuplicateStatus(c echo.Context) error {
	if s.deps.Duplicates == nil {
		return unavailable(c, "duplicate detection")
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		return failValidation(c, map[string]string{"id": err.Error()})
	}
	report, err := s.deps.Duplicates.Status(c.Request().Context(), id)
	if err != nil {
		return s.duplicateError(c, err, "load duplicate status")
	}
	return success(c, report)
}

func (s *Server) handleDuplicateStart(c echo.Context) error {
	if s.deps.Duplicates == nil {
		return unavailable(c, "duplicate detection")
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		return failValidation(c, map[string]string{"id": err.Error()})
	}

	var req duplicateRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return failValidation(c, map[string]string{"body": "must be valid JSON"})
		}
	}

	ctx := c.Request().Context()
	if req.Force {
		err = s.deps.Duplicates.Retrigger(ctx, id, req.NewsIDs)
	} else {
		err = s.deps.Duplicates.Start(ctx, id, req.NewsIDs)
	}
	if err != nil {
		return s.duplicateError(c, err, "start duplicate detection")
	}
	return accepted(c, map[string]any{
		"digest_id": id,
		"status":    duplicate.DigestPending,
		"retrigger": req.Force,
	})
}

func (s *Server) handleDuplicateClear(c echo.Context) error {
	if s.deps.Duplicates == nil {
		return unavailable(c, "duplicate detection")
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		return failValidation(c, map[string]string{"id": err.Error()})
	}
	removed, err := s.deps.Duplicates.Clear(c.Request().Context(), id)
	if err != nil {
		return s.duplicateError(c, err, "clear duplicate results")
	}
	return success(c, map[string]any{"digest_id": id, "removed": removed})
}

func (s *Server) handleDuplicateEstimate(c echo.Context) error {
	if s.deps.Duplicates == nil {
		return unavailable(c, "duplicate detection")
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		return failValidation(c, map[string]string{"id": err.Error()})
	}
	newsIDs, err := parseIDList(c.QueryParams()["news_ids"])
	if err != nil {
		return failValidation(c, map[string]string{"news_ids": err.Error()})
	}
	estimate, err := s.deps.Duplicates.Estimate(c.Request().Context(), id, newsIDs)
	if err != nil {
		return s.duplicateError(c, err, "estimate duplicate detection")
	}
	return success(c, estimate)
}

func (s *Server) handleDuplicateProgress(c echo.Context) error {
	if s.deps.Duplicates == nil {
		return unavailable(c, "duplicate detection")
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		return failValidation(c, map[string]string{"id": err.Error()})
	}
	progress, err := s.deps.Duplicates.Progress(c.Request().Context(), id)
	if err != nil {
		return s.duplicateError(c, err, "load duplicate progress")
	}
	return success(c, progress)
}

func (s *Server) handleTaskList(c echo.Context) error {
	if s.deps.Tasks == nil {
		return unavailable(c, "task ledger")
	}
	limit, err := parsePositiveInt(c.QueryParam("limit"), tasks.DefaultListLimit, 1, tasks.MaxListLimit)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	offset, err := parsePositiveInt(c.QueryParam("offset"), 0, 0, 1_000_000)
	if err != nil {
		return failValidation(c, map[string]string{"offset": err.Error()})
	}
	start, err := parseTimeFilter(c.QueryParam("start"), false)
	if err != nil {
		return failValidation(c, map[string]string{"start": "must be RFC3339 or YYYY-MM-DD"})
	}
	end, err := parseTimeFilter(c.QueryParam("end"), true)
	if err != nil {
		return failValidation(c, map[string]string{"end": "must be RFC3339 or YYYY-MM-DD"})
	}
	if start != nil && end != nil && start.After(*end) {
		return failValidation(c, map[string]string{"time_range": "start must be <= end"})
	}

	result, err := s.deps.Tasks.List(c.Request().Context(), tasks.ListFilter{
		TaskType: strings.TrimSpace(c.QueryParam("task_type")),
		Status:   strings.TrimSpace(strings.ToLower(c.QueryParam("status"))),
		Start:    start,
		End:      end,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("list task executions failed")
		return internalError(c, "Failed to load task executions")
	}
	return success(c, result)
}

func (s *Server) handleTaskRunning(c echo.Context) error {
	if s.deps.Tasks == nil {
		return unavailable(c, "task ledger")
	}
	rows, err := s.deps.Tasks.Running(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list running tasks failed")
		return internalError(c, "Failed to load running tasks")
	}
	return success(c, map[string]any{"items": rows, "count": len(rows)})
}

func (s *Server) handleTaskStatistics(c echo.Context) error {
	if s.deps.Tasks == nil {
		return unavailable(c, "task ledger")
	}
	days, err := parsePositiveInt(c.QueryParam("days"), defaultStatDays, 1, maxCleanupDays)
	if err != nil {
		return failValidation(c, map[string]string{"days": err.Error()})
	}
	stats, err := s.deps.Tasks.Statistics(c.Request().Context(), days)
	if err != nil {
		s.logger.Error().Err(err).Msg("query task statistics failed")
		return internalError(c, "Failed to load task statistics")
	}
	return success(c, stats)
}

func (s *Server) handleTaskDetail(c echo.Context) error {
	if s.deps.Tasks == nil {
		return unavailable(c, "task ledger")
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		return failValidation(c, map[string]string{"id": err.Error()})
	}
	row, err := s.deps.Tasks.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			return failNotFound(c, "Task execution not found")
		}
		s.logger.Error().Err(err).Int64("task_id", id).Msg("load task execution failed")
		return internalError(c, "Failed to load task execution")
	}
	return success(c, row)
}

func (s *Server) handleTaskCleanup(c echo.Context) error {
	if s.deps.Tasks == nil {
		return unavailable(c, "task ledger")
	}
	days, err := parsePositiveInt(c.QueryParam("days"), tasks.DefaultRetentionDays, 1, maxCleanupDays)
	if err != nil {
		return failValidation(c, map[string]string{"days": err.Error()})
	}
	removed, err := s.deps.Tasks.CleanupOld(c.Request().Context(), days)
	if err != nil {
		s.logger.Error().Err(err).Msg("task cleanup failed")
		return internalError(c, "Failed to clean up task executions")
	}
	return success(c, map[string]any{"days": days, "removed": removed})
}

func (s *Server) handleTaskForceComplete(c echo.Context) error {
	if s.deps.Tasks == nil {
		return unavailable(c, "task ledger")
	}
	reason := strings.TrimSpace(c.QueryParam("reason"))
	if reason == "" {
		reason = "manual intervention"
	}
	count, err := s.deps.Tasks.ForceCompleteRunning(c.Request().Context(), reason)
	if err != nil {
		s.logger.Error().Err(err).Msg("force complete tasks failed")
		return internalError(c, "Failed to force complete tasks")
	}
	return success(c, map[string]any{"completed": count, "reason": reason})
}
