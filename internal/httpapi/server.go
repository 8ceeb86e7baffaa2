package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/duplicate"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/estimator"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/globaltime"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/scheduler"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/storage"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/tasks"
)

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowOrigins    []string
}

// Pinger reports database reachability. *db.Pool implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type SimilarityService interface {
	Statistics(ctx context.Context) (storage.Statistics, error)
	CleanupOld(ctx context.Context, days int) (storage.CleanupResult, error)
}

type GroupCache interface {
	GetOrGenerate(ctx context.Context, filter storage.GroupFilter, force bool) (storage.CachedGroups, error)
	ClearAll(ctx context.Context) (int64, error)
}

type JobRunner interface {
	TriggerWith(ctx context.Context, name, message string, o scheduler.Overrides) (*db.TaskExecutionRow, error)
	Status() scheduler.Status
}

type DuplicateRunner interface {
	Start(ctx context.Context, digestID int64, newsIDs []int64) error
	Retrigger(ctx context.Context, digestID int64, newsIDs []int64) error
	Clear(ctx context.Context, digestID int64) (int64, error)
	Status(ctx context.Context, digestID int64) (duplicate.StatusReport, error)
	Estimate(ctx context.Context, digestID int64, newsIDs []int64) (estimator.Estimation, error)
	Progress(ctx context.Context, digestID int64) (estimator.Progress, error)
}

type TaskService interface {
	List(ctx context.Context, filter tasks.ListFilter) (tasks.ListResult, error)
	Get(ctx context.Context, id int64) (*db.TaskExecutionRow, error)
	Running(ctx context.Context) ([]db.TaskExecutionRow, error)
	Statistics(ctx context.Context, days int) (tasks.Statistics, error)
	CleanupOld(ctx context.Context, days int) (int64, error)
	ForceCompleteRunning(ctx context.Context, reason string) (int, error)
}

// Dependencies are the services behind the routes. A nil service answers 503 on its routes.
type Dependencies struct {
	DB         Pinger
	Similarity SimilarityService
	Cache      GroupCache
	Jobs       JobRunner
	Duplicates DuplicateRunner
	Tasks      TaskService
}

type Server struct {
	deps   Dependencies
	logger zerolog.Logger
	opts   Options
}

func NewServer(deps Dependencies, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	allowOrigins := opts.AllowOrigins
	if len(allowOrigins) == 0 {
		allowOrigins = []string{"*"}
	}

	return &Server{
		deps:   deps,
		logger: logger,
		opts: Options{
			Host:            host,
			Port:            port,
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
			AllowOrigins:    allowOrigins,
		},
	}
}

// Handler builds the echo instance with middleware and routes.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.opts.AllowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)

	similarity := api.Group("/similarity")
	similarity.POST("/compute", s.handleTrigger(scheduler.JobSimilarities))
	similarity.POST("/compute-groups", s.handleTrigger(scheduler.JobGroups))
	similarity.POST("/compute-all", s.handleTrigger(tasks.TypeEventGroups))
	similarity.GET("/groups", s.handleGroups)
	similarity.POST("/cleanup", s.handleSimilarityCleanup)
	similarity.GET("/statistics", s.handleSimilarityStatistics)
	similarity.GET("/status", s.handleSimilarityStatus)
	similarity.POST("/clear-cache", s.handleClearCache)

	digests := api.Group("/digests/:id/duplicates")
	digests.GET("", s.handleDuplicateStatus)
	digests.POST("", s.handleDuplicateStart)
	digests.DELETE("", s.handleDuplicateClear)
	digests.GET("/estimate", s.handleDuplicateEstimate)
	digests.GET("/progress", s.handleDuplicateProgress)

	taskRoutes := api.Group("/tasks")
	taskRoutes.GET("", s.handleTaskList)
	taskRoutes.GET("/running", s.handleTaskRunning)
	taskRoutes.GET("/statistics", s.handleTaskStatistics)
	taskRoutes.GET("/:id", s.handleTaskDetail)
	taskRoutes.POST("/cleanup", s.handleTaskCleanup)
	taskRoutes.POST("/force-complete", s.handleTaskForceComplete)

	return e
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.Handler()
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("dailydigest api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("dailydigest api server stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	database := "unconfigured"
	if s.deps.DB != nil {
		database = "ok"
		if err := s.deps.DB.Ping(c.Request().Context()); err != nil {
			s.logger.Warn().Err(err).Msg("health database ping failed")
			database = "unreachable"
		}
	}
	return success(c, map[string]any{
		"service":  "dailydigest",
		"database": database,
		"time":     globaltime.UTC(),
	})
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}

func parseBool(raw string, defaultValue bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, fmt.Errorf("must be a boolean")
	}
	return value, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return id, nil
}

// parseIDList accepts repeated and comma separated values.
func parseIDList(values []string) ([]int64, error) {
	var ids []int64
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			id, err := parseID(part)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func parseStringList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

func parseTimeFilter(raw string, endOfDay bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
		utc := ts.UTC()
		return &utc, nil
	}

	if day, err := time.Parse("2006-01-02", trimmed); err == nil {
		utc := day.UTC()
		if endOfDay {
			utc = utc.Add((24 * time.Hour) - time.Nanosecond)
		}
		return &utc, nil
	}

	return nil, fmt.Errorf("invalid time format")
}
