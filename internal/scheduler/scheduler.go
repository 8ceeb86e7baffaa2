// Package scheduler runs heavy jobs on a schedule or on demand. Every run goes through the task
// ledger lock, so a scheduled run and a manual trigger never overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/tasks"
)

var (
	ErrBusy       = errors.New("task is already running")
	ErrUnknownJob = errors.New("unknown job")
)

// Ledger is the task execution ledger. *tasks.Service implements it.
type Ledger interface {
	AcquireLock(ctx context.Context, taskType, message string) (*db.TaskExecutionRow, bool, error)
	UpdateProgress(ctx context.Context, id int64, current, total int, message string) error
	Complete(ctx context.Context, id int64, params tasks.CompleteParams) error
	Fail(ctx context.Context, id int64, params tasks.FailParams) error
}

// Progress reports percent complete (0-100) for the running execution.
type Progress func(percent int, message string)

// Job performs one run and returns what to record on completion.
type Job interface {
	Run(ctx context.Context, progress Progress) (tasks.CompleteParams, error)
}

type JobFunc func(ctx context.Context, progress Progress) (tasks.CompleteParams, error)

func (f JobFunc) Run(ctx context.Context, progress Progress) (tasks.CompleteParams, error) {
	return f(ctx, progress)
}

// Schedule yields the next run time after now.
type Schedule = cron.Schedule

// Every runs at a fixed interval, rounded down to the second.
func Every(interval time.Duration) Schedule {
	return cron.Every(interval)
}

// DailyAt runs once a day at hour:minute in loc.
func DailyAt(hour, minute int, loc *time.Location) (Schedule, error) {
	parsed, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		return nil, fmt.Errorf("parse daily schedule %02d:%02d: %w", hour, minute, err)
	}
	daily, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("unexpected schedule type %T", parsed)
	}
	if loc == nil {
		loc = time.UTC
	}
	daily.Location = loc
	return daily, nil
}

// Overrides adjust a single on-demand run. Zero values keep the registered settings.
type Overrides struct {
	Hours    int
	Force    bool
	Parallel *bool
}

func (o Overrides) empty() bool {
	return o.Hours == 0 && !o.Force && o.Parallel == nil
}

// Overridable jobs return a copy of themselves with o applied.
type Overridable interface {
	WithOverrides(o Overrides) Job
}

type entry struct {
	name       string
	taskType   string
	job        Job
	schedule   Schedule
	runOnStart bool
	id         cron.EntryID
}

type Scheduler struct {
	ledger Ledger
	logger zerolog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
	started bool
	wg      sync.WaitGroup
}

func New(ledger Ledger, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		ledger:  ledger,
		logger:  logger,
		cron:    cron.New(cron.WithLogger(cronLogger{logger: logger})),
		entries: make(map[string]*entry),
	}
}

// Register adds a job. A nil schedule registers a job that only runs on demand.
func (s *Scheduler) Register(taskType string, job Job, schedule Schedule, runOnStart bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[taskType] = &entry{name: taskType, taskType: taskType, job: job, schedule: schedule, runOnStart: runOnStart}
}

// RegisterShared adds an on-demand job under name that takes the ledger lock of taskType.
func (s *Scheduler) RegisterShared(name, taskType string, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = &entry{name: name, taskType: taskType, job: job}
}

// Start adds every scheduled job to the cron runner and starts it. The runner stops when ctx
// is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, e := range s.entries {
		if e.schedule == nil {
			continue
		}
		e.id = s.cron.Schedule(e.schedule, cron.FuncJob(func() { s.runScheduled(ctx, e) }))
		if e.runOnStart {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runScheduled(ctx, e)
			}()
		}
	}
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Info().Msg("scheduler stopped")
	}()
	s.logger.Info().Int("jobs", len(s.entries)).Msg("scheduler started")
}

// Wait blocks until the cron runner has stopped and all triggered runs have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runScheduled(ctx context.Context, e *entry) {
	_, err := s.run(ctx, e, "scheduled run", false)
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy):
		s.logger.Info().Str("job", e.name).Msg("scheduled run skipped; task already running")
	default:
		s.logger.Error().Err(err).Str("job", e.name).Msg("scheduled run failed")
	}
}

// RunNow runs the named job synchronously. It returns ErrBusy when the lock is held.
func (s *Scheduler) RunNow(ctx context.Context, name, message string) (*db.TaskExecutionRow, error) {
	return s.RunNowWith(ctx, name, message, Overrides{})
}

// RunNowWith is RunNow with one-shot overrides applied to the job.
func (s *Scheduler) RunNowWith(ctx context.Context, name, message string, o Overrides) (*db.TaskExecutionRow, error) {
	e, err := s.entry(name, o)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, e, message, false)
}

// Trigger acquires the lock and runs the named job in the background. It returns the execution
// row once the lock is held, or ErrBusy.
func (s *Scheduler) Trigger(ctx context.Context, name, message string) (*db.TaskExecutionRow, error) {
	return s.TriggerWith(ctx, name, message, Overrides{})
}

// TriggerWith is Trigger with one-shot overrides applied to the job.
func (s *Scheduler) TriggerWith(ctx context.Context, name, message string, o Overrides) (*db.TaskExecutionRow, error) {
	e, err := s.entry(name, o)
	if err != nil {
		return nil, err
	}
	return s.run(context.WithoutCancel(ctx), e, message, true)
}

// entry returns the registered entry, or a copy carrying the overridden job.
func (s *Scheduler) entry(name string, o Overrides) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if o.empty() {
		return e, nil
	}
	overridable, ok := e.job.(Overridable)
	if !ok {
		return nil, fmt.Errorf("%s does not accept overrides", name)
	}
	return &entry{name: e.name, taskType: e.taskType, job: overridable.WithOverrides(o)}, nil
}

func (s *Scheduler) run(ctx context.Context, e *entry, message string, background bool) (*db.TaskExecutionRow, error) {
	if s.ledger == nil {
		return nil, fmt.Errorf("scheduler ledger is not initialized")
	}

	execution, acquired, err := s.ledger.AcquireLock(ctx, e.taskType, message)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrBusy
	}

	if background {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.execute(ctx, e, execution); err != nil {
				s.logger.Error().Err(err).Str("job", e.name).Int64("execution_id", execution.ID).Msg("triggered run failed")
			}
		}()
		return execution, nil
	}
	return execution, s.execute(ctx, e, execution)
}

func (s *Scheduler) execute(ctx context.Context, e *entry, execution *db.TaskExecutionRow) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s panicked: %v", e.name, recovered)
			s.fail(ctx, execution, err, "panic")
		}
	}()

	progress := func(percent int, message string) {
		if updateErr := s.ledger.UpdateProgress(ctx, execution.ID, percent, 100, message); updateErr != nil {
			s.logger.Warn().Err(updateErr).Int64("execution_id", execution.ID).Msg("failed to update task progress")
		}
	}

	params, err := e.job.Run(ctx, progress)
	if err != nil {
		s.fail(ctx, execution, err, e.name+"_error")
		return err
	}
	if err := s.ledger.Complete(ctx, execution.ID, params); err != nil {
		return fmt.Errorf("complete %s: %w", e.name, err)
	}
	return nil
}

func (s *Scheduler) fail(ctx context.Context, execution *db.TaskExecutionRow, cause error, errorType string) {
	if err := s.ledger.Fail(ctx, execution.ID, tasks.FailParams{Message: cause.Error(), ErrorType: errorType}); err != nil {
		s.logger.Warn().Err(err).Int64("execution_id", execution.ID).Msg("failed to record task failure")
	}
}

type JobStatus struct {
	Name      string     `json:"name"`
	TaskType  string     `json:"task_type"`
	Scheduled bool       `json:"scheduled"`
	NextRun   *time.Time `json:"next_run,omitempty"`
}

type Status struct {
	Running bool        `json:"running"`
	Jobs    []JobStatus `json:"jobs"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{Running: s.started, Jobs: make([]JobStatus, 0, len(s.entries))}
	for name, e := range s.entries {
		job := JobStatus{Name: name, TaskType: e.taskType, Scheduled: e.schedule != nil}
		if e.id != 0 {
			if next := s.cron.Entry(e.id).Next; !next.IsZero() {
				job.NextRun = &next
			}
		}
		status.Jobs = append(status.Jobs, job)
	}
	sort.Slice(status.Jobs, func(i, j int) bool { return status.Jobs[i].Name < status.Jobs[j].Name })
	return status
}

// cronLogger routes cron runner messages through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
