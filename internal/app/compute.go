package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/cli"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/scheduler"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/storage"
)

// runCompute runs one event groups job in the foreground under the shared task lock.
func runCompute(command, job string, args []string) int {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	hours := fs.Int("hours", 0, "Window in hours (default from SIMILARITY_WINDOW_HOURS)")
	force := fs.Bool("force", false, "Recompute pairs and memberships already stored in the window")
	sequential := fs.Bool("sequential", false, "Score batches on a single worker")
	timeout := fs.Duration("timeout", 30*time.Minute, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "%s does not accept positional arguments\n", command)
		return 2
	}
	if *hours < 0 {
		fmt.Fprintln(os.Stderr, "--hours must be >= 0")
		return 2
	}

	cfg, logger, pool, err := bootstrap(10*time.Second, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer pool.Close()

	svc, err := newServices(cfg, pool, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to wire services: %v\n", err)
		return 1
	}

	jobs, err := scheduler.LoadJobs(cfg.SchedulerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load scheduler config: %v\n", err)
		return 1
	}
	jobs.EventGroups.WindowHours = cfg.SimilarityWindowHours
	jobs.EventGroups.RetentionDays = cfg.SimilarityRetentionDays

	runner := scheduler.New(svc.tasks, logger)
	if err := scheduler.Register(runner, jobs, svc.similarity, svc.cache, svc.tasks, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to register jobs: %v\n", err)
		return 1
	}
	parallel := !*sequential
	overrides := scheduler.Overrides{Hours: *hours, Force: *force, Parallel: &parallel}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	execution, err := runner.RunNowWith(ctx, job, "manual run via cli: "+command, overrides)
	if err != nil {
		if errors.Is(err, scheduler.ErrBusy) {
			fmt.Fprintln(os.Stderr, "Another event groups computation is running; try again later")
			return 1
		}
		logger.Error().Err(err).Str("command", command).Msg("computation failed")
		fmt.Fprintf(os.Stderr, "Computation failed: %v\n", err)
		return 1
	}

	finished, err := svc.tasks.Get(ctx, execution.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load task execution: %v\n", err)
		return 1
	}
	if err := printJSON(finished); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		return 1
	}
	return 0
}

func runGroups(args []string) int {
	fs := flag.NewFlagSet("groups", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	hours := fs.Int("hours", storage.DefaultGroupHours, "Window in hours")
	categories := fs.String("categories", "", "Comma separated digest categories")
	sourceIDs := fs.String("source-ids", "", "Comma separated source ids")
	includeUsed := fs.Bool("include-used", false, "Keep items already placed in a digest")
	force := fs.Bool("force-refresh", false, "Regenerate instead of reading the cache")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *hours <= 0 {
		fmt.Fprintln(os.Stderr, "--hours must be > 0")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}
	sources, err := parseIDs(*sourceIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --source-ids: %v\n", err)
		return 2
	}

	cfg, logger, pool, err := bootstrap(10*time.Second, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer pool.Close()

	svc, err := newServices(cfg, pool, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to wire services: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := svc.cache.GetOrGenerate(ctx, storage.GroupFilter{
		Hours:       *hours,
		Categories:  splitList(*categories),
		SourceIDs:   sources,
		ExcludeUsed: !*includeUsed,
	}, *force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load event groups: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(result); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(result.Groups))
	for _, group := range result.Groups {
		rows = append(rows, []string{
			group.ID,
			fmt.Sprintf("%d", group.NewsCount),
			strings.Join(group.Sources, ","),
			truncateForTable(group.EventLabel, 40),
			truncateForTable(group.Primary.EffectiveTitle(), 60),
		})
	}
	if err := writeTable([]string{"group", "news", "sources", "label", "primary"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render groups table: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stdout, "\n%d groups, %d news, cached=%t\n", len(result.Groups), result.NewsCount, result.Cached)
	return 0
}

func runCleanup(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	days := fs.Int("days", 0, "Similarity retention in days (default from SIMILARITY_RETENTION_DAYS)")
	cacheDays := fs.Int("cache-days", 3, "Group cache retention in days")
	taskDays := fs.Int("task-days", 0, "Task execution retention in days (default from TASK_RETENTION_DAYS)")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *days < 0 || *cacheDays < 1 || *taskDays < 0 {
		fmt.Fprintln(os.Stderr, "retention flags must be positive")
		return 2
	}

	cfg, logger, pool, err := bootstrap(10*time.Second, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer pool.Close()

	svc, err := newServices(cfg, pool, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to wire services: %v\n", err)
		return 1
	}
	if *days == 0 {
		*days = cfg.SimilarityRetentionDays
	}
	if *taskDays == 0 {
		*taskDays = cfg.TaskRetentionDays
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	similarities, err := svc.similarity.CleanupOld(ctx, *days)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to clean up similarity data: %v\n", err)
		return 1
	}
	cacheRemoved, err := svc.cache.PurgeOlderThan(ctx, *cacheDays)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to purge group cache: %v\n", err)
		return 1
	}
	tasksRemoved, err := svc.tasks.CleanupOld(ctx, *taskDays)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to clean up task executions: %v\n", err)
		return 1
	}

	if err := printJSON(map[string]any{
		"similarity":      similarities,
		"cache_removed":   cacheRemoved,
		"tasks_removed":   tasksRemoved,
		"task_days":       *taskDays,
		"cache_days":      *cacheDays,
		"similarity_days": *days,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		return 1
	}
	return 0
}
