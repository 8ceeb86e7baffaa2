package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/cli"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/tasks"
)

func runTasks(args []string) int {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	taskType := fs.String("type", "", "Filter by task type")
	status := fs.String("status", "", "Filter by status: running, success or error")
	limit := fs.Int("limit", tasks.DefaultListLimit, "Maximum rows")
	stats := fs.Bool("stats", false, "Print aggregate statistics instead of rows")
	days := fs.Int("days", 7, "Statistics period in days")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit <= 0 || *limit > tasks.MaxListLimit {
		fmt.Fprintf(os.Stderr, "--limit must be between 1 and %d\n", tasks.MaxListLimit)
		return 2
	}
	normalizedStatus := strings.TrimSpace(strings.ToLower(*status))
	switch normalizedStatus {
	case "", tasks.StatusRunning, tasks.StatusSuccess, tasks.StatusError:
	default:
		fmt.Fprintln(os.Stderr, "--status must be running, success or error")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	_, logger, pool, err := bootstrap(10*time.Second, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer pool.Close()

	ledger := tasks.NewService(pool, logger.With().Str("component", "tasks").Logger())

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *stats {
		summary, err := ledger.Statistics(ctx, *days)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load task statistics: %v\n", err)
			return 1
		}
		if err := printJSON(summary); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	result, err := ledger.List(ctx, tasks.ListFilter{
		TaskType: strings.TrimSpace(*taskType),
		Status:   normalizedStatus,
		Limit:    *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list task executions: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(result); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(result.Items))
	for _, row := range result.Items {
		progress := ""
		if row.ProgressPercentage != nil {
			progress = strconv.Itoa(*row.ProgressPercentage) + "%"
		}
		duration := ""
		if row.DurationSeconds != nil {
			duration = (time.Duration(*row.DurationSeconds) * time.Second).String()
		}
		rows = append(rows, []string{
			strconv.FormatInt(row.ID, 10),
			row.TaskType,
			row.Status,
			row.StartTime.UTC().Format(time.RFC3339),
			formatTimestampPtr(row.EndTime),
			duration,
			progress,
			truncateForTable(pointerStringOrEmpty(row.Message), 50),
		})
	}
	if err := writeTable([]string{"id", "type", "status", "started", "ended", "duration", "progress", "message"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render tasks table: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stdout, "\nshowing %d of %d executions\n", len(result.Items), result.Total)
	return 0
}

func runForceComplete(args []string) int {
	fs := flag.NewFlagSet("force-complete", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	reason := fs.String("reason", "manual intervention", "Reason recorded on each terminated task")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if strings.TrimSpace(*reason) == "" {
		fmt.Fprintln(os.Stderr, "--reason must not be empty")
		return 2
	}

	_, logger, pool, err := bootstrap(10*time.Second, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	ledger := tasks.NewService(pool, logger.With().Str("component", "tasks").Logger())
	count, err := ledger.ForceCompleteRunning(ctx, strings.TrimSpace(*reason))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to force complete tasks: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stdout, "Force completed %d running tasks\n", count)
	return 0
}
