package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/cli"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/duplicate"
)

func parseDigestFlag(raw int64) error {
	if raw <= 0 {
		return fmt.Errorf("--digest is required")
	}
	return nil
}

func runDetectDuplicates(args []string) int {
	fs := flag.NewFlagSet("detect-duplicates", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	digestID := fs.Int64("digest", 0, "Digest id to check")
	newsIDs := fs.String("news-ids", "", "Comma separated news ids (default: the digest's items)")
	retrigger := fs.Bool("retrigger", false, "Clear previous results before running")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	timeout := fs.Duration("timeout", time.Hour, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if err := parseDigestFlag(*digestID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	ids, err := parseIDs(*newsIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --news-ids: %v\n", err)
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
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

	if *retrigger {
		if _, err := svc.duplicates.Clear(ctx, *digestID); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to clear previous results: %v\n", err)
			return 1
		}
	}
	if err := svc.duplicates.Run(ctx, *digestID, ids); err != nil {
		logger.Error().Err(err).Int64("digest_id", *digestID).Msg("duplicate detection failed")
		fmt.Fprintf(os.Stderr, "Duplicate detection failed: %v\n", err)
		return 1
	}

	report, err := svc.duplicates.Status(ctx, *digestID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load detection results: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(map[string]any{
			"report":     report,
			"statistics": svc.detector.Statistics(),
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	newsKeys := make([]int64, 0, len(report.Items))
	for id := range report.Items {
		newsKeys = append(newsKeys, id)
	}
	sort.Slice(newsKeys, func(i, j int) bool { return newsKeys[i] < newsKeys[j] })

	rows := make([][]string, 0, len(newsKeys))
	for _, id := range newsKeys {
		item := report.Items[id]
		matched, score := "", ""
		if item.DuplicateWithNewsID != nil {
			matched = strconv.FormatInt(*item.DuplicateWithNewsID, 10)
		}
		if item.SimilarityScore != nil {
			score = strconv.FormatFloat(*item.SimilarityScore, 'f', 2, 64)
		}
		rows = append(rows, []string{
			strconv.FormatInt(id, 10),
			item.Status,
			matched,
			score,
			truncateForTable(pointerStringOrEmpty(item.Reasoning), 60),
		})
	}
	if err := writeTable([]string{"news", "status", "duplicate_of", "score", "reason"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render results table: %v\n", err)
		return 1
	}

	stats := svc.detector.Statistics()
	fmt.Fprintf(os.Stdout, "\ndigest %d %s: %d comparisons, %d prefiltered (%.1f%%), %d deep calls, %d duplicates\n",
		report.DigestID, report.Status, stats.TotalComparisons, stats.PrefilterSkipped, stats.SkipRate, stats.LLMCalls, stats.DuplicatesFound)
	return 0
}

func runEstimate(args []string) int {
	fs := flag.NewFlagSet("estimate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	digestID := fs.Int64("digest", 0, "Digest id to estimate")
	newsIDs := fs.String("news-ids", "", "Comma separated news ids (default: the digest's items)")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if err := parseDigestFlag(*digestID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	ids, err := parseIDs(*newsIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --news-ids: %v\n", err)
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

	estimate, err := svc.duplicates.Estimate(ctx, *digestID, ids)
	if err != nil {
		if errors.Is(err, duplicate.ErrDigestNotFound) {
			fmt.Fprintf(os.Stderr, "Digest %d not found\n", *digestID)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Failed to estimate: %v\n", err)
		return 1
	}
	if err := printJSON(estimate); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		return 1
	}
	return 0
}
