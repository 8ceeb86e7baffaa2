package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/cli"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/config"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/duplicate"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/estimator"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/llm"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/logging"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/similarity"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/storage"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/tasks"
)

const (
	outputFormatTable = "table"
	outputFormatJSON  = "json"
)

// services is the wired object graph shared by every command.
type services struct {
	cfg    *config.Config
	pool   *db.Pool
	logger zerolog.Logger

	similarity *storage.Service
	cache      *storage.GroupCache
	tasks      *tasks.Service
	timer      *estimator.Timer
	detector   *duplicate.Detector
	duplicates *duplicate.Runner
}

// bootstrap loads env and config, builds the logger and connects to the database.
func bootstrap(connectTimeout time.Duration, envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, *db.Pool, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return nil, logger, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return cfg, logger, pool, nil
}

func newServices(cfg *config.Config, pool *db.Pool, logger zerolog.Logger) (*services, error) {
	var embedder similarity.Embedder
	if cfg.EmbeddingEnabled {
		embedder = similarity.NewEmbedder(similarity.EmbedderOptions{
			Endpoint:       cfg.EmbeddingEndpoint,
			ModelName:      cfg.EmbeddingModel,
			APIKey:         cfg.OpenAIAPIKey,
			RequestTimeout: cfg.EmbeddingTimeout,
		})
	}
	semanticCache := similarity.NewSemanticCache(cfg.SemanticCacheSize)
	newScorer := func() *similarity.Scorer {
		return similarity.NewScorer(similarity.ScorerOptions{
			Embedder: embedder,
			Cache:    semanticCache,
		}, logger.With().Str("component", "similarity").Logger())
	}
	scorer := newScorer()

	similarityService := storage.NewService(pool, scorer, storage.Options{
		Workers:   cfg.SimilarityWorkers,
		BatchSize: cfg.SimilarityBatchSize,
		NewScorer: newScorer,
	}, logger.With().Str("component", "storage").Logger())
	cache := storage.NewGroupCache(pool, similarityService, cfg.GroupCacheTTL, logger.With().Str("component", "group_cache").Logger())
	taskService := tasks.NewService(pool, logger.With().Str("component", "tasks").Logger())
	timer := estimator.NewTimer(0, logger.With().Str("component", "estimator").Logger())

	registry, err := llm.NewRegistryFromOptions(llm.Options{
		DefaultProvider: cfg.DuplicateProvider,
		DefaultModel:    cfg.DuplicateModel,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		OpenAIBaseURL:   cfg.OpenAIBaseURL,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		Timeout:         cfg.DuplicateCallTimeout,
	})
	if err != nil {
		return nil, err
	}
	provider, err := registry.Provider("")
	if err != nil {
		logger.Warn().Err(err).Msg("no llm provider configured; duplicate detection is unavailable")
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	detector := duplicate.NewDetector(pool, provider, scorer, timer, duplicate.Config{
		PrefilterEnabled:   cfg.DuplicatePrefilterEnabled,
		PrefilterThreshold: cfg.DuplicatePrefilterThreshold,
		ReferenceDays:      cfg.DuplicateReferenceDays,
		CallTimeout:        cfg.DuplicateCallTimeout,
		CallsPerSecond:     cfg.DuplicateCallsPerSecond,
		Location:           loc,
		Model:              cfg.DuplicateModel,
	}, logger.With().Str("component", "duplicate").Logger())
	runner := duplicate.NewRunner(detector, pool, taskService, timer, logger.With().Str("component", "duplicate_runner").Logger())

	return &services{
		cfg:        cfg,
		pool:       pool,
		logger:     logger,
		similarity: similarityService,
		cache:      cache,
		tasks:      taskService,
		timer:      timer,
		detector:   detector,
		duplicates: runner,
	}, nil
}

func parseOutputFormat(raw, defaultFormat string) (string, error) {
	format := strings.TrimSpace(strings.ToLower(raw))
	if format == "" {
		format = strings.TrimSpace(strings.ToLower(defaultFormat))
	}
	switch format {
	case outputFormatTable, outputFormatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("--format must be table or json")
	}
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		id, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", trimmed)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func truncateForTable(value string, maxLen int) string {
	trimmed := strings.TrimSpace(value)
	if maxLen <= 0 || utf8.RuneCountInString(trimmed) <= maxLen {
		return trimmed
	}
	runes := []rune(trimmed)
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

func pointerStringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

func formatTimestampPtr(value *time.Time) string {
	if value == nil || value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func writeTable(headers []string, rows [][]string) error {
	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	if _, err := fmt.Fprintln(writer, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(writer, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return writer.Flush()
}
