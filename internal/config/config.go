package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"8"`

	SimilarityWindowHours   int `envconfig:"SIMILARITY_WINDOW_HOURS" default:"48"`
	SimilarityRetentionDays int `envconfig:"SIMILARITY_RETENTION_DAYS" default:"7"`
	SimilarityWorkers       int `envconfig:"SIMILARITY_WORKERS" default:"0"`
	SimilarityBatchSize     int `envconfig:"SIMILARITY_BATCH_SIZE" default:"100"`

	EmbeddingEndpoint string        `envconfig:"EMBEDDING_ENDPOINT" default:"http://127.0.0.1:8844/embed"`
	EmbeddingModel    string        `envconfig:"EMBEDDING_MODEL" default:"BAAI/bge-base-zh-v1.5"`
	EmbeddingEnabled  bool          `envconfig:"EMBEDDING_ENABLED" default:"true"`
	EmbeddingTimeout  time.Duration `envconfig:"EMBEDDING_TIMEOUT" default:"15s"`
	SemanticCacheSize int           `envconfig:"SEMANTIC_CACHE_SIZE" default:"1000"`

	GroupCacheTTL time.Duration `envconfig:"GROUP_CACHE_TTL" default:"1h"`

	DuplicateProvider           string        `envconfig:"DUPLICATE_PROVIDER" default:"openai"`
	DuplicateModel              string        `envconfig:"DUPLICATE_MODEL" default:"ark-deepseek-r1-250528"`
	DuplicatePrefilterEnabled   bool          `envconfig:"DUPLICATE_PREFILTER_ENABLED" default:"true"`
	DuplicatePrefilterThreshold float64       `envconfig:"DUPLICATE_PREFILTER_THRESHOLD" default:"0.35"`
	DuplicateReferenceDays      int           `envconfig:"DUPLICATE_REFERENCE_DAYS" default:"3"`
	DuplicateCallTimeout        time.Duration `envconfig:"DUPLICATE_CALL_TIMEOUT" default:"60s"`
	DuplicateCallsPerSecond     float64       `envconfig:"DUPLICATE_CALLS_PER_SECOND" default:"2"`
	DuplicateTimezone           string        `envconfig:"DUPLICATE_TIMEZONE" default:"Asia/Shanghai"`

	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `envconfig:"OPENAI_BASE_URL"`
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`

	TaskRetentionDays int    `envconfig:"TASK_RETENTION_DAYS" default:"30"`
	SchedulerConfig   string `envconfig:"SCHEDULER_CONFIG" default:""`

	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.SimilarityWindowHours < 1 {
		return fmt.Errorf("SIMILARITY_WINDOW_HOURS must be >= 1")
	}
	if c.SimilarityRetentionDays < 1 {
		return fmt.Errorf("SIMILARITY_RETENTION_DAYS must be >= 1")
	}
	if c.SimilarityWorkers < 0 {
		return fmt.Errorf("SIMILARITY_WORKERS must be >= 0")
	}
	if c.SimilarityBatchSize < 1 {
		return fmt.Errorf("SIMILARITY_BATCH_SIZE must be >= 1")
	}
	if c.SemanticCacheSize < 0 {
		return fmt.Errorf("SEMANTIC_CACHE_SIZE must be >= 0")
	}
	if c.GroupCacheTTL <= 0 {
		return fmt.Errorf("GROUP_CACHE_TTL must be > 0")
	}
	if c.DuplicatePrefilterThreshold < 0 || c.DuplicatePrefilterThreshold > 1 {
		return fmt.Errorf("DUPLICATE_PREFILTER_THRESHOLD must be within [0,1]")
	}
	if c.DuplicateReferenceDays < 1 {
		return fmt.Errorf("DUPLICATE_REFERENCE_DAYS must be >= 1")
	}
	if c.DuplicateCallsPerSecond < 0 {
		return fmt.Errorf("DUPLICATE_CALLS_PER_SECOND must be >= 0")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("DUPLICATE_TIMEZONE: %w", err)
	}
	if c.TaskRetentionDays < 1 {
		return fmt.Errorf("TASK_RETENTION_DAYS must be >= 1")
	}
	return nil
}

// Location resolves the calendar timezone used to bucket digests by day.
func (c *Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.DuplicateTimezone)
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
