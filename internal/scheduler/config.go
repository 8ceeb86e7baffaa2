package scheduler

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	MinEventGroupsInterval = time.Hour
	MaxEventGroupsInterval = 24 * time.Hour
)

// DefaultCategories are the digest categories warmed in the group cache.
var DefaultCategories = []string{
	"金融业网络安全事件",
	"重大网络安全事件",
	"重大数据泄露事件",
	"重大漏洞风险提示",
	"其他",
}

type EventGroupsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	WindowHours   int           `yaml:"window_hours"`
	RetentionDays int           `yaml:"retention_days"`
	Parallel      bool          `yaml:"parallel"`
	RunOnStart    bool          `yaml:"run_on_start"`
}

func (c EventGroupsConfig) withOverrides(o Overrides) EventGroupsConfig {
	if o.Hours > 0 {
		c.WindowHours = o.Hours
	}
	if o.Parallel != nil {
		c.Parallel = *o.Parallel
	}
	return c
}

type CacheCleanupConfig struct {
	Enabled   bool   `yaml:"enabled"`
	At        string `yaml:"at"`
	PurgeDays int    `yaml:"purge_days"`
}

type TaskCleanupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	At            string `yaml:"at"`
	RetentionDays int    `yaml:"retention_days"`
}

// FilterSet is one group cache filter warmed after each recompute.
type FilterSet struct {
	Hours       int      `yaml:"hours"`
	ExcludeUsed bool     `yaml:"exclude_used"`
	Categories  []string `yaml:"categories"`
}

// Jobs is the scheduler configuration file.
type Jobs struct {
	Timezone     string             `yaml:"timezone"`
	EventGroups  EventGroupsConfig  `yaml:"event_groups"`
	CacheCleanup CacheCleanupConfig `yaml:"cache_cleanup"`
	TaskCleanup  TaskCleanupConfig  `yaml:"task_cleanup"`
	Precompute   []FilterSet        `yaml:"precompute"`
}

func DefaultJobs() Jobs {
	return Jobs{
		Timezone: "Asia/Shanghai",
		EventGroups: EventGroupsConfig{
			Enabled:       true,
			Interval:      time.Hour,
			WindowHours:   48,
			RetentionDays: 7,
			Parallel:      true,
		},
		CacheCleanup: CacheCleanupConfig{
			Enabled:   true,
			At:        "02:00",
			PurgeDays: 3,
		},
		TaskCleanup: TaskCleanupConfig{
			Enabled:       true,
			At:            "03:00",
			RetentionDays: 30,
		},
		Precompute: []FilterSet{
			{Hours: 24, ExcludeUsed: true},
			{Hours: 48, ExcludeUsed: true},
			{Hours: 24, ExcludeUsed: false},
		},
	}
}

// LoadJobs reads a YAML jobs file over the defaults. An empty path returns the defaults.
func LoadJobs(path string) (Jobs, error) {
	jobs := DefaultJobs()
	if strings.TrimSpace(path) == "" {
		return jobs, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Jobs{}, fmt.Errorf("read scheduler config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &jobs); err != nil {
		return Jobs{}, fmt.Errorf("parse scheduler config %s: %w", path, err)
	}
	if err := jobs.Validate(); err != nil {
		return Jobs{}, err
	}
	return jobs, nil
}

func (j Jobs) Validate() error {
	if j.EventGroups.Interval < MinEventGroupsInterval || j.EventGroups.Interval > MaxEventGroupsInterval {
		return fmt.Errorf("event_groups.interval must be between %s and %s", MinEventGroupsInterval, MaxEventGroupsInterval)
	}
	if j.EventGroups.WindowHours < 1 {
		return fmt.Errorf("event_groups.window_hours must be >= 1")
	}
	if j.EventGroups.RetentionDays < 1 {
		return fmt.Errorf("event_groups.retention_days must be >= 1")
	}
	if _, _, err := parseClock(j.CacheCleanup.At); err != nil {
		return fmt.Errorf("cache_cleanup.at: %w", err)
	}
	if j.CacheCleanup.PurgeDays < 1 {
		return fmt.Errorf("cache_cleanup.purge_days must be >= 1")
	}
	if _, _, err := parseClock(j.TaskCleanup.At); err != nil {
		return fmt.Errorf("task_cleanup.at: %w", err)
	}
	if j.TaskCleanup.RetentionDays < 1 {
		return fmt.Errorf("task_cleanup.retention_days must be >= 1")
	}
	for i, set := range j.Precompute {
		if set.Hours < 1 {
			return fmt.Errorf("precompute[%d].hours must be >= 1", i)
		}
	}
	if _, err := j.Location(); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	return nil
}

func (j Jobs) Location() (*time.Location, error) {
	if strings.TrimSpace(j.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(j.Timezone)
}

func parseClock(value string) (int, int, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	return parsed.Hour(), parsed.Minute(), nil
}
