package db

import (
	"encoding/json"
	"time"
)

// NewsItem maps digest.news_items. Ingestion owns the rows; this service only reads them.
type NewsItem struct {
	ID               int64           `gorm:"column:id;primaryKey;autoIncrement"`
	SourceID         *int64          `gorm:"column:source_id;type:bigint"`
	Title            string          `gorm:"column:title;type:varchar(500);not null"`
	Summary          string          `gorm:"column:summary;type:text;not null;default:''"`
	GeneratedTitle   *string         `gorm:"column:generated_title;type:varchar(500)"`
	GeneratedSummary *string         `gorm:"column:generated_summary;type:text"`
	ArticleSummary   *string         `gorm:"column:article_summary;type:text"`
	Category         *string         `gorm:"column:category;type:text"`
	Entities         json.RawMessage `gorm:"column:entities;type:jsonb"`
	IsUsedInDigest   bool            `gorm:"column:is_used_in_digest;type:boolean;not null;default:false"`
	IsProcessed      bool            `gorm:"column:is_processed;type:boolean;not null;default:false"`
	PublishDate      *time.Time      `gorm:"column:publish_date;type:timestamptz"`
	CreatedAt        time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (NewsItem) TableName() string { return "digest.news_items" }

// Digest maps digest.digests.
type Digest struct {
	ID                          int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Title                       string     `gorm:"column:title;type:varchar(200);not null"`
	Date                        time.Time  `gorm:"column:date;type:timestamptz;not null"`
	DuplicateDetectionStatus    *string    `gorm:"column:duplicate_detection_status;type:varchar(20)"`
	DuplicateDetectionStartedAt *time.Time `gorm:"column:duplicate_detection_started_at;type:timestamptz"`
	CreatedAt                   time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt                   time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Digest) TableName() string { return "digest.digests" }

// DigestNews maps digest.digest_news.
type DigestNews struct {
	DigestID int64 `gorm:"column:digest_id;primaryKey"`
	NewsID   int64 `gorm:"column:news_id;primaryKey"`
}

func (DigestNews) TableName() string { return "digest.digest_news" }

// NewsSimilarity maps digest.news_similarity.
type NewsSimilarity struct {
	ID                 int64     `gorm:"column:id;primaryKey;autoIncrement"`
	NewsID1            int64     `gorm:"column:news_id_1;type:bigint;not null"`
	NewsID2            int64     `gorm:"column:news_id_2;type:bigint;not null"`
	SimilarityScore    float64   `gorm:"column:similarity_score;type:double precision;not null"`
	EntitySimilarity   float64   `gorm:"column:entity_similarity;type:double precision;not null;default:0"`
	TextSimilarity     float64   `gorm:"column:text_similarity;type:double precision;not null;default:0"`
	IsSameEvent        bool      `gorm:"column:is_same_event;type:boolean;not null;default:false"`
	CalculationVersion string    `gorm:"column:calculation_version;type:varchar(20);not null;default:'v1.0'"`
	CreatedAt          time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt          time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (NewsSimilarity) TableName() string { return "digest.news_similarity" }

// NewsEventGroup maps digest.news_event_groups.
type NewsEventGroup struct {
	ID                  int64           `gorm:"column:id;primaryKey;autoIncrement"`
	GroupID             string          `gorm:"column:group_id;type:varchar(80);not null;unique"`
	EventLabel          string          `gorm:"column:event_label;type:varchar(500);not null"`
	PrimaryNewsID       int64           `gorm:"column:primary_news_id;type:bigint;not null"`
	NewsCount           int             `gorm:"column:news_count;type:integer;not null;default:1"`
	SourcesCount        int             `gorm:"column:sources_count;type:integer;not null;default:1"`
	KeyEntities         json.RawMessage `gorm:"column:key_entities;type:jsonb"`
	SimilarityThreshold float64         `gorm:"column:similarity_threshold;type:double precision;not null;default:0.75"`
	CalculationVersion  string          `gorm:"column:calculation_version;type:varchar(20);not null;default:'v1.0'"`
	EarliestNewsTime    *time.Time      `gorm:"column:earliest_news_time;type:timestamptz"`
	LatestNewsTime      *time.Time      `gorm:"column:latest_news_time;type:timestamptz"`
	CreatedAt           time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt           time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (NewsEventGroup) TableName() string { return "digest.news_event_groups" }

// NewsGroupMembership maps digest.news_group_membership.
type NewsGroupMembership struct {
	ID                  int64     `gorm:"column:id;primaryKey;autoIncrement"`
	GroupID             string    `gorm:"column:group_id;type:varchar(80);not null"`
	NewsID              int64     `gorm:"column:news_id;type:bigint;not null"`
	IsPrimary           bool      `gorm:"column:is_primary;type:boolean;not null;default:false"`
	SimilarityToPrimary float64   `gorm:"column:similarity_to_primary;type:double precision;not null;default:0"`
	CreatedAt           time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (NewsGroupMembership) TableName() string { return "digest.news_group_membership" }

// EventGroupCache maps digest.event_group_cache.
type EventGroupCache struct {
	CacheKey    string          `gorm:"column:cache_key;type:varchar(64);primaryKey"`
	Params      json.RawMessage `gorm:"column:params;type:jsonb;not null"`
	Groups      json.RawMessage `gorm:"column:groups;type:jsonb;not null"`
	NewsCount   int             `gorm:"column:news_count;type:integer;not null;default:0"`
	GroupsCount int             `gorm:"column:groups_count;type:integer;not null;default:0"`
	ExpiresAt   time.Time       `gorm:"column:expires_at;type:timestamptz;not null"`
	CreatedAt   time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (EventGroupCache) TableName() string { return "digest.event_group_cache" }

// DuplicateDetectionResult maps digest.duplicate_detection_results.
type DuplicateDetectionResult struct {
	ID                  int64      `gorm:"column:id;primaryKey;autoIncrement"`
	DigestID            int64      `gorm:"column:digest_id;type:bigint;not null"`
	NewsID              int64      `gorm:"column:news_id;type:bigint;not null"`
	Status              string     `gorm:"column:status;type:varchar(20);not null;default:'checking'"`
	DuplicateWithNewsID *int64     `gorm:"column:duplicate_with_news_id;type:bigint"`
	SimilarityScore     *float64   `gorm:"column:similarity_score;type:double precision"`
	LLMReasoning        *string    `gorm:"column:llm_reasoning;type:text"`
	CheckedAt           *time.Time `gorm:"column:checked_at;type:timestamptz"`
	CreatedAt           time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (DuplicateDetectionResult) TableName() string { return "digest.duplicate_detection_results" }

// TaskExecution maps digest.task_executions.
type TaskExecution struct {
	ID                 int64           `gorm:"column:id;primaryKey;autoIncrement"`
	TaskType           string          `gorm:"column:task_type;type:varchar(100);not null;index"`
	TaskID             *string         `gorm:"column:task_id;type:varchar(200);index"`
	Status             string          `gorm:"column:status;type:varchar(50);not null;index"`
	Message            *string         `gorm:"column:message;type:text"`
	Details            json.RawMessage `gorm:"column:details;type:jsonb"`
	StartTime          time.Time       `gorm:"column:start_time;type:timestamptz;not null"`
	EndTime            *time.Time      `gorm:"column:end_time;type:timestamptz"`
	DurationSeconds    *int            `gorm:"column:duration_seconds;type:integer"`
	ProgressCurrent    *int            `gorm:"column:progress_current;type:integer"`
	ProgressTotal      *int            `gorm:"column:progress_total;type:integer"`
	ProgressPercentage *int            `gorm:"column:progress_percentage;type:integer"`
	ItemsProcessed     *int            `gorm:"column:items_processed;type:integer"`
	ItemsSuccess       *int            `gorm:"column:items_success;type:integer"`
	ItemsFailed        *int            `gorm:"column:items_failed;type:integer"`
	Hostname           *string         `gorm:"column:hostname;type:varchar(100)"`
	ProcessID          *int            `gorm:"column:process_id;type:integer"`
	ErrorType          *string         `gorm:"column:error_type;type:varchar(200)"`
	ErrorMessage       *string         `gorm:"column:error_message;type:text"`
	StackTrace         *string         `gorm:"column:stack_trace;type:text"`
	CreatedAt          time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt          time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (TaskExecution) TableName() string { return "digest.task_executions" }

func autoMigrateModels() []any {
	return []any{
		&NewsItem{},
		&Digest{},
		&DigestNews{},
		&NewsSimilarity{},
		&NewsEventGroup{},
		&NewsGroupMembership{},
		&EventGroupCache{},
		&DuplicateDetectionResult{},
		&TaskExecution{},
	}
}
