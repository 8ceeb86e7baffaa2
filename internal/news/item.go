package news

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/plaintext"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/schema"
)

// Item is an ingested news item as seen by the dedup pipeline.
type Item struct {
	ID               int64      `json:"id"`
	SourceID         int64      `json:"source_id"`
	Title            string     `json:"title"`
	GeneratedTitle   string     `json:"generated_title,omitempty"`
	Summary          string     `json:"summary"`
	GeneratedSummary string     `json:"generated_summary,omitempty"`
	ArticleSummary   string     `json:"article_summary,omitempty"`
	Category         string     `json:"category,omitempty"`
	Entities         []Entity   `json:"entities,omitempty"`
	IsUsedInDigest   bool       `json:"is_used_in_digest"`
	IsProcessed      bool       `json:"is_processed"`
	PublishDate      *time.Time `json:"publish_date,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// EffectiveTitle prefers the generated title.
func (i Item) EffectiveTitle() string {
	if title := strings.TrimSpace(i.GeneratedTitle); title != "" {
		return title
	}
	return strings.TrimSpace(i.Title)
}

// EffectiveSummary prefers the generated summary, then the feed summary.
func (i Item) EffectiveSummary() string {
	if summary := strings.TrimSpace(i.GeneratedSummary); summary != "" {
		return summary
	}
	return strings.TrimSpace(i.Summary)
}

// PromptSummary is EffectiveSummary with the article summary as a last resort.
func (i Item) PromptSummary() string {
	if summary := i.EffectiveSummary(); summary != "" {
		return summary
	}
	return strings.TrimSpace(i.ArticleSummary)
}

// SourceKey is the string form used in group source lists.
func (i Item) SourceKey() string {
	return strconv.FormatInt(i.SourceID, 10)
}

// FromRow converts a stored row. Summaries carrying markup are flattened to text.
// An invalid entity payload is returned as an error alongside an item without entities.
func FromRow(row db.NewsRow) (Item, error) {
	item := Item{
		ID:               row.ID,
		SourceID:         row.SourceID,
		Title:            row.Title,
		GeneratedTitle:   row.GeneratedTitle,
		Summary:          flattenMarkup(row.Summary),
		GeneratedSummary: flattenMarkup(row.GeneratedSummary),
		ArticleSummary:   flattenMarkup(row.ArticleSummary),
		Category:         row.Category,
		IsUsedInDigest:   row.IsUsedInDigest,
		IsProcessed:      row.IsProcessed,
		PublishDate:      row.PublishDate,
		CreatedAt:        row.CreatedAt,
	}

	payloads, err := schema.ValidateEntities(row.Entities)
	if err != nil {
		return item, fmt.Errorf("news_id=%d entities: %w", row.ID, err)
	}
	if len(payloads) > 0 {
		item.Entities = make([]Entity, 0, len(payloads))
		for _, payload := range payloads {
			item.Entities = append(item.Entities, Entity{Type: payload.Type, Value: payload.Value})
		}
	}
	return item, nil
}

// ItemsFromRows converts rows, keeping items whose entities fail validation without entities.
func ItemsFromRows(rows []db.NewsRow, logger zerolog.Logger) []Item {
	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		item, err := FromRow(row)
		if err != nil {
			logger.Warn().Err(err).Int64("news_id", row.ID).Msg("ignoring invalid entity payload")
		}
		items = append(items, item)
	}
	return items
}

// IndexByID maps items by id.
func IndexByID(items []Item) map[int64]Item {
	out := make(map[int64]Item, len(items))
	for _, item := range items {
		out[item.ID] = item
	}
	return out
}

func flattenMarkup(raw string) string {
	if raw == "" || !plaintext.LooksLikeHTML(raw) {
		return raw
	}
	return plaintext.FromHTML(raw)
}
