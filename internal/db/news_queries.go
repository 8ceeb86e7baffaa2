package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// NewsRow is the read model for one ingested news item.
type NewsRow struct {
	ID               int64           `json:"id"`
	SourceID         int64           `json:"source_id"`
	Title            string          `json:"title"`
	Summary          string          `json:"summary"`
	GeneratedTitle   string          `json:"generated_title,omitempty"`
	GeneratedSummary string          `json:"generated_summary,omitempty"`
	ArticleSummary   string          `json:"article_summary,omitempty"`
	Category         string          `json:"category,omitempty"`
	Entities         json.RawMessage `json:"entities,omitempty"`
	IsUsedInDigest   bool            `json:"is_used_in_digest"`
	IsProcessed      bool            `json:"is_processed"`
	PublishDate      *time.Time      `json:"publish_date,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// NewsFilter narrows processed news by window and attributes.
type NewsFilter struct {
	Since       time.Time
	Categories  []string
	SourceIDs   []int64
	ExcludeUsed bool
	OnlyUsed    bool
}

var newsColumns = []string{
	"n.id",
	"COALESCE(n.source_id, 0)",
	"n.title",
	"n.summary",
	"COALESCE(n.generated_title, '')",
	"COALESCE(n.generated_summary, '')",
	"COALESCE(n.article_summary, '')",
	"COALESCE(n.category, '')",
	"n.entities",
	"n.is_used_in_digest",
	"n.is_processed",
	"n.publish_date",
	"n.created_at",
}

// ListProcessedNewsSince returns processed items created at or after since, newest first.
func (p *Pool) ListProcessedNewsSince(ctx context.Context, since time.Time) ([]NewsRow, error) {
	return p.ListFilteredNews(ctx, NewsFilter{Since: since})
}

// ListFilteredNews returns processed items matching the filter, newest first.
func (p *Pool) ListFilteredNews(ctx context.Context, filter NewsFilter) ([]NewsRow, error) {
	query := psql.Select(newsColumns...).
		From("digest.news_items n").
		Where(sq.Eq{"n.is_processed": true}).
		Where(sq.GtOrEq{"n.created_at": filter.Since.UTC()}).
		OrderBy("n.created_at DESC", "n.id DESC")

	if len(filter.Categories) > 0 {
		query = query.Where(sq.Eq{"n.category": filter.Categories})
	}
	if len(filter.SourceIDs) > 0 {
		query = query.Where(sq.Eq{"n.source_id": filter.SourceIDs})
	}
	if filter.ExcludeUsed {
		query = query.Where(sq.Eq{"n.is_used_in_digest": false})
	}
	if filter.OnlyUsed {
		query = query.Where(sq.Eq{"n.is_used_in_digest": true})
	}

	q, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build filtered news query: %w", err)
	}

	rows, err := p.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query filtered news: %w", err)
	}
	defer rows.Close()

	return scanNewsRows(rows, 128)
}

// ListNewsByIDs returns the requested items in id order. Missing ids are skipped.
func (p *Pool) ListNewsByIDs(ctx context.Context, ids []int64) ([]NewsRow, error) {
	if len(ids) == 0 {
		return []NewsRow{}, nil
	}

	q, args, err := psql.Select(newsColumns...).
		From("digest.news_items n").
		Where(sq.Eq{"n.id": ids}).
		OrderBy("n.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build news by ids query: %w", err)
	}

	rows, err := p.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query news by ids: %w", err)
	}
	defer rows.Close()

	return scanNewsRows(rows, len(ids))
}

func scanNewsRows(rows *sql.Rows, capacity int) ([]NewsRow, error) {
	items := make([]NewsRow, 0, capacity)
	for rows.Next() {
		var (
			row      NewsRow
			entities []byte
		)
		if err := rows.Scan(
			&row.ID,
			&row.SourceID,
			&row.Title,
			&row.Summary,
			&row.GeneratedTitle,
			&row.GeneratedSummary,
			&row.ArticleSummary,
			&row.Category,
			&entities,
			&row.IsUsedInDigest,
			&row.IsProcessed,
			&row.PublishDate,
			&row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan news row: %w", err)
		}
		if len(entities) > 0 {
			row.Entities = append(json.RawMessage(nil), entities...)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate news rows: %w", err)
	}
	return items, nil
}
