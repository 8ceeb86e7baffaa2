package db

import (
	"context"
	"fmt"
	"time"
)

// DigestRow is the read model for a published digest.
type DigestRow struct {
	ID                 int64      `json:"id"`
	Title              string     `json:"title"`
	Date               time.Time  `json:"date"`
	DuplicateStatus    string     `json:"duplicate_detection_status,omitempty"`
	DuplicateStartedAt *time.Time `json:"duplicate_detection_started_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// DuplicateResultRow is one per-item duplicate detection outcome.
type DuplicateResultRow struct {
	DigestID            int64      `json:"digest_id"`
	NewsID              int64      `json:"news_id"`
	Status              string     `json:"status"`
	DuplicateWithNewsID *int64     `json:"duplicate_with_news_id,omitempty"`
	SimilarityScore     *float64   `json:"similarity_score,omitempty"`
	Reasoning           *string    `json:"llm_reasoning,omitempty"`
	CheckedAt           *time.Time `json:"checked_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

const digestColumns = `
	d.id,
	d.title,
	d.date,
	COALESCE(d.duplicate_detection_status, ''),
	d.duplicate_detection_started_at,
	d.created_at
`

func (p *Pool) GetDigest(ctx context.Context, digestID int64) (*DigestRow, error) {
	q := `SELECT ` + digestColumns + ` FROM digest.digests d WHERE d.id = $1`

	var row DigestRow
	if err := p.QueryRow(ctx, q, digestID).Scan(
		&row.ID,
		&row.Title,
		&row.Date,
		&row.DuplicateStatus,
		&row.DuplicateStartedAt,
		&row.CreatedAt,
	); err != nil {
		if IsNoRows(err) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("query digest %d: %w", digestID, err)
	}
	return &row, nil
}

// ListDigestsCreatedBetween returns digests created in [from, to), newest first.
func (p *Pool) ListDigestsCreatedBetween(ctx context.Context, from, to time.Time) ([]DigestRow, error) {
	q := `SELECT ` + digestColumns + `
FROM digest.digests d
WHERE d.created_at >= $1
  AND d.created_at < $2
ORDER BY d.created_at DESC, d.id DESC`

	rows, err := p.Query(ctx, q, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query digests between: %w", err)
	}
	defer rows.Close()

	items := make([]DigestRow, 0, 8)
	for rows.Next() {
		var row DigestRow
		if err := rows.Scan(
			&row.ID,
			&row.Title,
			&row.Date,
			&row.DuplicateStatus,
			&row.DuplicateStartedAt,
			&row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan digest row: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate digest rows: %w", err)
	}
	return items, nil
}

// ListDigestNewsIDs returns the news ids attached to a digest.
func (p *Pool) ListDigestNewsIDs(ctx context.Context, digestID int64) ([]int64, error) {
	const q = `SELECT news_id FROM digest.digest_news WHERE digest_id = $1 ORDER BY news_id`

	rows, err := p.Query(ctx, q, digestID)
	if err != nil {
		return nil, fmt.Errorf("query digest news: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, 32)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan digest news id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate digest news: %w", err)
	}
	return ids, nil
}

// SetDigestDuplicateStatus records the digest-level detection status. startedAt is only written when non-nil.
func (p *Pool) SetDigestDuplicateStatus(ctx context.Context, digestID int64, status string, startedAt *time.Time) error {
	const q = `
UPDATE digest.digests
SET duplicate_detection_status = $2,
	duplicate_detection_started_at = COALESCE($3, duplicate_detection_started_at),
	updated_at = now()
WHERE id = $1
`

	tag, err := p.Exec(ctx, q, digestID, status, startedAt)
	if err != nil {
		return fmt.Errorf("update digest duplicate status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

// MarkDuplicateChecking creates the per-item row in checking state. An existing row is reset
// unless it already holds a final verdict (duplicate or no_duplicate) and reset is false. It
// reports whether the row is now checking.
func (p *Pool) MarkDuplicateChecking(ctx context.Context, digestID, newsID int64, reset bool) (bool, error) {
	const q = `
INSERT INTO digest.duplicate_detection_results AS r (digest_id, news_id, status, created_at, updated_at)
VALUES ($1, $2, 'checking', now(), now())
ON CONFLICT (digest_id, news_id)
DO UPDATE SET
	status = 'checking',
	duplicate_with_news_id = NULL,
	similarity_score = NULL,
	llm_reasoning = NULL,
	checked_at = NULL,
	updated_at = now()
WHERE $3 OR r.status NOT IN ('duplicate', 'no_duplicate')
RETURNING r.news_id
`

	var marked int64
	if err := p.QueryRow(ctx, q, digestID, newsID, reset).Scan(&marked); err != nil {
		if IsNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("mark duplicate checking: %w", err)
	}
	return true, nil
}

// FinishDuplicateResult writes a terminal per-item status.
func (p *Pool) FinishDuplicateResult(ctx context.Context, row DuplicateResultRow) error {
	const q = `
UPDATE digest.duplicate_detection_results
SET status = $3,
	duplicate_with_news_id = $4,
	similarity_score = $5,
	llm_reasoning = $6,
	checked_at = $7,
	updated_at = now()
WHERE digest_id = $1
  AND news_id = $2
`

	if _, err := p.Exec(
		ctx,
		q,
		row.DigestID,
		row.NewsID,
		row.Status,
		row.DuplicateWithNewsID,
		row.SimilarityScore,
		row.Reasoning,
		row.CheckedAt,
	); err != nil {
		return fmt.Errorf("finish duplicate result: %w", err)
	}
	return nil
}

func (p *Pool) ListDuplicateResults(ctx context.Context, digestID int64) ([]DuplicateResultRow, error) {
	const q = `
SELECT
	digest_id,
	news_id,
	status,
	duplicate_with_news_id,
	similarity_score,
	llm_reasoning,
	checked_at,
	updated_at
FROM digest.duplicate_detection_results
WHERE digest_id = $1
ORDER BY news_id
`

	rows, err := p.Query(ctx, q, digestID)
	if err != nil {
		return nil, fmt.Errorf("query duplicate results: %w", err)
	}
	defer rows.Close()

	items := make([]DuplicateResultRow, 0, 32)
	for rows.Next() {
		var row DuplicateResultRow
		if err := rows.Scan(
			&row.DigestID,
			&row.NewsID,
			&row.Status,
			&row.DuplicateWithNewsID,
			&row.SimilarityScore,
			&row.Reasoning,
			&row.CheckedAt,
			&row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan duplicate result: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duplicate results: %w", err)
	}
	return items, nil
}

func (p *Pool) DeleteDuplicateResults(ctx context.Context, digestID int64) (int64, error) {
	tag, err := p.Exec(ctx, `DELETE FROM digest.duplicate_detection_results WHERE digest_id = $1`, digestID)
	if err != nil {
		return 0, fmt.Errorf("delete duplicate results: %w", err)
	}
	return tag.RowsAffected(), nil
}
