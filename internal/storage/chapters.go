package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"mangasync/internal/ingest"
	"mangasync/pkg/models"
)

type chapterTx struct {
	tx pgx.Tx
}

var _ ingest.Tx = chapterTx{}

func (c chapterTx) UpsertChapter(ctx context.Context, seriesID string, number decimal.Decimal, title string) (string, bool, error) {
	var (
		id       string
		inserted bool
	)
	err := c.tx.QueryRow(ctx, `
		INSERT INTO logical_chapters (id, series_id, chapter_number, title)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (series_id, chapter_number) DO UPDATE SET
			title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE logical_chapters.title END,
			deleted_at = NULL,
			updated_at = now()
		RETURNING id, (xmax = 0)
	`, uuid.NewString(), seriesID, number.String(), title).Scan(&id, &inserted)
	if err != nil {
		return "", false, fmt.Errorf("upsert logical chapter: %w", err)
	}
	return id, inserted, nil
}

func (c chapterTx) UpsertChapterSource(ctx context.Context, seriesSourceID, chapterID, url string, detectedAt time.Time) (bool, error) {
	var inserted bool
	err := c.tx.QueryRow(ctx, `
		INSERT INTO chapter_sources (id, series_source_id, chapter_id, source_url, detected_at, available)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (series_source_id, chapter_id) DO UPDATE SET
			source_url = EXCLUDED.source_url,
			detected_at = EXCLUDED.detected_at,
			available = TRUE
		RETURNING (xmax = 0)
	`, uuid.NewString(), seriesSourceID, chapterID, url, detectedAt).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert chapter source: %w", err)
	}
	return inserted, nil
}

func (c chapterTx) AdvanceLastChapterAt(ctx context.Context, seriesID string, at time.Time) (bool, error) {
	tag, err := c.tx.Exec(ctx, `
		UPDATE series
		SET last_chapter_at = $2, updated_at = now()
		WHERE id = $1 AND (last_chapter_at IS NULL OR last_chapter_at < $2)
	`, seriesID, at)
	if err != nil {
		return false, fmt.Errorf("advance last chapter date: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (c chapterTx) IncrementChapterCount(ctx context.Context, seriesID string, delta int) error {
	if _, err := c.tx.Exec(ctx, `
		UPDATE series SET chapter_count = chapter_count + $2, updated_at = now() WHERE id = $1
	`, seriesID, delta); err != nil {
		return fmt.Errorf("increment chapter count: %w", err)
	}
	return nil
}

// ChapterCount reads the derived chapter count of a series.
func (s *Store) ChapterCount(ctx context.Context, seriesID string) (int, error) {
	sqlStr, args, err := Live("series", "chapter_count").Where(sq.Eq{"id": seriesID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build chapter count: %w", err)
	}
	var n int
	if err := s.Pool.QueryRow(ctx, sqlStr, args...).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("chapter count: %w", err)
	}
	return n, nil
}

// ListChapters returns the newest chapters of a series.
func (s *Store) ListChapters(ctx context.Context, seriesID string, limit int) ([]models.LogicalChapter, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	sqlStr, args, err := Live("logical_chapters", "id", "series_id", "chapter_number::text", "title").
		Where(sq.Eq{"series_id": seriesID}).
		OrderBy("chapter_number DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chapters: %w", err)
	}

	rows, err := s.Pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	out := make([]models.LogicalChapter, 0, limit)
	for rows.Next() {
		var (
			ch  models.LogicalChapter
			num string
		)
		if err := rows.Scan(&ch.ID, &ch.SeriesID, &num, &ch.Title); err != nil {
			return nil, fmt.Errorf("list chapters scan: %w", err)
		}
		ch.Number, err = decimal.NewFromString(num)
		if err != nil {
			return nil, fmt.Errorf("parse chapter number %q: %w", num, err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows err: %w", err)
	}
	return out, nil
}
