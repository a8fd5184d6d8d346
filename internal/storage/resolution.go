package storage

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"mangasync/internal/errs"
	"mangasync/internal/resolution"
	"mangasync/pkg/models"
)

// score of a series against one query: best trigram similarity over the
// title and every alternative title.
const similarityExpr = `GREATEST(similarity(lower(series.title), ?),
	COALESCE((SELECT max(similarity(lower(a), ?)) FROM unnest(series.alt_titles) AS a), 0))`

var entryColumns = []string{
	"id", "user_id", "series_id", "title", "alt_titles",
	"metadata_status", "metadata_source", "retry_count", "last_attempt_at", "updated_at",
}

type resolutionTx struct {
	tx pgx.Tx
}

var _ resolution.Tx = resolutionTx{}

func (r resolutionTx) LockEntry(ctx context.Context, entryID string, mode resolution.LockMode) (*models.LibraryEntry, error) {
	suffix := "FOR UPDATE SKIP LOCKED"
	if mode == resolution.NoWait {
		suffix = "FOR UPDATE NOWAIT"
	}
	sqlStr, args, err := Live("library_entries", entryColumns...).
		Where(sq.Eq{"id": entryID}).
		Suffix(suffix).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build lock entry: %w", err)
	}

	e, err := scanEntry(r.tx.QueryRow(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if mode == resolution.NoWait && errs.Is(err, errs.KindLockConflict) {
			return nil, resolution.ErrEntryBusy
		}
		return nil, errs.Wrap("lock entry", err)
	}
	return e, nil
}

func (r resolutionTx) SeriesMetadataLocked(ctx context.Context, seriesID string) (bool, error) {
	sqlStr, args, err := Live("series", "metadata_locked").Where(sq.Eq{"id": seriesID}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build series lock: %w", err)
	}
	var locked bool
	if err := r.tx.QueryRow(ctx, sqlStr, args...).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, errs.Wrap("series metadata lock", err)
	}
	return locked, nil
}

func (r resolutionTx) SearchSeries(ctx context.Context, query string, threshold float64, limit int) ([]resolution.Candidate, error) {
	if limit <= 0 {
		limit = 5
	}
	sqlStr, args, err := Live("series", "series.id", "series.title").
		Column(sq.Expr(similarityExpr+" AS score", query, query)).
		Where(sq.Expr(similarityExpr+" >= ?", query, query, threshold)).
		OrderBy("score DESC", "series.chapter_count DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build search series: %w", err)
	}

	rows, err := r.tx.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, errs.Wrap("search series", err)
	}
	defer rows.Close()

	var out []resolution.Candidate
	for rows.Next() {
		var c resolution.Candidate
		if err := rows.Scan(&c.SeriesID, &c.Title, &c.Score); err != nil {
			return nil, fmt.Errorf("search series scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap("search series rows", err)
	}
	return out, nil
}

// MarkResolved never overwrites an entry that was overridden by hand, even
// if the override landed after the row was read.
func (r resolutionTx) MarkResolved(ctx context.Context, entryID, seriesID, source string, attempt int) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE library_entries
		SET series_id = $2,
		    metadata_status = $3,
		    metadata_source = $4,
		    retry_count = $5,
		    last_attempt_at = now(),
		    updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL AND metadata_source <> $6
	`, entryID, seriesID, models.MetadataEnriched, source, attempt, models.MetadataSourceUserOverride)
	if err != nil {
		return errs.Wrap("mark entry resolved", err)
	}
	return nil
}

func (r resolutionTx) RecordAttempt(ctx context.Context, entryID, status string, attempt int) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE library_entries
		SET metadata_status = $2,
		    retry_count = $3,
		    last_attempt_at = now(),
		    updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL AND metadata_source <> $4
	`, entryID, status, attempt, models.MetadataSourceUserOverride)
	if err != nil {
		return errs.Wrap("record resolution attempt", err)
	}
	return nil
}

func scanEntry(row pgx.Row) (*models.LibraryEntry, error) {
	var e models.LibraryEntry
	if err := row.Scan(
		&e.ID, &e.UserID, &e.SeriesID, &e.Title, &e.AltTitles,
		&e.MetadataStatus, &e.MetadataSource, &e.RetryCount, &e.LastAttemptAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}
