package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"mangasync/pkg/models"
)

type SeriesRepo struct {
	DB DBTX
}

// ListQuery filters series-sources for operator listings.
type ListQuery struct {
	Source   string // exact source name
	Tier     string
	Disabled *bool
	Limit    int
	Offset   int
}

func NewSeriesRepo(db DBTX) *SeriesRepo {
	return &SeriesRepo{DB: db}
}

var sourceColumns = []string{
	"series_sources.id", "series_sources.series_id", "series_sources.source_name",
	"series_sources.source_series_id", "series_sources.source_url", "series_sources.tier",
	"series_sources.last_success_at", "series_sources.next_check_at",
	"series_sources.consecutive_failures", "series_sources.disabled",
	"series_sources.tracker_count", "series_sources.last_activity_at",
}

func (r *SeriesRepo) GetSeries(ctx context.Context, id string) (*models.Series, error) {
	sqlStr, args, err := Live("series",
		"id", "title", "alt_titles", "chapter_count", "last_chapter_at", "metadata_locked",
	).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get series: %w", err)
	}

	var s models.Series
	if err := r.DB.QueryRow(ctx, sqlStr, args...).Scan(
		&s.ID, &s.Title, &s.AltTitles, &s.ChapterCount, &s.LastChapterAt, &s.MetadataLocked,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan get series: %w", err)
	}
	return &s, nil
}

// UpsertSeries inserts a series or refreshes its titles. Titles of a locked
// series are left alone.
func (r *SeriesRepo) UpsertSeries(ctx context.Context, s *models.Series) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.AltTitles == nil {
		s.AltTitles = []string{}
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO series (id, title, alt_titles)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			title = CASE WHEN series.metadata_locked THEN series.title ELSE EXCLUDED.title END,
			alt_titles = CASE WHEN series.metadata_locked THEN series.alt_titles ELSE EXCLUDED.alt_titles END,
			updated_at = now()
	`, s.ID, s.Title, s.AltTitles)
	if err != nil {
		return fmt.Errorf("upsert series: %w", err)
	}
	return nil
}

// UpsertSeriesSource registers a series on a source and returns its id.
func (r *SeriesRepo) UpsertSeriesSource(ctx context.Context, ss *models.SeriesSource) (string, error) {
	if ss.Tier == "" {
		ss.Tier = models.TierC
	}
	var id string
	err := r.DB.QueryRow(ctx, `
		INSERT INTO series_sources (id, series_id, source_name, source_series_id, source_url, tier, tracker_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_name, source_series_id) DO UPDATE SET
			source_url = EXCLUDED.source_url,
			tier = EXCLUDED.tier,
			tracker_count = EXCLUDED.tracker_count,
			deleted_at = NULL
		RETURNING id
	`, uuid.NewString(), ss.SeriesID, models.SourceKey(ss.SourceName), ss.SourceSeriesID,
		ss.SourceURL, string(ss.Tier), ss.TrackerCount).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert series source: %w", err)
	}
	ss.ID = id
	return id, nil
}

func (r *SeriesRepo) GetSeriesSource(ctx context.Context, id string) (*models.SeriesSource, error) {
	sqlStr, args, err := r.sourceSelect().Where(sq.Eq{"series_sources.id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get series source: %w", err)
	}
	ss, err := scanSource(r.DB.QueryRow(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan get series source: %w", err)
	}
	return ss, nil
}

func (r *SeriesRepo) Count(ctx context.Context, q ListQuery) (int, error) {
	b := JoinLive(Live("series_sources", "COUNT(*)"), "series", "series.id = series_sources.series_id")
	sqlStr, args, err := applyListFilters(b, q).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var total int
	if err := r.DB.QueryRow(ctx, sqlStr, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count scan: %w", err)
	}
	return total, nil
}

func (r *SeriesRepo) ListSeriesSources(ctx context.Context, q ListQuery) ([]models.SeriesSource, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	b := applyListFilters(r.sourceSelect(), q).
		OrderBy("series_sources.source_name ASC", "series_sources.next_check_at ASC").
		Limit(uint64(limit)).
		Offset(uint64(offset))
	return r.querySources(ctx, b)
}

// DueSeriesSources returns enabled series-sources whose next check has come,
// oldest first.
func (r *SeriesRepo) DueSeriesSources(ctx context.Context, now time.Time, limit int) ([]models.SeriesSource, error) {
	b := r.sourceSelect().
		Where(sq.Eq{"series_sources.disabled": false}).
		Where(sq.LtOrEq{"series_sources.next_check_at": now}).
		OrderBy("series_sources.next_check_at ASC").
		Limit(uint64(limit))
	return r.querySources(ctx, b)
}

// OverdueSeriesSources returns enabled series-sources with no successful
// sync since cutoff whose series has seen chapters. They are gap-recovery
// candidates. Sources still backing off from a failure are left out.
func (r *SeriesRepo) OverdueSeriesSources(ctx context.Context, now, cutoff time.Time, limit int) ([]models.SeriesSource, error) {
	b := r.sourceSelect().
		Where(sq.Eq{"series_sources.disabled": false}).
		Where(sq.LtOrEq{"series_sources.next_check_at": now}).
		Where(sq.Or{
			sq.Eq{"series_sources.last_success_at": nil},
			sq.Lt{"series_sources.last_success_at": cutoff},
		}).
		Where(sq.Gt{"series.chapter_count": 0}).
		OrderBy("series_sources.last_success_at ASC NULLS FIRST").
		Limit(uint64(limit))
	return r.querySources(ctx, b)
}

// RecordSyncSuccess resets the failure streak and sets the next check.
func (r *SeriesRepo) RecordSyncSuccess(ctx context.Context, id string, at, next time.Time) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE series_sources
		SET last_success_at = $2, next_check_at = $3, consecutive_failures = 0
		WHERE id = $1
	`, id, at, next)
	if err != nil {
		return fmt.Errorf("record sync success: %w", err)
	}
	return nil
}

// RecordSyncFailure bumps the failure streak and returns its new length.
func (r *SeriesRepo) RecordSyncFailure(ctx context.Context, id string) (int, error) {
	var failures int
	err := r.DB.QueryRow(ctx, `
		UPDATE series_sources
		SET consecutive_failures = consecutive_failures + 1
		WHERE id = $1
		RETURNING consecutive_failures
	`, id).Scan(&failures)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("record sync failure: %w", err)
	}
	return failures, nil
}

func (r *SeriesRepo) ScheduleNextCheck(ctx context.Context, id string, next time.Time) error {
	if _, err := r.DB.Exec(ctx, `UPDATE series_sources SET next_check_at = $2 WHERE id = $1`, id, next); err != nil {
		return fmt.Errorf("schedule next check: %w", err)
	}
	return nil
}

// Disable stops scheduling a series-source. Rows are never deleted.
func (r *SeriesRepo) Disable(ctx context.Context, id string) error {
	if _, err := r.DB.Exec(ctx, `UPDATE series_sources SET disabled = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("disable series source: %w", err)
	}
	return nil
}

func (r *SeriesRepo) sourceSelect() sq.SelectBuilder {
	return JoinLive(Live("series_sources", sourceColumns...), "series", "series.id = series_sources.series_id")
}

func (r *SeriesRepo) querySources(ctx context.Context, b sq.SelectBuilder) ([]models.SeriesSource, error) {
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build series sources: %w", err)
	}
	rows, err := r.DB.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("series sources query: %w", err)
	}
	defer rows.Close()

	var out []models.SeriesSource
	for rows.Next() {
		ss, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("series sources scan: %w", err)
		}
		out = append(out, *ss)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows err: %w", err)
	}
	return out, nil
}

func applyListFilters(b sq.SelectBuilder, q ListQuery) sq.SelectBuilder {
	if s := strings.TrimSpace(q.Source); s != "" {
		b = b.Where(sq.Eq{"series_sources.source_name": models.SourceKey(s)})
	}
	if t := strings.TrimSpace(q.Tier); t != "" {
		b = b.Where(sq.Eq{"series_sources.tier": strings.ToUpper(t)})
	}
	if q.Disabled != nil {
		b = b.Where(sq.Eq{"series_sources.disabled": *q.Disabled})
	}
	return b
}

func scanSource(row pgx.Row) (*models.SeriesSource, error) {
	var (
		ss   models.SeriesSource
		tier string
	)
	if err := row.Scan(
		&ss.ID, &ss.SeriesID, &ss.SourceName, &ss.SourceSeriesID, &ss.SourceURL, &tier,
		&ss.LastSuccessAt, &ss.NextCheckAt, &ss.ConsecutiveFailures, &ss.Disabled,
		&ss.TrackerCount, &ss.LastActivityAt,
	); err != nil {
		return nil, err
	}
	ss.Tier = models.ParseTier(tier)
	return &ss, nil
}
