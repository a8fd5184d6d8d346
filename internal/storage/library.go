package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"mangasync/pkg/models"
)

type LibraryRepo struct {
	DB DBTX
}

func NewLibraryRepo(db DBTX) *LibraryRepo {
	return &LibraryRepo{DB: db}
}

func (r *LibraryRepo) GetEntry(ctx context.Context, id string) (*models.LibraryEntry, error) {
	sqlStr, args, err := Live("library_entries", entryColumns...).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get entry: %w", err)
	}
	e, err := scanEntry(r.DB.QueryRow(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan get entry: %w", err)
	}
	return e, nil
}

// UpsertEntry inserts a pending entry or refreshes its titles.
func (r *LibraryRepo) UpsertEntry(ctx context.Context, e *models.LibraryEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.AltTitles == nil {
		e.AltTitles = []string{}
	}
	if e.MetadataStatus == "" {
		e.MetadataStatus = models.MetadataPending
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO library_entries (id, user_id, title, alt_titles, metadata_status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			alt_titles = EXCLUDED.alt_titles,
			updated_at = now()
	`, e.ID, e.UserID, e.Title, e.AltTitles, e.MetadataStatus)
	if err != nil {
		return fmt.Errorf("upsert library entry: %w", err)
	}
	return nil
}

// SetOverride pins an entry to a series by hand. Automated resolution skips
// the entry from then on.
func (r *LibraryRepo) SetOverride(ctx context.Context, id, seriesID string) (bool, error) {
	tag, err := r.DB.Exec(ctx, `
		UPDATE library_entries
		SET series_id = $2, metadata_status = $3, metadata_source = $4, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, seriesID, models.MetadataEnriched, models.MetadataSourceUserOverride)
	if err != nil {
		return false, fmt.Errorf("set entry override: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PendingEntries lists entries that still need a resolution attempt and
// were not tried since before. Entries pointing at a series with locked
// metadata can never be enriched and are left out.
func (r *LibraryRepo) PendingEntries(ctx context.Context, before time.Time, limit int) ([]models.LibraryEntry, error) {
	b := Live("library_entries", entryColumns...).
		Where(sq.Eq{"metadata_status": []string{models.MetadataPending, models.MetadataFailed}}).
		Where(sq.NotEq{"metadata_source": models.MetadataSourceUserOverride}).
		Where("NOT EXISTS (SELECT 1 FROM series s WHERE s.id = library_entries.series_id AND s.metadata_locked)").
		Where(sq.Or{
			sq.Eq{"last_attempt_at": nil},
			sq.Lt{"last_attempt_at": before},
		}).
		OrderBy("updated_at ASC").
		Limit(uint64(limit))
	return r.query(ctx, b)
}

func (r *LibraryRepo) List(ctx context.Context, userID, status string, limit, offset int) ([]models.LibraryEntry, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	filter := sq.And{}
	if userID != "" {
		filter = append(filter, sq.Eq{"user_id": userID})
	}
	if status != "" {
		filter = append(filter, sq.Eq{"metadata_status": status})
	}

	countSQL, countArgs, err := Live("library_entries", "COUNT(*)").Where(filter).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count library: %w", err)
	}
	var total int
	if err := r.DB.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count library: %w", err)
	}

	items, err := r.query(ctx, Live("library_entries", entryColumns...).
		Where(filter).
		OrderBy("updated_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)))
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *LibraryRepo) query(ctx context.Context, b sq.SelectBuilder) ([]models.LibraryEntry, error) {
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build library query: %w", err)
	}
	rows, err := r.DB.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("library query: %w", err)
	}
	defer rows.Close()

	var out []models.LibraryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("library scan: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows err: %w", err)
	}
	return out, nil
}
