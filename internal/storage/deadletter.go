package storage

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"mangasync/internal/errs"
	"mangasync/pkg/models"
)

// FailureRepo stores dead-lettered jobs.
type FailureRepo struct {
	DB DBTX
}

func NewFailureRepo(db DBTX) *FailureRepo {
	return &FailureRepo{DB: db}
}

var failureColumns = []string{"id", "job_id", "job_name", "payload", "attempts", "kind", "error", "failed_at"}

// Insert records a failure. The error text is sanitized before it is stored.
func (r *FailureRepo) Insert(ctx context.Context, f *models.FailureRecord) error {
	payload := f.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	f.Error = errs.Sanitize(f.Error)
	err := r.DB.QueryRow(ctx, `
		INSERT INTO worker_failures (job_id, job_name, payload, attempts, kind, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, failed_at
	`, f.JobID, f.JobName, string(payload), f.Attempts, f.Kind, f.Error).Scan(&f.ID, &f.FailedAt)
	if err != nil {
		return fmt.Errorf("insert worker failure: %w", err)
	}
	return nil
}

func (r *FailureRepo) Get(ctx context.Context, id int64) (*models.FailureRecord, error) {
	sqlStr, args, err := psql.Select(failureColumns...).From("worker_failures").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get failure: %w", err)
	}
	f, err := scanFailure(r.DB.QueryRow(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan get failure: %w", err)
	}
	return f, nil
}

// List returns failures newest first, optionally for one job name, along
// with the total count.
func (r *FailureRepo) List(ctx context.Context, jobName string, limit, offset int) ([]models.FailureRecord, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	filter := sq.And{}
	if jobName != "" {
		filter = append(filter, sq.Eq{"job_name": jobName})
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("worker_failures").Where(filter).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count failures: %w", err)
	}
	var total int
	if err := r.DB.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count failures: %w", err)
	}

	sqlStr, args, err := psql.Select(failureColumns...).From("worker_failures").
		Where(filter).
		OrderBy("failed_at DESC", "id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list failures: %w", err)
	}
	rows, err := r.DB.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	out := make([]models.FailureRecord, 0, limit)
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list failures scan: %w", err)
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows err: %w", err)
	}
	return out, total, nil
}

func (r *FailureRepo) Delete(ctx context.Context, id int64) (bool, error) {
	tag, err := r.DB.Exec(ctx, `DELETE FROM worker_failures WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete worker failure: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanFailure(row pgx.Row) (*models.FailureRecord, error) {
	var (
		f       models.FailureRecord
		payload []byte
	)
	if err := row.Scan(&f.ID, &f.JobID, &f.JobName, &payload, &f.Attempts, &f.Kind, &f.Error, &f.FailedAt); err != nil {
		return nil, err
	}
	f.Payload = payload
	return &f, nil
}
