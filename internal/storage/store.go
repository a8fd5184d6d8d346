package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"mangasync/internal/errs"
	"mangasync/internal/ingest"
	"mangasync/internal/resolution"
)

// DBTX is satisfied by both the pool and a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store owns the pool and hands out transactions to the guards.
type Store struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

var (
	_ ingest.Store     = (*Store)(nil)
	_ resolution.Store = (*Store)(nil)
)

func NewStore(pool *pgxpool.Pool, log zerolog.Logger) *Store {
	return &Store{Pool: pool, log: log.With().Str("component", "storage").Logger()}
}

func (s *Store) runInTx(ctx context.Context, opts pgx.TxOptions, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, opts)
	if err != nil {
		return errs.Wrap("begin tx", err)
	}
	defer func() {
		// no-op after a successful commit
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap("commit tx", err)
	}
	return nil
}

// InTx runs fn in a read-committed transaction bounded by timeout.
func (s *Store) InTx(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, tx ingest.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.runInTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, chapterTx{tx: tx})
	})
}

// InSerializableTx runs fn under serializable isolation bounded by timeout.
// Conflicts surface as errs.KindSerialization for the caller to retry.
func (s *Store) InSerializableTx(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, tx resolution.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.runInTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		return fn(ctx, resolutionTx{tx: tx})
	})
}

// Ping is used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}
