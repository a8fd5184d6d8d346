// Package app wires the shared components used by the binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mangasync/internal/admin"
	"mangasync/internal/auth"
	"mangasync/internal/events"
	"mangasync/internal/gatekeeper"
	"mangasync/internal/ingest"
	"mangasync/internal/jobs"
	"mangasync/internal/lock"
	"mangasync/internal/queue"
	"mangasync/internal/ratelimit"
	"mangasync/internal/resolution"
	"mangasync/internal/scheduler"
	"mangasync/internal/scraper"
	"mangasync/internal/storage"
	"mangasync/internal/worker"
	"mangasync/pkg/database"
	"mangasync/pkg/kvstore"
	"mangasync/pkg/logging"
	"mangasync/pkg/utils"
)

// QueueName is the Redis queue all crawl jobs share.
const QueueName = "crawl"

type App struct {
	Config utils.Config
	Log    zerolog.Logger

	Pool  *pgxpool.Pool
	Redis *redis.Client
	Keys  kvstore.Keys

	Store    *storage.Store
	Series   *storage.SeriesRepo
	Library  *storage.LibraryRepo
	Failures *storage.FailureRepo

	Queue      *queue.Queue
	Dispatcher *queue.Dispatcher
	Events     *events.Publisher
	Limiter    *ratelimit.Limiter
	Negative   *ratelimit.NegativeCache
	Gatekeeper *gatekeeper.Gatekeeper
	Ingest     *ingest.Guard
	Resolution *resolution.Guard
	Sources    *scraper.Registry

	Tokens   auth.TokenService
	Versions *auth.TokenVersions
}

// New connects to Postgres and Redis and builds every component. The
// caller owns the result and must Close it.
func New(ctx context.Context, cfg utils.Config, log zerolog.Logger) (*App, error) {
	pool, err := database.Open(ctx, database.Config{URL: cfg.Database.URL, MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return nil, err
	}
	rdb, err := kvstore.Open(ctx, kvstore.Config{URL: cfg.Redis.URL, Prefix: cfg.Redis.Prefix})
	if err != nil {
		pool.Close()
		return nil, err
	}

	a, err := build(cfg, log, pool, rdb)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg utils.Config, log zerolog.Logger, pool *pgxpool.Pool, rdb *redis.Client) (*App, error) {
	keys := kvstore.NewKeys(cfg.Redis.Prefix)

	rates, err := ratelimit.NewConfigs(cfg.RateLimits)
	if err != nil {
		return nil, fmt.Errorf("rate limits: %w", err)
	}

	a := &App{
		Config: cfg,
		Log:    log,
		Pool:   pool,
		Redis:  rdb,
		Keys:   keys,
	}

	a.Store = storage.NewStore(pool, logging.Component(log, "storage"))
	a.Series = storage.NewSeriesRepo(pool)
	a.Library = storage.NewLibraryRepo(pool)
	a.Failures = storage.NewFailureRepo(pool)

	// A lease outlives the job timeout so a slow but healthy job is never
	// handed to a second worker.
	a.Queue = queue.New(rdb, keys, QueueName, cfg.Worker.JobTimeout+time.Minute)
	a.Dispatcher = queue.NewDispatcher(a.Queue, nil, log)
	a.Events = events.NewPublisher(rdb, keys)

	a.Limiter = ratelimit.NewLimiter(rdb, keys, rates, log)
	a.Negative = ratelimit.NewNegativeCache(rdb, keys, cfg.NegativeCache.Threshold, cfg.NegativeCache.TTL, log)

	g := cfg.Gatekeeper
	monitor := gatekeeper.NewLoadMonitor(a.Queue, gatekeeper.Thresholds{
		Elevated:   g.Elevated,
		Overloaded: g.Overloaded,
		Critical:   g.Critical,
		Meltdown:   g.Meltdown,
	}, log)
	a.Gatekeeper = gatekeeper.New(monitor, rdb, keys, a.Dispatcher, g.DedupTTL, log)

	a.Ingest = ingest.NewGuard(a.Store, lock.NewLocker(rdb, keys), a.Events, ingest.Config{
		MaxChapters: cfg.Ingest.MaxChapters,
		LockTTL:     cfg.Ingest.LockTTL,
		LockWait:    cfg.Ingest.LockWait,
		TxTimeout:   cfg.Ingest.TxTimeout,
	}, log)
	a.Resolution = resolution.NewGuard(a.Store, a.Dispatcher, a.Events, resolution.Config{
		MaxAttempts:         cfg.Resolution.MaxAttempts,
		RetryDelay:          cfg.Resolution.RetryDelay,
		SerializableRetries: cfg.Resolution.SerializableRetries,
		TxTimeout:           cfg.Resolution.TxTimeout,
	}, log)
	a.Sources = scraper.FromConfig(cfg.Sources)

	a.Tokens = auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.JWTDuration)
	a.Versions = auth.NewTokenVersions(rdb, keys)
	return a, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// Checks are the readiness probes for the API.
func (a *App) Checks() map[string]admin.Check {
	return map[string]admin.Check{
		"postgres": a.Store.Ping,
		"redis":    func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
	}
}

func (a *App) AdminHandler() *admin.Handler {
	return &admin.Handler{
		Gate:      a.Gatekeeper,
		Limits:    a.Limiter,
		Negatives: a.Negative,
		Sources:   a.Series,
		Library:   a.Library,
		Resolver:  a.Resolution,
		Failures:  a.Failures,
		Revoker:   a.Versions,
		Log:       logging.Component(a.Log, "admin"),
	}
}

// WorkerPool returns a pool with every job handler registered.
func (a *App) WorkerPool() *worker.Pool {
	w := a.Config.Worker
	pool := worker.NewPool(a.Queue, a.Failures, worker.Config{
		Concurrency:     w.Concurrency,
		JobTimeout:      w.JobTimeout,
		PollInterval:    w.PollInterval,
		ReclaimInterval: w.ReclaimInterval,
	}, a.Log)
	pool.PublishTo(a.Events)

	sync := jobs.NewSync(a.Series, a.Negative, a.Sources, a.Limiter, a.Dispatcher, a.Events, w.AcquireWait, a.Log)
	jobs.Register(pool, sync, a.Ingest, a.Resolution, a.Log)
	return pool
}

func (a *App) Scheduler() *scheduler.Scheduler {
	s := a.Config.Scheduler
	return scheduler.New(a.Series, a.Library, a.Gatekeeper, a.Dispatcher, a.Events, scheduler.Config{
		Interval:           s.Interval,
		BatchSize:          s.BatchSize,
		GapWindow:          s.GapWindow,
		ProposalsPerSecond: s.ProposalsPerSecond,
	}, a.Log)
}
