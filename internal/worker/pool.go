package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mangasync/internal/errs"
	"mangasync/internal/events"
	"mangasync/internal/queue"
	"mangasync/pkg/models"
)

// Handler runs one job. Returned errors are classified with errs to decide
// between a retry and the dead-letter table.
type Handler func(ctx context.Context, job *queue.Job) error

// JobQueue is the subset of the queue a pool needs.
type JobQueue interface {
	Reserve(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job) (bool, error)
	Fail(ctx context.Context, job *queue.Job) (bool, error)
	Retry(ctx context.Context, job *queue.Job, runAt time.Time, cause error) (bool, error)
	Reclaim(ctx context.Context, limit int) ([]*queue.Job, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// FailureStore keeps dead-lettered jobs.
type FailureStore interface {
	Insert(ctx context.Context, f *models.FailureRecord) error
}

type Config struct {
	Concurrency     int
	JobTimeout      time.Duration
	PollInterval    time.Duration
	ReclaimInterval time.Duration
	MaxBackoff      time.Duration
}

const (
	maxIdleSleep   = 5 * time.Second
	finalizeBudget = 10 * time.Second
)

// Pool runs queued jobs on a fixed number of goroutines.
type Pool struct {
	id       string
	q        JobQueue
	failures FailureStore
	cfg      Config
	handlers map[string]Handler
	pub      Publisher
	now      func() time.Time
	log      zerolog.Logger
}

func NewPool(q JobQueue, failures FailureStore, cfg Config, log zerolog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Hour
	}
	id := uuid.NewString()[:8]
	return &Pool{
		id:       id,
		q:        q,
		failures: failures,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		now:      time.Now,
		log:      log.With().Str("component", "worker").Str("pool_id", id).Logger(),
	}
}

// Handle registers h for jobs named name.
func (p *Pool) Handle(name string, h Handler) {
	p.handlers[name] = h
}

// PublishTo sends dead-letter notices to pub.
func (p *Pool) PublishTo(pub Publisher) {
	p.pub = pub
}

// Run starts the workers and the reclaim loop and blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info().Int("concurrency", p.cfg.Concurrency).Msg("worker pool starting")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := i
		g.Go(func() error {
			p.worker(ctx, workerID)
			return nil
		})
	}
	g.Go(func() error {
		p.reclaimLoop(ctx)
		return nil
	})

	err := g.Wait()
	p.log.Info().Msg("worker pool stopped")
	return err
}

func (p *Pool) worker(ctx context.Context, workerID int) {
	log := p.log.With().Int("worker_id", workerID).Logger()
	idle := 0

	for {
		if ctx.Err() != nil {
			return
		}

		ran, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("reserve failed")
		}
		if ran {
			idle = 0
			continue
		}

		// Back off while the queue is empty, with jitter so idle workers
		// do not poll in lockstep.
		idle++
		sleep := p.cfg.PollInterval << min(idle-1, 3)
		sleep = min(sleep, maxIdleSleep)
		sleep += rand.N(p.cfg.PollInterval/2 + 1)

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// RunOnce reserves and runs at most one job. It reports whether a job ran.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.q.Reserve(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.process(ctx, job)
	return true, nil
}

func (p *Pool) process(ctx context.Context, job *queue.Job) {
	log := p.log.With().
		Str("job_id", job.ID).
		Str("job_name", job.Name).
		Int("attempt", job.AttemptsMade).
		Logger()

	start := p.now()
	err := p.invoke(ctx, job)

	// Bookkeeping must survive shutdown, or the job would sit leased until
	// the reclaim loop picks it up.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeBudget)
	defer cancel()

	if err == nil {
		ok, cerr := p.q.Complete(fctx, job)
		switch {
		case cerr != nil:
			log.Error().Err(cerr).Msg("complete failed")
		case !ok:
			log.Warn().Msg("lease lost before completion")
		default:
			log.Debug().Dur("took", p.now().Sub(start)).Msg("job done")
		}
		return
	}

	kind := errs.Classify(err)
	if kind.Retryable() && job.AttemptsMade < job.MaxAttempts {
		delay := p.backoff(job, err)
		if _, rerr := p.q.Retry(fctx, job, p.now().Add(delay), err); rerr != nil {
			log.Error().Err(rerr).Msg("retry failed")
			return
		}
		log.Warn().
			Str("kind", kind.String()).
			Str("error", errs.Sanitize(err.Error())).
			Dur("retry_in", delay).
			Msg("job failed, retry scheduled")
		return
	}

	if kind.Retryable() {
		kind = errs.KindExhausted
	}
	p.deadLetter(fctx, log, job, kind, err)
	if _, ferr := p.q.Fail(fctx, job); ferr != nil {
		log.Error().Err(ferr).Msg("fail failed")
	}
}

func (p *Pool) invoke(ctx context.Context, job *queue.Job) (err error) {
	h, ok := p.handlers[job.Name]
	if !ok {
		return errs.Newf(errs.KindNonTransient, "dispatch job", "no handler for job %q", job.Name)
	}

	jctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("job_id", job.ID).Bytes("stack", debug.Stack()).Msg("handler panic")
			err = errs.Newf(errs.KindNonTransient, "run "+job.Name, "panic: %v", r)
		}
	}()
	return h(jctx, job)
}

// backoff doubles the job's base delay per attempt, caps it and adds up
// to 10% jitter. An upstream Retry-After wins when it is longer.
func (p *Pool) backoff(job *queue.Job, err error) time.Duration {
	base := job.Backoff
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < job.AttemptsMade && d < p.cfg.MaxBackoff; i++ {
		d *= 2
	}
	d = min(d, p.cfg.MaxBackoff)
	d += rand.N(d/10 + 1)

	if ra := errs.RetryAfter(err); ra > d {
		d = ra
	}
	return d
}

func (p *Pool) deadLetter(ctx context.Context, log zerolog.Logger, job *queue.Job, kind errs.Kind, cause error) {
	rec := &models.FailureRecord{
		JobID:    job.ID,
		JobName:  job.Name,
		Payload:  job.Data,
		Attempts: job.AttemptsMade,
		Kind:     kind.String(),
		Error:    errs.Sanitize(cause.Error()),
	}
	if err := p.failures.Insert(ctx, rec); err != nil {
		log.Error().Err(err).Msg("dead-letter insert failed")
		return
	}
	log.Error().
		Str("kind", rec.Kind).
		Str("error", rec.Error).
		Int64("failure_id", rec.ID).
		Msg("job dead-lettered")

	if p.pub != nil {
		ev := events.Event{Type: events.TypeJobDeadLettered, JobID: job.ID, Message: rec.Kind + ": " + rec.Error}
		if err := p.pub.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Msg("publish dead letter")
		}
	}
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	t := time.NewTicker(p.cfg.ReclaimInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.ReclaimOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Error().Err(err).Msg("reclaim failed")
			}
		}
	}
}

// ReclaimOnce reschedules expired leases and dead-letters the jobs that
// have no attempts left. It returns how many were dead-lettered.
func (p *Pool) ReclaimOnce(ctx context.Context) (int, error) {
	exhausted, err := p.q.Reclaim(ctx, 100)
	for _, job := range exhausted {
		log := p.log.With().Str("job_id", job.ID).Str("job_name", job.Name).Logger()
		p.deadLetter(ctx, log, job, errs.KindExhausted, fmt.Errorf("lease expired after %d attempts", job.AttemptsMade))
	}
	return len(exhausted), err
}
