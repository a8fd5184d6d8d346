package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mangasync/internal/errs"
	"mangasync/internal/events"
	"mangasync/internal/queue"
	"mangasync/pkg/kvstore"
	"mangasync/pkg/models"
)

type memFailures struct {
	mu   sync.Mutex
	recs []models.FailureRecord
}

func (m *memFailures) Insert(ctx context.Context, f *models.FailureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.ID = int64(len(m.recs) + 1)
	m.recs = append(m.recs, *f)
	return nil
}

func (m *memFailures) all() []models.FailureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.FailureRecord(nil), m.recs...)
}

func newPool(t *testing.T, lease time.Duration) (*Pool, *queue.Queue, *memFailures) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.New(rdb, kvstore.NewKeys("test"), "crawl", lease)
	failures := &memFailures{}
	p := NewPool(q, failures, Config{Concurrency: 2, JobTimeout: time.Second, PollInterval: 5 * time.Millisecond}, zerolog.Nop())
	return p, q, failures
}

func addJob(t *testing.T, q *queue.Queue, id, name string, attempts int) {
	t.Helper()
	if _, err := q.Add(context.Background(), id, name, map[string]string{"id": id}, queue.Options{Attempts: attempts, Backoff: time.Second}); err != nil {
		t.Fatalf("add: %v", err)
	}
}

func runOne(t *testing.T, p *Pool) {
	t.Helper()
	ran, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !ran {
		t.Fatal("expected a job to run")
	}
}

func TestSuccessfulJobIsRemoved(t *testing.T) {
	p, q, failures := newPool(t, time.Minute)
	var got string
	p.Handle("sync", func(ctx context.Context, job *queue.Job) error {
		got = job.ID
		return nil
	})
	addJob(t, q, "sync-1", "sync", 3)

	runOne(t, p)

	if got != "sync-1" {
		t.Fatalf("handler saw %q", got)
	}
	job, _ := q.Get(context.Background(), "sync-1")
	if job != nil {
		t.Errorf("expected job to be removed, got %+v", job)
	}
	if len(failures.all()) != 0 {
		t.Errorf("unexpected dead letters")
	}
}

func TestTransientErrorIsRetried(t *testing.T) {
	p, q, failures := newPool(t, time.Minute)
	p.Handle("sync", func(ctx context.Context, job *queue.Job) error {
		return errs.New(errs.KindTransient, "fetch", errors.New("upstream 502 from postgres://user:secret@db:5432/x"))
	})
	addJob(t, q, "sync-1", "sync", 3)

	runOne(t, p)

	job, err := q.Get(context.Background(), "sync-1")
	if err != nil || job == nil {
		t.Fatalf("expected job to remain, err=%v", err)
	}
	if job.State != queue.StateDelayed {
		t.Errorf("expected delayed state, got %s", job.State)
	}
	if strings.Contains(job.LastError, "secret") {
		t.Errorf("last error was not sanitized: %q", job.LastError)
	}
	if len(failures.all()) != 0 {
		t.Errorf("transient failure with attempts left must not dead-letter")
	}
}

func TestNonTransientErrorIsDeadLettered(t *testing.T) {
	p, q, failures := newPool(t, time.Minute)
	p.Handle("sync", func(ctx context.Context, job *queue.Job) error {
		return errs.New(errs.KindNonTransient, "fetch", errors.New("404 not found"))
	})
	addJob(t, q, "sync-1", "sync", 3)

	runOne(t, p)

	recs := failures.all()
	if len(recs) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(recs))
	}
	if recs[0].Kind != "non_transient" || recs[0].JobName != "sync" || recs[0].Attempts != 1 {
		t.Errorf("unexpected record %+v", recs[0])
	}
	if string(recs[0].Payload) != `{"id":"sync-1"}` {
		t.Errorf("unexpected payload %s", recs[0].Payload)
	}
	if job, _ := q.Get(context.Background(), "sync-1"); job != nil {
		t.Errorf("expected job removed after dead-letter")
	}
}

func TestLastAttemptIsExhausted(t *testing.T) {
	p, q, failures := newPool(t, time.Minute)
	p.Handle("ingest", func(ctx context.Context, job *queue.Job) error {
		return errors.New("connection reset")
	})
	addJob(t, q, "ingest-1", "ingest", 1)

	runOne(t, p)

	recs := failures.all()
	if len(recs) != 1 || recs[0].Kind != "exhausted" {
		t.Fatalf("expected exhausted dead letter, got %+v", recs)
	}
}

func TestUnknownJobAndPanicAreDeadLettered(t *testing.T) {
	p, q, failures := newPool(t, time.Minute)
	p.Handle("boom", func(ctx context.Context, job *queue.Job) error {
		panic("nil map")
	})
	addJob(t, q, "mystery-1", "mystery", 3)
	addJob(t, q, "boom-1", "boom", 3)

	runOne(t, p)
	runOne(t, p)

	recs := failures.all()
	if len(recs) != 2 {
		t.Fatalf("expected 2 dead letters, got %d", len(recs))
	}
	for _, r := range recs {
		if r.Kind != "non_transient" {
			t.Errorf("expected non_transient for %s, got %s", r.JobID, r.Kind)
		}
	}
}

func TestJobTimeoutIsRetryable(t *testing.T) {
	p, q, failures := newPool(t, time.Minute)
	p.cfg.JobTimeout = 10 * time.Millisecond
	p.Handle("sync", func(ctx context.Context, job *queue.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	addJob(t, q, "sync-1", "sync", 2)

	runOne(t, p)

	job, _ := q.Get(context.Background(), "sync-1")
	if job == nil || job.State != queue.StateDelayed {
		t.Fatalf("expected timed out job to be delayed, got %+v", job)
	}
	if len(failures.all()) != 0 {
		t.Errorf("unexpected dead letter")
	}
}

func TestBackoff(t *testing.T) {
	p, _, _ := newPool(t, time.Minute)
	p.cfg.MaxBackoff = 10 * time.Second

	job := &queue.Job{Backoff: time.Second, AttemptsMade: 3}
	d := p.backoff(job, errors.New("x"))
	if d < 4*time.Second || d > 4*time.Second+400*time.Millisecond {
		t.Errorf("expected ~4s, got %s", d)
	}

	job.AttemptsMade = 10
	if d := p.backoff(job, errors.New("x")); d > 11*time.Second {
		t.Errorf("expected cap near 10s, got %s", d)
	}

	limited := &errs.Error{Kind: errs.KindRateLimited, Op: "fetch", RetryAfter: time.Minute, Err: errors.New("429")}
	job.AttemptsMade = 1
	if d := p.backoff(job, limited); d != time.Minute {
		t.Errorf("expected Retry-After to win, got %s", d)
	}
}

func TestReclaimDeadLettersExhaustedLeases(t *testing.T) {
	p, q, failures := newPool(t, time.Millisecond)
	addJob(t, q, "sync-1", "sync", 1)

	if job, err := q.Reserve(context.Background()); err != nil || job == nil {
		t.Fatalf("reserve: %v %v", job, err)
	}
	time.Sleep(20 * time.Millisecond)

	n, err := p.ReclaimOnce(context.Background())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 exhausted job, got %d", n)
	}
	recs := failures.all()
	if len(recs) != 1 || recs[0].Kind != "exhausted" || recs[0].JobID != "sync-1" {
		t.Errorf("unexpected dead letters %+v", recs)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	p, q, _ := newPool(t, time.Minute)
	done := make(chan string, 1)
	p.Handle("sync", func(ctx context.Context, job *queue.Job) error {
		done <- job.ID
		return nil
	})
	addJob(t, q, "sync-1", "sync", 1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	select {
	case id := <-done:
		if id != "sync-1" {
			t.Errorf("unexpected job %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

type chanPublisher chan events.Event

func (c chanPublisher) Publish(ctx context.Context, ev events.Event) error {
	c <- ev
	return nil
}

func TestDeadLetterPublishesEvent(t *testing.T) {
	p, q, _ := newPool(t, time.Minute)
	pub := make(chanPublisher, 1)
	p.PublishTo(pub)
	addJob(t, q, "mystery-1", "mystery", 1)

	runOne(t, p)

	select {
	case ev := <-pub:
		if ev.Type != events.TypeJobDeadLettered || ev.JobID != "mystery-1" {
			t.Errorf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("expected a dead-letter event")
	}
}
