package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mangasync/internal/errs"
	"mangasync/pkg/kvstore"
)

// AddResult says what Add did with a job id.
type AddResult int

const (
	AddInserted AddResult = iota
	AddReplaced
	AddSkippedActive
)

func (r AddResult) String() string {
	switch r {
	case AddInserted:
		return "inserted"
	case AddReplaced:
		return "replaced"
	case AddSkippedActive:
		return "skipped_active"
	default:
		return "unknown"
	}
}

// JobState is where a job currently sits.
type JobState string

const (
	StateWaiting JobState = "waiting"
	StateDelayed JobState = "delayed"
	StateActive  JobState = "active"
	StateUnknown JobState = "unknown"
)

// Job is a queued unit of work.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	Priority     int             `json:"priority"`
	MaxAttempts  int             `json:"max_attempts"`
	Backoff      time.Duration   `json:"backoff"`
	AttemptsMade int             `json:"attempts_made"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	State        JobState        `json:"state,omitempty"`

	lease string
}

// Options control how a job is queued.
type Options struct {
	Priority int
	Delay    time.Duration
	Attempts int
	Backoff  time.Duration
}

// Counts is the per-state size of a queue.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
}

// Queue is a priority job queue in Redis. Lower priority numbers run first;
// equal priorities run in insertion order. A job id names at most one
// outstanding job.
type Queue struct {
	rdb   redis.Cmdable
	name  string
	base  string
	lease time.Duration
	now   func() time.Time
}

func New(rdb redis.Cmdable, keys kvstore.Keys, name string, lease time.Duration) *Queue {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &Queue{
		rdb:   rdb,
		name:  name,
		base:  keys.Key("queue", name),
		lease: lease,
		now:   time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) jobPrefix() string       { return q.base + ":job:" }
func (q *Queue) jobKey(id string) string { return q.jobPrefix() + id }
func (q *Queue) waitingKey() string      { return q.base + ":waiting" }
func (q *Queue) delayedKey() string      { return q.base + ":delayed" }
func (q *Queue) activeKey() string       { return q.base + ":active" }
func (q *Queue) seqKey() string          { return q.base + ":seq" }

// Add inserts a job, replacing a waiting or delayed job with the same id so
// the fresh payload wins. The replacement keeps the old job's place in line,
// and a job backing off after a failed attempt keeps its attempt count and
// does not run before its retry time. A job that is currently running is
// left alone.
func (q *Queue) Add(ctx context.Context, id, name string, data any, opts Options) (AddResult, error) {
	if id == "" {
		return 0, errs.Newf(errs.KindNonTransient, "queue add", "job id is required")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, errs.New(errs.KindNonTransient, "marshal job "+id, err)
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	now := q.now()
	runAt := now.Add(opts.Delay)
	n, err := addScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.waitingKey(), q.delayedKey(), q.activeKey(), q.seqKey()},
		id, name, string(payload), opts.Priority, attempts, opts.Backoff.Milliseconds(),
		now.UnixMilli(), runAt.UnixMilli(),
	).Int()
	if err != nil {
		return 0, errs.Wrap("queue add "+id, err)
	}
	return AddResult(n), nil
}

// Reserve leases the next ready job, promoting due delayed jobs first.
// It returns nil when nothing is ready.
func (q *Queue) Reserve(ctx context.Context) (*Job, error) {
	token := uuid.NewString()
	raw, err := reserveScript.Run(ctx, q.rdb,
		[]string{q.waitingKey(), q.delayedKey(), q.activeKey()},
		q.now().UnixMilli(), q.lease.Milliseconds(), q.jobPrefix(), token,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap("queue reserve", err)
	}
	job := parseJob(pairs(raw))
	job.State = StateActive
	return job, nil
}

// Complete removes a finished job. It reports false when the lease was lost,
// e.g. because the job timed out and was reclaimed.
func (q *Queue) Complete(ctx context.Context, job *Job) (bool, error) {
	n, err := finishScript.Run(ctx, q.rdb, []string{q.activeKey(), q.jobKey(job.ID)}, job.ID, job.lease).Int()
	if err != nil {
		return false, errs.Wrap("queue complete "+job.ID, err)
	}
	return n == 1, nil
}

// Fail removes a job that will not be retried. The caller records it.
func (q *Queue) Fail(ctx context.Context, job *Job) (bool, error) {
	return q.Complete(ctx, job)
}

// Retry puts a leased job back as delayed until runAt.
func (q *Queue) Retry(ctx context.Context, job *Job, runAt time.Time, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = errs.Sanitize(cause.Error())
	}
	n, err := retryScript.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.delayedKey(), q.jobKey(job.ID)},
		job.ID, job.lease, runAt.UnixMilli(), msg,
	).Int()
	if err != nil {
		return false, errs.Wrap("queue retry "+job.ID, err)
	}
	return n == 1, nil
}

// Remove drops a pending job. Active jobs are not touched.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	n, err := removeScript.Run(ctx, q.rdb,
		[]string{q.waitingKey(), q.delayedKey(), q.jobKey(id)}, id).Int()
	if err != nil {
		return false, errs.Wrap("queue remove "+id, err)
	}
	return n > 0, nil
}

// Reclaim treats jobs whose lease ran out as failed. Jobs with attempts
// left are rescheduled; exhausted jobs are returned and purged.
func (q *Queue) Reclaim(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := reclaimScript.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.delayedKey()},
		q.now().UnixMilli(), q.jobPrefix(), limit,
	).StringSlice()
	if err != nil {
		return nil, errs.Wrap("queue reclaim", err)
	}

	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
		if err != nil {
			return out, errs.Wrap("queue reclaim read "+id, err)
		}
		job := parseJob(fields)
		if job.ID == "" {
			job.ID = id
		}
		job.LastError = "job lease expired"
		out = append(out, job)
		if err := q.rdb.Del(ctx, q.jobKey(id)).Err(); err != nil {
			return out, errs.Wrap("queue reclaim purge "+id, err)
		}
	}
	return out, nil
}

// Get returns a job and its state, or nil if no such job exists.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, errs.Wrap("queue get "+id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	job := parseJob(fields)
	job.State = StateUnknown
	for state, key := range map[JobState]string{
		StateWaiting: q.waitingKey(),
		StateDelayed: q.delayedKey(),
		StateActive:  q.activeKey(),
	} {
		err := q.rdb.ZScore(ctx, key, id).Err()
		if err == nil {
			job.State = state
			break
		}
		if !errors.Is(err, redis.Nil) {
			return nil, errs.Wrap("queue get "+id, err)
		}
	}
	return job, nil
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var w, d, a *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		w = p.ZCard(ctx, q.waitingKey())
		d = p.ZCard(ctx, q.delayedKey())
		a = p.ZCard(ctx, q.activeKey())
		return nil
	})
	if err != nil {
		return Counts{}, errs.Wrap("queue counts", err)
	}
	return Counts{Waiting: w.Val(), Delayed: d.Val(), Active: a.Val()}, nil
}

// Depth is waiting + delayed, the load signal for admission control.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	c, err := q.Counts(ctx)
	if err != nil {
		return 0, err
	}
	return c.Waiting + c.Delayed, nil
}

func pairs(flat []string) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}
	return m
}

func parseJob(f map[string]string) *Job {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(f[k])
		return n
	}
	ms := func(k string) int64 {
		n, _ := strconv.ParseInt(f[k], 10, 64)
		return n
	}
	job := &Job{
		ID:           f["id"],
		Name:         f["name"],
		Data:         json.RawMessage(f["data"]),
		Priority:     atoi("priority"),
		MaxAttempts:  atoi("max_attempts"),
		Backoff:      time.Duration(ms("backoff_ms")) * time.Millisecond,
		AttemptsMade: atoi("attempts_made"),
		CreatedAt:    time.UnixMilli(ms("created_at")),
		LastError:    f["last_error"],
		lease:        f["lease"],
	}
	if started := ms("started_at"); started > 0 {
		t := time.UnixMilli(started)
		job.StartedAt = &t
	}
	return job
}

// String is used in logs.
func (j *Job) String() string {
	return fmt.Sprintf("%s(%s) attempt %d/%d", j.Name, j.ID, j.AttemptsMade, j.MaxAttempts)
}
