package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mangasync/pkg/models"
)

// Job names.
const (
	JobSync            = "sync"
	JobIngest          = "ingest"
	JobRetryResolution = "retry-resolution"
)

// JobTypeOptions are the per-type retry settings.
type JobTypeOptions struct {
	Attempts int
	Backoff  time.Duration
}

var DefaultJobOptions = map[string]JobTypeOptions{
	JobSync:            {Attempts: 3, Backoff: 30 * time.Second},
	JobIngest:          {Attempts: 5, Backoff: 10 * time.Second},
	JobRetryResolution: {Attempts: 3, Backoff: time.Minute},
}

// SyncPayload asks a worker to poll one series-source.
type SyncPayload struct {
	SeriesSourceID string          `json:"series_source_id"`
	Extra          json.RawMessage `json:"extra,omitempty"`
}

// IngestPayload carries fetched chapters into the ingestion guard.
type IngestPayload struct {
	SeriesID       string                 `json:"series_id"`
	SeriesSourceID string                 `json:"series_source_id"`
	Chapters       []models.ChapterRecord `json:"chapters"`
	// ExpectNew is set when the source reported new chapters, so an ingest
	// that adds none is worth a warning.
	ExpectNew bool `json:"expect_new"`
}

// ResolutionPayload names a library entry to resolve.
type ResolutionPayload struct {
	EntryID string `json:"entry_id"`
}

func SyncJobID(seriesSourceID string) string { return "sync-" + seriesSourceID }
func IngestJobID(dedupKey string) string     { return "ingest-" + dedupKey }
func ResolutionJobID(entryID string) string  { return "retry-resolution-" + entryID }

// Dispatcher enqueues jobs under deterministic ids so that re-dispatching
// the same unit of work replaces the pending job instead of adding another.
type Dispatcher struct {
	q       *Queue
	options map[string]JobTypeOptions
	log     zerolog.Logger
}

func NewDispatcher(q *Queue, options map[string]JobTypeOptions, log zerolog.Logger) *Dispatcher {
	if options == nil {
		options = DefaultJobOptions
	}
	return &Dispatcher{q: q, options: options, log: log.With().Str("component", "dispatch").Logger()}
}

func (d *Dispatcher) add(ctx context.Context, id, name string, data any, priority int, delay time.Duration) error {
	o := d.options[name]
	res, err := d.q.Add(ctx, id, name, data, Options{
		Priority: priority,
		Delay:    delay,
		Attempts: o.Attempts,
		Backoff:  o.Backoff,
	})
	if err != nil {
		return err
	}
	d.log.Debug().Str("job_id", id).Str("job", name).Int("priority", priority).Str("result", res.String()).Msg("dispatched")
	return nil
}

// DispatchSync queues sync-{seriesSourceID}. data, if not nil, travels as
// the payload's extra field.
func (d *Dispatcher) DispatchSync(ctx context.Context, seriesSourceID string, priority int, data any) error {
	p := SyncPayload{SeriesSourceID: seriesSourceID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal sync data: %w", err)
		}
		p.Extra = raw
	}
	return d.add(ctx, SyncJobID(seriesSourceID), JobSync, p, priority, 0)
}

// DispatchIngest queues ingest-{dedupKey}.
func (d *Dispatcher) DispatchIngest(ctx context.Context, dedupKey string, p IngestPayload, priority int) error {
	return d.add(ctx, IngestJobID(dedupKey), JobIngest, p, priority, 0)
}

// DispatchResolutionRetry queues retry-resolution-{entryID} to run after delay.
func (d *Dispatcher) DispatchResolutionRetry(ctx context.Context, entryID string, delay time.Duration) error {
	return d.add(ctx, ResolutionJobID(entryID), JobRetryResolution, ResolutionPayload{EntryID: entryID}, 3, delay)
}
