package jobs

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"mangasync/internal/errs"
	"mangasync/internal/ingest"
	"mangasync/internal/queue"
	"mangasync/internal/resolution"
	"mangasync/internal/worker"
)

type Ingester interface {
	IngestBatch(ctx context.Context, b ingest.Batch) (ingest.Result, error)
}

type Resolver interface {
	RetryBackground(ctx context.Context, entryID string) (resolution.Outcome, error)
}

// Ingest writes a fetched batch through the ingestion guard.
func Ingest(g Ingester) worker.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p queue.IngestPayload
		if err := json.Unmarshal(job.Data, &p); err != nil {
			return errs.New(errs.KindNonTransient, "decode ingest payload", err)
		}
		if p.SeriesID == "" || p.SeriesSourceID == "" {
			return errs.Newf(errs.KindNonTransient, "decode ingest payload", "job %s is missing series ids", job.ID)
		}
		_, err := g.IngestBatch(ctx, ingest.Batch{
			SeriesID:       p.SeriesID,
			SeriesSourceID: p.SeriesSourceID,
			Chapters:       p.Chapters,
			ExpectNew:      p.ExpectNew,
		})
		return err
	}
}

// RetryResolution runs one background resolution attempt.
func RetryResolution(r Resolver) worker.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p queue.ResolutionPayload
		if err := json.Unmarshal(job.Data, &p); err != nil {
			return errs.New(errs.KindNonTransient, "decode resolution payload", err)
		}
		if p.EntryID == "" {
			return errs.Newf(errs.KindNonTransient, "decode resolution payload", "job %s has no entry id", job.ID)
		}
		_, err := r.RetryBackground(ctx, p.EntryID)
		return err
	}
}

// Registrar is satisfied by the worker pool.
type Registrar interface {
	Handle(name string, h worker.Handler)
}

// Register wires every job type to its handler.
func Register(r Registrar, sync *Sync, ingester Ingester, resolver Resolver, log zerolog.Logger) {
	r.Handle(queue.JobSync, sync.Handle)
	r.Handle(queue.JobIngest, Ingest(ingester))
	r.Handle(queue.JobRetryResolution, RetryResolution(resolver))
	log.Debug().Strs("jobs", []string{queue.JobSync, queue.JobIngest, queue.JobRetryResolution}).Msg("job handlers registered")
}
