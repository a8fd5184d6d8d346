package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"mangasync/internal/errs"
	"mangasync/internal/events"
	"mangasync/internal/gatekeeper"
	"mangasync/internal/ingest"
	"mangasync/internal/queue"
	"mangasync/internal/scraper"
	"mangasync/pkg/models"
)

// SyncRequest travels in the extra field of a sync payload.
type SyncRequest struct {
	Reason gatekeeper.Reason `json:"reason"`
}

// SeriesSources is the scheduling state the sync handler reads and writes.
type SeriesSources interface {
	GetSeriesSource(ctx context.Context, id string) (*models.SeriesSource, error)
	RecordSyncSuccess(ctx context.Context, id string, at, next time.Time) error
	RecordSyncFailure(ctx context.Context, id string) (int, error)
	ScheduleNextCheck(ctx context.Context, id string, next time.Time) error
	Disable(ctx context.Context, id string) error
}

type NegativeCache interface {
	ShouldSkip(ctx context.Context, sourceKey string) bool
	RecordResult(ctx context.Context, sourceKey string, isEmpty bool) error
}

type SourceLookup interface {
	Get(name string) (scraper.Source, bool)
}

type IngestDispatcher interface {
	DispatchIngest(ctx context.Context, dedupKey string, p queue.IngestPayload, priority int) error
}

type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Sync polls one series-source and hands any chapters to an ingest job.
type Sync struct {
	series   SeriesSources
	negative NegativeCache
	sources  SourceLookup
	limiter  scraper.TokenAcquirer
	ingest   IngestDispatcher
	pub      Publisher
	maxWait  time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewSync(series SeriesSources, negative NegativeCache, sources SourceLookup, limiter scraper.TokenAcquirer,
	ingest IngestDispatcher, pub Publisher, maxWait time.Duration, log zerolog.Logger) *Sync {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &Sync{
		series:   series,
		negative: negative,
		sources:  sources,
		limiter:  limiter,
		ingest:   ingest,
		pub:      pub,
		maxWait:  maxWait,
		now:      time.Now,
		log:      log.With().Str("component", "sync").Logger(),
	}
}

func (s *Sync) Handle(ctx context.Context, job *queue.Job) error {
	var p queue.SyncPayload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return errs.New(errs.KindNonTransient, "decode sync payload", err)
	}
	var req SyncRequest
	if len(p.Extra) > 0 {
		if err := json.Unmarshal(p.Extra, &req); err != nil {
			return errs.New(errs.KindNonTransient, "decode sync request", err)
		}
	}
	if req.Reason == "" {
		req.Reason = gatekeeper.ReasonPeriodic
	}
	log := s.log.With().Str("series_source_id", p.SeriesSourceID).Str("reason", string(req.Reason)).Logger()

	ss, err := s.series.GetSeriesSource(ctx, p.SeriesSourceID)
	if err != nil {
		return errs.Wrap("load series source", err)
	}
	if ss == nil {
		return errs.Newf(errs.KindNonTransient, "load series source", "series source %s not found", p.SeriesSourceID)
	}
	if ss.Disabled {
		log.Info().Msg("series source disabled, skipping")
		return nil
	}

	now := s.now()
	// Only scheduled polls honor the negative cache. An explicit request
	// always reaches the source.
	if req.Reason == gatekeeper.ReasonPeriodic && s.negative.ShouldSkip(ctx, ss.ID) {
		log.Debug().Msg("recently empty, skipping poll")
		return errs.Wrap("schedule next check", s.series.ScheduleNextCheck(ctx, ss.ID, NextCheck(ss.Tier, now)))
	}

	src, ok := s.sources.Get(ss.SourceName)
	if !ok {
		return errs.Newf(errs.KindNonTransient, "lookup source", "no source registered for %q", ss.SourceName)
	}

	records, err := scraper.NewThrottled(src, s.limiter, s.maxWait).FetchChapters(ctx, *ss)
	if err != nil {
		// Running out of local rate budget says nothing about the source.
		if !errs.Is(err, errs.KindExhausted) {
			s.recordFailure(ctx, log, ss, err)
		}
		return errs.Wrap("sync "+ss.ID, err)
	}

	if err := s.negative.RecordResult(ctx, ss.ID, len(records) == 0); err != nil {
		log.Warn().Err(err).Msg("record negative cache result")
	}

	if len(records) > 0 {
		payload := queue.IngestPayload{
			SeriesID:       ss.SeriesID,
			SeriesSourceID: ss.ID,
			Chapters:       records,
			ExpectNew:      hasNewerThan(records, ss.LastSuccessAt),
		}
		if err := s.ingest.DispatchIngest(ctx, ingest.BatchKey(ss.ID, records), payload, job.Priority); err != nil {
			return errs.Wrap("dispatch ingest", err)
		}
	}

	if err := s.series.RecordSyncSuccess(ctx, ss.ID, now, NextCheck(ss.Tier, now)); err != nil {
		return errs.Wrap("record sync success", err)
	}
	log.Info().Int("chapters", len(records)).Str("tier", string(ss.Tier)).Msg("sync done")
	return nil
}

// recordFailure backs off the series-source's schedule. Bookkeeping errors
// are logged; the fetch error is what the worker acts on.
func (s *Sync) recordFailure(ctx context.Context, log zerolog.Logger, ss *models.SeriesSource, cause error) {
	failures, err := s.series.RecordSyncFailure(ctx, ss.ID)
	if err != nil {
		log.Error().Err(err).Msg("record sync failure")
		return
	}
	next := s.now().Add(FailureBackoff(failures))
	if err := s.series.ScheduleNextCheck(ctx, ss.ID, next); err != nil {
		log.Error().Err(err).Msg("schedule next check")
	}

	msg := errs.Sanitize(cause.Error())
	if failures >= maxConsecutiveFailures && !errs.Is(cause, errs.KindRateLimited) {
		if err := s.series.Disable(ctx, ss.ID); err != nil {
			log.Error().Err(err).Msg("disable series source")
		} else {
			log.Warn().Int("failures", failures).Msg("series source disabled after repeated failures")
			msg = "disabled: " + msg
		}
	}

	if s.pub != nil {
		ev := events.Event{Type: events.TypeSyncFailed, SeriesID: ss.SeriesID, SeriesSourceID: ss.ID, Message: msg}
		if err := s.pub.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Msg("publish sync failure")
		}
	}
	log.Warn().Int("failures", failures).Time("next_check_at", next).Str("kind", errs.Classify(cause).String()).Msg("sync failed")
}

func hasNewerThan(records []models.ChapterRecord, since *time.Time) bool {
	if since == nil {
		return true
	}
	for _, r := range records {
		if r.PublishedAt != nil && r.PublishedAt.After(*since) {
			return true
		}
	}
	return false
}
