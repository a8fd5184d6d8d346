package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"mangasync/internal/events"
	"mangasync/internal/gatekeeper"
	"mangasync/internal/jobs"
	"mangasync/pkg/models"
)

type SeriesSources interface {
	DueSeriesSources(ctx context.Context, now time.Time, limit int) ([]models.SeriesSource, error)
	OverdueSeriesSources(ctx context.Context, now, cutoff time.Time, limit int) ([]models.SeriesSource, error)
	ScheduleNextCheck(ctx context.Context, id string, next time.Time) error
}

type Library interface {
	PendingEntries(ctx context.Context, before time.Time, limit int) ([]models.LibraryEntry, error)
}

// Gatekeeper admits proposals and reports load.
type Gatekeeper interface {
	Submit(ctx context.Context, p gatekeeper.Proposal) (gatekeeper.Decision, error)
	GetSystemHealth(ctx context.Context) gatekeeper.Health
}

type ResolutionDispatcher interface {
	DispatchResolutionRetry(ctx context.Context, entryID string, delay time.Duration) error
}

type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

type Config struct {
	Interval           time.Duration
	BatchSize          int
	GapWindow          time.Duration
	ProposalsPerSecond float64
	// Entries whose last failed attempt is older than this have lost their
	// retry job and are queued again.
	StaleEntryAfter time.Duration
}

// Stats summarizes one tick.
type Stats struct {
	Proposed int                       `json:"proposed"`
	Admitted int                       `json:"admitted"`
	Rejected map[string]int            `json:"rejected,omitempty"`
	Entries  int                       `json:"entries"`
	Status   gatekeeper.LoadStatus     `json:"status"`
	ByReason map[gatekeeper.Reason]int `json:"by_reason,omitempty"`
}

// Scheduler turns due series-sources into sync proposals and re-queues
// library entries that still need resolving.
type Scheduler struct {
	series  SeriesSources
	library Library
	gate    Gatekeeper
	resolve ResolutionDispatcher
	pub     Publisher
	cfg     Config
	pacer   *rate.Limiter
	now     func() time.Time
	log     zerolog.Logger

	lastStatus gatekeeper.LoadStatus
}

func New(series SeriesSources, library Library, gate Gatekeeper, resolve ResolutionDispatcher, pub Publisher, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.GapWindow <= 0 {
		cfg.GapWindow = 48 * time.Hour
	}
	if cfg.ProposalsPerSecond <= 0 {
		cfg.ProposalsPerSecond = 50
	}
	if cfg.StaleEntryAfter <= 0 {
		cfg.StaleEntryAfter = 25 * time.Hour
	}
	return &Scheduler{
		series:  series,
		library: library,
		gate:    gate,
		resolve: resolve,
		pub:     pub,
		cfg:     cfg,
		pacer:   rate.NewLimiter(rate.Limit(cfg.ProposalsPerSecond), 1),
		now:     time.Now,
		log:     log.With().Str("component", "scheduler").Logger(),
	}
}

// Run ticks until ctx is done, starting with an immediate tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.cfg.Interval).Msg("scheduler starting")
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		st := s.Tick(ctx)
		if ctx.Err() == nil {
			s.log.Info().
				Int("proposed", st.Proposed).
				Int("admitted", st.Admitted).
				Int("entries", st.Entries).
				Str("status", string(st.Status)).
				Msg("tick")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) Stats {
	st := Stats{Rejected: map[string]int{}, ByReason: map[gatekeeper.Reason]int{}}
	now := s.now()

	health := s.gate.GetSystemHealth(ctx)
	st.Status = health.Status
	s.noteStatus(ctx, health)

	due, err := s.series.DueSeriesSources(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("load due series sources")
	}
	for _, ss := range due {
		if !s.propose(ctx, &st, ss, gatekeeper.ReasonPeriodic, now) {
			return st
		}
	}

	overdue, err := s.series.OverdueSeriesSources(ctx, now, now.Add(-s.cfg.GapWindow), s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("load overdue series sources")
	}
	for _, ss := range overdue {
		if !s.propose(ctx, &st, ss, gatekeeper.ReasonGapRecovery, now) {
			return st
		}
	}

	st.Entries = s.queueEntries(ctx, now)
	return st
}

// propose submits one proposal. It returns false when ctx is done.
func (s *Scheduler) propose(ctx context.Context, st *Stats, ss models.SeriesSource, reason gatekeeper.Reason, now time.Time) bool {
	if err := s.pacer.Wait(ctx); err != nil {
		return false
	}
	st.Proposed++

	d, err := s.gate.Submit(ctx, gatekeeper.Proposal{
		SeriesSourceID: ss.ID,
		Tier:           ss.Tier,
		Reason:         reason,
		Metadata:       gatekeeper.MetadataFor(ss),
		JobData:        jobs.SyncRequest{Reason: reason},
	})
	if err != nil {
		s.log.Error().Err(err).Str("series_source_id", ss.ID).Msg("submit proposal")
		st.Rejected["error"]++
		return true
	}
	if d.Allowed {
		st.Admitted++
		st.ByReason[reason]++
		return true
	}
	st.Rejected[d.Reason]++

	// A fully crawled Tier A source would be proposed and rejected on every
	// tick; park it for a cold-tier interval instead.
	if d.Reason == gatekeeper.ReasonTierOneShot {
		if err := s.series.ScheduleNextCheck(ctx, ss.ID, jobs.NextCheck(models.TierC, now)); err != nil {
			s.log.Warn().Err(err).Str("series_source_id", ss.ID).Msg("park tier A source")
		}
	}
	return true
}

func (s *Scheduler) queueEntries(ctx context.Context, now time.Time) int {
	entries, err := s.library.PendingEntries(ctx, now.Add(-s.cfg.StaleEntryAfter), s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("load pending library entries")
		return 0
	}
	n := 0
	for _, e := range entries {
		if err := s.resolve.DispatchResolutionRetry(ctx, e.ID, 0); err != nil {
			s.log.Error().Err(err).Str("entry_id", e.ID).Msg("queue resolution")
			continue
		}
		n++
	}
	return n
}

func (s *Scheduler) noteStatus(ctx context.Context, h gatekeeper.Health) {
	if h.Status == s.lastStatus {
		return
	}
	prev := s.lastStatus
	s.lastStatus = h.Status
	if prev == "" {
		return
	}
	s.log.Warn().Str("from", string(prev)).Str("to", string(h.Status)).Int64("queue_depth", h.QueueDepth).Msg("load status changed")
	if s.pub != nil {
		ev := events.Event{Type: events.TypeLoadChanged, Message: string(prev) + " -> " + string(h.Status)}
		if err := s.pub.Publish(ctx, ev); err != nil {
			s.log.Warn().Err(err).Msg("publish load change")
		}
	}
}
