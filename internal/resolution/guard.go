package resolution

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"mangasync/internal/errs"
	"mangasync/internal/events"
	"mangasync/pkg/models"
)

// ErrEntryBusy is returned to user-initiated retries when another attempt
// holds the entry.
var ErrEntryBusy = errors.New("library entry is being resolved")

// LockMode selects how a contended entry row is handled.
type LockMode int

const (
	// SkipLocked returns no row when the entry is locked.
	SkipLocked LockMode = iota
	// NoWait fails at once when the entry is locked.
	NoWait
)

// Candidate is a series matched by similarity search.
type Candidate struct {
	SeriesID string  `json:"series_id"`
	Title    string  `json:"title"`
	Score    float64 `json:"score"`
}

// Store runs serializable transactions.
type Store interface {
	InSerializableTx(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the resolution write set.
type Tx interface {
	// LockEntry locks the entry row. With SkipLocked a locked or missing row
	// yields (nil, nil).
	LockEntry(ctx context.Context, entryID string, mode LockMode) (*models.LibraryEntry, error)
	SeriesMetadataLocked(ctx context.Context, seriesID string) (bool, error)
	SearchSeries(ctx context.Context, query string, threshold float64, limit int) ([]Candidate, error)
	MarkResolved(ctx context.Context, entryID, seriesID, source string, attempt int) error
	RecordAttempt(ctx context.Context, entryID, status string, attempt int) error
}

// RetryScheduler queues the next background attempt.
type RetryScheduler interface {
	DispatchResolutionRetry(ctx context.Context, entryID string, delay time.Duration) error
}

type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Outcome statuses.
const (
	OutcomeResolved        = "resolved"
	OutcomeRetryScheduled  = "retry_scheduled"
	OutcomeUnavailable     = "unavailable"
	OutcomeSkippedOverride = "skipped_override"
	OutcomeSkippedLocked   = "skipped_locked"
	OutcomeAlreadyResolved = "already_resolved"
)

type Outcome struct {
	Status    string        `json:"status"`
	SeriesID  string        `json:"series_id,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Strategy  string        `json:"strategy,omitempty"`
	Score     float64       `json:"score,omitempty"`
	NextRetry time.Duration `json:"next_retry,omitempty"`
}

type Config struct {
	MaxAttempts         int
	RetryDelay          time.Duration
	SerializableRetries int
	TxTimeout           time.Duration
}

// Guard runs metadata resolution for library entries so that concurrent
// attempts on one entry never interleave.
type Guard struct {
	store     Store
	scheduler RetryScheduler
	pub       Publisher
	cfg       Config
	log       zerolog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewGuard(store Store, scheduler RetryScheduler, pub Publisher, cfg Config, log zerolog.Logger) *Guard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Minute
	}
	if cfg.SerializableRetries <= 0 {
		cfg.SerializableRetries = 3
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 30 * time.Second
	}
	return &Guard{
		store:     store,
		scheduler: scheduler,
		pub:       pub,
		cfg:       cfg,
		log:       log.With().Str("component", "resolution").Logger(),
		sleep:     sleepCtx,
	}
}

// CanEnrich is false for entries whose metadata was set by hand, either on
// the entry itself or on the series it points to.
func CanEnrich(entry models.LibraryEntry, seriesLocked bool) bool {
	if entry.MetadataSource == models.MetadataSourceUserOverride {
		return false
	}
	return !seriesLocked
}

// RetryBackground is used by workers. A concurrently locked entry is
// skipped silently.
func (g *Guard) RetryBackground(ctx context.Context, entryID string) (Outcome, error) {
	return g.resolve(ctx, entryID, SkipLocked)
}

// RetryUser is used for synchronous user retries. A concurrently locked
// entry returns ErrEntryBusy immediately.
func (g *Guard) RetryUser(ctx context.Context, entryID string) (Outcome, error) {
	return g.resolve(ctx, entryID, NoWait)
}

func (g *Guard) resolve(ctx context.Context, entryID string, mode LockMode) (Outcome, error) {
	log := g.log.With().Str("entry_id", entryID).Logger()

	var out Outcome
	err := g.withSerializableRetry(ctx, log, func() error {
		return g.store.InSerializableTx(ctx, g.cfg.TxTimeout, func(ctx context.Context, tx Tx) error {
			var err error
			out, err = g.attempt(ctx, tx, entryID, mode)
			return err
		})
	})
	if err != nil {
		if mode == NoWait && (errs.Is(err, errs.KindLockConflict) || errors.Is(err, ErrEntryBusy)) {
			return Outcome{}, ErrEntryBusy
		}
		return Outcome{}, errs.Wrap("resolve entry "+entryID, err)
	}

	switch out.Status {
	case OutcomeRetryScheduled:
		if err := g.scheduler.DispatchResolutionRetry(ctx, entryID, out.NextRetry); err != nil {
			return out, errs.Wrap("schedule resolution retry "+entryID, err)
		}
		log.Info().Int("attempt", out.Attempt).Str("strategy", out.Strategy).Dur("next_retry", out.NextRetry).Msg("no match, retry scheduled")
	case OutcomeResolved:
		g.publish(ctx, events.Event{Type: events.TypeEntryResolved, EntryID: entryID, SeriesID: out.SeriesID})
		log.Info().Int("attempt", out.Attempt).Str("series_id", out.SeriesID).Float64("score", out.Score).Msg("entry resolved")
	case OutcomeUnavailable:
		g.publish(ctx, events.Event{Type: events.TypeEntryUnavailable, EntryID: entryID})
		log.Warn().Int("attempt", out.Attempt).Msg("resolution attempts exhausted")
	default:
		log.Debug().Str("outcome", out.Status).Msg("resolution skipped")
	}
	return out, nil
}

func (g *Guard) attempt(ctx context.Context, tx Tx, entryID string, mode LockMode) (Outcome, error) {
	entry, err := tx.LockEntry(ctx, entryID, mode)
	if err != nil {
		return Outcome{}, err
	}
	if entry == nil {
		return Outcome{Status: OutcomeSkippedLocked}, nil
	}

	seriesLocked := false
	if entry.SeriesID != nil {
		if seriesLocked, err = tx.SeriesMetadataLocked(ctx, *entry.SeriesID); err != nil {
			return Outcome{}, err
		}
	}
	if !CanEnrich(*entry, seriesLocked) {
		return Outcome{Status: OutcomeSkippedOverride}, nil
	}
	if entry.MetadataStatus == models.MetadataEnriched {
		return Outcome{Status: OutcomeAlreadyResolved}, nil
	}

	attempt := entry.RetryCount + 1
	strat := StrategyFor(attempt)

	best, err := g.search(ctx, tx, *entry, strat)
	if err != nil {
		return Outcome{}, err
	}
	if best != nil {
		if err := tx.MarkResolved(ctx, entry.ID, best.SeriesID, strat.Name, attempt); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: OutcomeResolved, SeriesID: best.SeriesID, Attempt: attempt, Strategy: strat.Name, Score: best.Score}, nil
	}

	if attempt >= g.cfg.MaxAttempts {
		if err := tx.RecordAttempt(ctx, entry.ID, models.MetadataUnavailable, attempt); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: OutcomeUnavailable, Attempt: attempt, Strategy: strat.Name}, nil
	}
	if err := tx.RecordAttempt(ctx, entry.ID, models.MetadataFailed, attempt); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: OutcomeRetryScheduled, Attempt: attempt, Strategy: strat.Name, NextRetry: g.retryDelay(attempt)}, nil
}

func (g *Guard) search(ctx context.Context, tx Tx, entry models.LibraryEntry, strat Strategy) (*Candidate, error) {
	var best *Candidate
	for _, q := range strat.Queries(entry) {
		cands, err := tx.SearchSeries(ctx, q, strat.Threshold, strat.MaxCandidates)
		if err != nil {
			return nil, fmt.Errorf("search %q: %w", q, err)
		}
		for i := range cands {
			c := cands[i]
			if c.Score < strat.Threshold {
				continue
			}
			if best == nil || c.Score > best.Score {
				best = &c
			}
		}
	}
	return best, nil
}

// retryDelay doubles per attempt and is capped at a day.
func (g *Guard) retryDelay(attempt int) time.Duration {
	d := g.cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 24*time.Hour {
			return 24 * time.Hour
		}
	}
	return d
}

// withSerializableRetry reruns fn on serialization conflicts only. Other
// errors go straight back to the caller and the job queue's retry policy.
func (g *Guard) withSerializableRetry(ctx context.Context, log zerolog.Logger, fn func() error) error {
	var err error
	for i := 0; i <= g.cfg.SerializableRetries; i++ {
		err = fn()
		if err == nil || !errs.Is(err, errs.KindSerialization) {
			return err
		}
		if i == g.cfg.SerializableRetries {
			break
		}
		backoff := time.Duration(25<<i)*time.Millisecond + rand.N(25*time.Millisecond)
		log.Debug().Err(err).Int("retry", i+1).Dur("backoff", backoff).Msg("serialization conflict")
		if serr := g.sleep(ctx, backoff); serr != nil {
			return serr
		}
	}
	return err
}

func (g *Guard) publish(ctx context.Context, ev events.Event) {
	if g.pub == nil {
		return
	}
	if err := g.pub.Publish(ctx, ev); err != nil {
		g.log.Warn().Err(err).Str("type", ev.Type).Msg("publish event")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
