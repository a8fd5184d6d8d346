package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mangasync/internal/errs"
	"mangasync/internal/events"
	"mangasync/pkg/models"
)

const (
	DefaultMaxChapters = 500
	DefaultLockTTL     = 60 * time.Second
	DefaultLockWait    = 10 * time.Second
	DefaultTxTimeout   = 30 * time.Second
)

// Store opens bounded transactions over the chapter timeline.
type Store interface {
	InTx(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, tx Tx) error) error
	ChapterCount(ctx context.Context, seriesID string) (int, error)
}

// Tx is the write set of one chapter ingest.
type Tx interface {
	// UpsertChapter inserts or retitles the logical chapter and reports
	// whether it was created.
	UpsertChapter(ctx context.Context, seriesID string, number decimal.Decimal, title string) (id string, created bool, err error)
	// UpsertChapterSource records that a source exposes a chapter.
	UpsertChapterSource(ctx context.Context, seriesSourceID, chapterID, url string, detectedAt time.Time) (created bool, err error)
	// AdvanceLastChapterAt moves the series' last chapter date forward only
	// when at is strictly newer than the stored value.
	AdvanceLastChapterAt(ctx context.Context, seriesID string, at time.Time) (bool, error)
	IncrementChapterCount(ctx context.Context, seriesID string, delta int) error
}

// Locker provides TTL-bounded mutual exclusion.
type Locker interface {
	WithLock(ctx context.Context, name string, ttl, wait time.Duration, fn func(ctx context.Context) error) error
}

// Publisher receives events after commit.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

type Config struct {
	MaxChapters int
	LockTTL     time.Duration
	LockWait    time.Duration
	TxTimeout   time.Duration
}

// Batch is one sync's worth of chapters from one series-source.
type Batch struct {
	SeriesID       string
	SeriesSourceID string
	Chapters       []models.ChapterRecord
	ExpectNew      bool
}

// Result summarizes an ingest.
type Result struct {
	Received       int  `json:"received"`
	Truncated      int  `json:"truncated"`
	Skipped        int  `json:"skipped"`
	Processed      int  `json:"processed"`
	Created        int  `json:"created"`
	Linked         int  `json:"linked"`
	AdvancedLatest bool `json:"advanced_latest"`
}

// Guard serializes writes to a series' chapter timeline per chapter
// identity and makes each chapter's writes one transaction.
type Guard struct {
	store  Store
	locker Locker
	pub    Publisher
	cfg    Config
	now    func() time.Time
	log    zerolog.Logger
}

func NewGuard(store Store, locker Locker, pub Publisher, cfg Config, log zerolog.Logger) *Guard {
	if cfg.MaxChapters <= 0 {
		cfg.MaxChapters = DefaultMaxChapters
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultLockWait
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = DefaultTxTimeout
	}
	return &Guard{
		store:  store,
		locker: locker,
		pub:    pub,
		cfg:    cfg,
		now:    time.Now,
		log:    log.With().Str("component", "ingest").Logger(),
	}
}

// LockName is the lock guarding one chapter identity of a series.
func LockName(seriesID, identityKey string) string {
	return fmt.Sprintf("ingest:%s:%s", seriesID, identityKey)
}

// IngestBatch writes a batch. A failure on any chapter aborts the batch and
// is returned classified; chapters already written stay written and are
// no-ops when the job is retried.
func (g *Guard) IngestBatch(ctx context.Context, b Batch) (Result, error) {
	res := Result{Received: len(b.Chapters)}
	log := g.log.With().Str("series_id", b.SeriesID).Str("series_source_id", b.SeriesSourceID).Logger()

	records, dropped := Truncate(b.Chapters, g.cfg.MaxChapters)
	if dropped > 0 {
		res.Truncated = dropped
		log.Warn().Int("received", len(b.Chapters)).Int("kept", len(records)).Msg("chapter batch truncated")
	}

	var created []string
	for _, rec := range records {
		key := IdentityKey(rec.Number)
		if key == SentinelKey {
			res.Skipped++
			log.Warn().Str("title", rec.Title).Str("url", rec.URL).Msg("skip chapter without a valid number")
			continue
		}

		var isNew, linked, advanced bool
		err := g.locker.WithLock(ctx, LockName(b.SeriesID, key), g.cfg.LockTTL, g.cfg.LockWait, func(ctx context.Context) error {
			return g.store.InTx(ctx, g.cfg.TxTimeout, func(ctx context.Context, tx Tx) error {
				var err error
				isNew, linked, advanced, err = g.writeChapter(ctx, tx, b, rec)
				return err
			})
		})
		if err != nil {
			return res, errs.Wrap("ingest chapter "+key, err)
		}

		res.Processed++
		if isNew {
			res.Created++
			created = append(created, key)
		}
		if linked {
			res.Linked++
		}
		if advanced {
			res.AdvancedLatest = true
		}
	}

	g.checkAfterCommit(ctx, log, b, res)

	for _, key := range created {
		ev := events.Event{Type: events.TypeChapterDetected, SeriesID: b.SeriesID, SeriesSourceID: b.SeriesSourceID, Chapter: key}
		if err := g.pub.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Str("chapter", key).Msg("publish chapter event")
		}
	}

	log.Info().
		Int("processed", res.Processed).
		Int("created", res.Created).
		Int("linked", res.Linked).
		Int("skipped", res.Skipped).
		Msg("ingest complete")
	return res, nil
}

func (g *Guard) writeChapter(ctx context.Context, tx Tx, b Batch, rec models.ChapterRecord) (isNew, linked, advanced bool, err error) {
	chapterID, isNew, err := tx.UpsertChapter(ctx, b.SeriesID, rec.Number.Round(2), rec.Title)
	if err != nil {
		return false, false, false, fmt.Errorf("upsert chapter: %w", err)
	}
	linked, err = tx.UpsertChapterSource(ctx, b.SeriesSourceID, chapterID, rec.URL, g.now())
	if err != nil {
		return false, false, false, fmt.Errorf("upsert chapter source: %w", err)
	}
	if isNew {
		if err := tx.IncrementChapterCount(ctx, b.SeriesID, 1); err != nil {
			return false, false, false, fmt.Errorf("increment chapter count: %w", err)
		}
	}
	if rec.PublishedAt != nil {
		advanced, err = tx.AdvanceLastChapterAt(ctx, b.SeriesID, *rec.PublishedAt)
		if err != nil {
			return false, false, false, fmt.Errorf("advance last chapter date: %w", err)
		}
	}
	return isNew, linked, advanced, nil
}

// checkAfterCommit logs invariant violations without failing the job.
func (g *Guard) checkAfterCommit(ctx context.Context, log zerolog.Logger, b Batch, res Result) {
	count, err := g.store.ChapterCount(ctx, b.SeriesID)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("read chapter count after ingest")
	case count < 0:
		log.Error().Int("chapter_count", count).Msg("negative chapter count after ingest")
	}
	if b.ExpectNew && res.Created == 0 {
		log.Warn().Int("received", res.Received).Msg("source reported new chapters but none were created")
	}
}
