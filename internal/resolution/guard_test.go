package resolution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mangasync/internal/errs"
	"mangasync/internal/events"
	"mangasync/pkg/models"
)

type fakeStore struct {
	mu        sync.Mutex
	entries   map[string]*models.LibraryEntry
	locked    map[string]bool // series id -> metadata locked
	busy      map[string]bool // entry id -> row lock held elsewhere
	scores    map[string]map[string]float64
	titles    map[string]string
	conflicts int
	calls     int
	queries   []string
	timeouts  []time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries: map[string]*models.LibraryEntry{},
		locked:  map[string]bool{},
		busy:    map[string]bool{},
		scores:  map[string]map[string]float64{},
		titles:  map[string]string{},
	}
}

type fakeTx struct{ s *fakeStore }

func (s *fakeStore) InSerializableTx(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.timeouts = append(s.timeouts, timeout)
	if s.conflicts > 0 {
		s.conflicts--
		return errs.New(errs.KindSerialization, "commit", errors.New("could not serialize access"))
	}
	return fn(ctx, fakeTx{s})
}

func (t fakeTx) LockEntry(_ context.Context, id string, mode LockMode) (*models.LibraryEntry, error) {
	if t.s.busy[id] {
		if mode == NoWait {
			return nil, errs.New(errs.KindLockConflict, "lock entry", errors.New("could not obtain lock"))
		}
		return nil, nil
	}
	e, ok := t.s.entries[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (t fakeTx) SeriesMetadataLocked(_ context.Context, seriesID string) (bool, error) {
	return t.s.locked[seriesID], nil
}

func (t fakeTx) SearchSeries(_ context.Context, q string, threshold float64, limit int) ([]Candidate, error) {
	t.s.queries = append(t.s.queries, q)
	var out []Candidate
	for seriesID, byQuery := range t.s.scores {
		if score, ok := byQuery[q]; ok && score >= threshold {
			out = append(out, Candidate{SeriesID: seriesID, Title: t.s.titles[seriesID], Score: score})
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t fakeTx) MarkResolved(_ context.Context, entryID, seriesID, source string, attempt int) error {
	e := t.s.entries[entryID]
	e.SeriesID = &seriesID
	e.MetadataStatus = models.MetadataEnriched
	e.MetadataSource = source
	e.RetryCount = attempt
	return nil
}

func (t fakeTx) RecordAttempt(_ context.Context, entryID, status string, attempt int) error {
	e := t.s.entries[entryID]
	e.MetadataStatus = status
	e.RetryCount = attempt
	return nil
}

type fakeScheduler struct {
	retries map[string]time.Duration
}

func (f *fakeScheduler) DispatchResolutionRetry(_ context.Context, entryID string, delay time.Duration) error {
	if f.retries == nil {
		f.retries = map[string]time.Duration{}
	}
	f.retries[entryID] = delay
	return nil
}

type nopPublisher struct{ evs []events.Event }

func (p *nopPublisher) Publish(_ context.Context, ev events.Event) error {
	p.evs = append(p.evs, ev)
	return nil
}

func newTestGuard(store *fakeStore, sched *fakeScheduler) *Guard {
	g := NewGuard(store, sched, &nopPublisher{}, Config{MaxAttempts: 4, RetryDelay: 30 * time.Minute, SerializableRetries: 3}, zerolog.Nop())
	g.sleep = func(context.Context, time.Duration) error { return nil }
	return g
}

func TestStrategyWidensEachAttempt(t *testing.T) {
	entry := models.LibraryEntry{
		Title:     "The Beginning After the End (Season 2)",
		AltTitles: []string{"TBATE"},
	}
	prev := StrategyFor(1)
	prevQueries := len(prev.Queries(entry))
	for attempt := 2; attempt <= 5; attempt++ {
		s := StrategyFor(attempt)
		if s.Threshold > prev.Threshold || s.MaxCandidates < prev.MaxCandidates {
			t.Fatalf("attempt %d narrowed the search: %+v after %+v", attempt, s, prev)
		}
		n := len(s.Queries(entry))
		if attempt <= 4 && n <= prevQueries {
			t.Errorf("attempt %d should add title variants, got %d queries after %d", attempt, n, prevQueries)
		}
		prev, prevQueries = s, n
	}
	if StrategyFor(1).Threshold != 0.85 || StrategyFor(1).MaxCandidates != 5 {
		t.Errorf("unexpected first strategy %+v", StrategyFor(1))
	}
	if StrategyFor(9).Name != "desperate" {
		t.Errorf("late attempts should use the desperate tier, got %s", StrategyFor(9).Name)
	}
}

func TestCanEnrichManualOverride(t *testing.T) {
	for _, status := range []string{models.MetadataPending, models.MetadataFailed, models.MetadataUnavailable, models.MetadataEnriched} {
		for _, retries := range []int{0, 1, 10} {
			e := models.LibraryEntry{MetadataSource: models.MetadataSourceUserOverride, MetadataStatus: status, RetryCount: retries}
			if CanEnrich(e, false) {
				t.Fatalf("override entry with status %s retries %d must not be enriched", status, retries)
			}
		}
	}
	if CanEnrich(models.LibraryEntry{}, true) {
		t.Error("locked series must not be enriched")
	}
	if !CanEnrich(models.LibraryEntry{MetadataStatus: models.MetadataPending}, false) {
		t.Error("plain pending entry should be enrichable")
	}
}

func TestOverrideEntryIsNeverTouched(t *testing.T) {
	store := newFakeStore()
	store.entries["e1"] = &models.LibraryEntry{ID: "e1", Title: "Solo Leveling", MetadataSource: models.MetadataSourceUserOverride, MetadataStatus: models.MetadataFailed, RetryCount: 3}
	store.scores["s1"] = map[string]float64{"solo leveling": 1}
	sched := &fakeScheduler{}

	out, err := newTestGuard(store, sched).RetryBackground(context.Background(), "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeSkippedOverride {
		t.Fatalf("expected override skip, got %+v", out)
	}
	if store.entries["e1"].MetadataStatus != models.MetadataFailed || len(store.queries) != 0 || len(sched.retries) != 0 {
		t.Fatal("override entry was modified or searched")
	}
}

func TestUserRetryFailsFastWhenBusy(t *testing.T) {
	store := newFakeStore()
	store.entries["e1"] = &models.LibraryEntry{ID: "e1", Title: "Berserk"}
	store.busy["e1"] = true

	_, err := newTestGuard(store, &fakeScheduler{}).RetryUser(context.Background(), "e1")
	if !errors.Is(err, ErrEntryBusy) {
		t.Fatalf("expected ErrEntryBusy, got %v", err)
	}
}

func TestBackgroundRetrySkipsBusyEntry(t *testing.T) {
	store := newFakeStore()
	store.entries["e1"] = &models.LibraryEntry{ID: "e1", Title: "Berserk"}
	store.busy["e1"] = true
	sched := &fakeScheduler{}

	out, err := newTestGuard(store, sched).RetryBackground(context.Background(), "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeSkippedLocked || len(sched.retries) != 0 {
		t.Fatalf("expected a clean skip, got %+v", out)
	}
}

func TestLaterAttemptFindsStrippedTitle(t *testing.T) {
	store := newFakeStore()
	store.entries["e1"] = &models.LibraryEntry{ID: "e1", Title: "Tower of God (Season 3)", MetadataStatus: models.MetadataPending}
	store.titles["tog"] = "Tower of God"
	store.scores["tog"] = map[string]float64{
		"tower of god season 3": 0.7,
		"tower of god":          1,
	}
	sched := &fakeScheduler{}
	g := newTestGuard(store, sched)
	ctx := context.Background()

	out, err := g.RetryBackground(ctx, "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeRetryScheduled || out.Attempt != 1 {
		t.Fatalf("tight first attempt should miss, got %+v", out)
	}
	if sched.retries["e1"] != 30*time.Minute {
		t.Errorf("expected 30m retry, got %s", sched.retries["e1"])
	}

	out, _ = g.RetryBackground(ctx, "e1")
	if out.Status != OutcomeRetryScheduled || out.Attempt != 2 {
		t.Fatalf("0.7 is still below the second threshold, got %+v", out)
	}
	if sched.retries["e1"] != time.Hour {
		t.Errorf("expected the retry delay to double, got %s", sched.retries["e1"])
	}

	out, _ = g.RetryBackground(ctx, "e1")
	if out.Status != OutcomeResolved || out.Attempt != 3 || out.SeriesID != "tog" {
		t.Fatalf("third attempt should resolve on the stripped title, got %+v", out)
	}
	if out.Strategy != "stripped" {
		t.Errorf("expected stripped strategy, got %s", out.Strategy)
	}
	if store.entries["e1"].MetadataStatus != models.MetadataEnriched {
		t.Error("entry should be enriched")
	}
}

func TestUnavailableAfterMaxAttempts(t *testing.T) {
	store := newFakeStore()
	store.entries["e1"] = &models.LibraryEntry{ID: "e1", Title: "Nothing Matches", RetryCount: 3, MetadataStatus: models.MetadataFailed}
	sched := &fakeScheduler{}

	out, err := newTestGuard(store, sched).RetryBackground(context.Background(), "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeUnavailable || store.entries["e1"].MetadataStatus != models.MetadataUnavailable {
		t.Fatalf("expected unavailable, got %+v", out)
	}
	if len(sched.retries) != 0 {
		t.Error("no retry should be scheduled after the last attempt")
	}
}

func TestSerializationConflictsAreRetried(t *testing.T) {
	store := newFakeStore()
	store.entries["e1"] = &models.LibraryEntry{ID: "e1", Title: "Berserk"}
	store.scores["b"] = map[string]float64{"berserk": 0.95}
	store.conflicts = 2

	out, err := newTestGuard(store, &fakeScheduler{}).RetryBackground(context.Background(), "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeResolved || store.calls != 3 {
		t.Fatalf("expected resolve on third try, got %+v after %d calls", out, store.calls)
	}
}

func TestSerializationRetriesAreBounded(t *testing.T) {
	store := newFakeStore()
	store.entries["e1"] = &models.LibraryEntry{ID: "e1", Title: "Berserk"}
	store.conflicts = 100

	_, err := newTestGuard(store, &fakeScheduler{}).RetryBackground(context.Background(), "e1")
	if errs.KindOf(err) != errs.KindSerialization {
		t.Fatalf("expected serialization error, got %v", err)
	}
	if store.calls != 4 {
		t.Fatalf("expected 1 try plus 3 retries, got %d", store.calls)
	}
}

func TestUserRetryTransactionIsBounded(t *testing.T) {
	store := newFakeStore()
	store.entries["e1"] = &models.LibraryEntry{ID: "e1", Title: "Blue Lock", MetadataStatus: models.MetadataPending}
	store.scores["s1"] = map[string]float64{"blue lock": 1}

	g := NewGuard(store, &fakeScheduler{}, &nopPublisher{}, Config{}, zerolog.Nop())
	if _, err := g.RetryUser(context.Background(), "e1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.timeouts) != 1 || store.timeouts[0] != 30*time.Second {
		t.Fatalf("expected a 30s default transaction timeout, got %v", store.timeouts)
	}

	store.entries["e2"] = &models.LibraryEntry{ID: "e2", Title: "Blue Lock", MetadataStatus: models.MetadataPending}
	g = NewGuard(store, &fakeScheduler{}, &nopPublisher{}, Config{TxTimeout: 5 * time.Second}, zerolog.Nop())
	if _, err := g.RetryBackground(context.Background(), "e2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.timeouts[1] != 5*time.Second {
		t.Fatalf("configured timeout not passed through, got %v", store.timeouts[1])
	}
}

func TestOverrideSkipOnLockedSeriesLeavesEntry(t *testing.T) {
	store := newFakeStore()
	sid := "s1"
	store.entries["e1"] = &models.LibraryEntry{ID: "e1", Title: "Vagabond", SeriesID: &sid, MetadataStatus: models.MetadataPending}
	store.locked[sid] = true
	sched := &fakeScheduler{}

	out, err := newTestGuard(store, sched).RetryBackground(context.Background(), "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeSkippedOverride || len(sched.retries) != 0 {
		t.Fatalf("expected a skip without a retry, got %+v %v", out, sched.retries)
	}
}
