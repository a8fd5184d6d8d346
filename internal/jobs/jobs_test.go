package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mangasync/internal/errs"
	"mangasync/internal/events"
	"mangasync/internal/gatekeeper"
	"mangasync/internal/ingest"
	"mangasync/internal/queue"
	"mangasync/internal/resolution"
	"mangasync/internal/scraper"
	"mangasync/pkg/models"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSeries struct {
	sources   map[string]*models.SeriesSource
	successes map[string]time.Time
	nextCheck map[string]time.Time
	failures  map[string]int
	disabled  map[string]bool
}

func newFakeSeries(ss ...models.SeriesSource) *fakeSeries {
	f := &fakeSeries{
		sources:   map[string]*models.SeriesSource{},
		successes: map[string]time.Time{},
		nextCheck: map[string]time.Time{},
		failures:  map[string]int{},
		disabled:  map[string]bool{},
	}
	for i := range ss {
		f.sources[ss[i].ID] = &ss[i]
		f.failures[ss[i].ID] = ss[i].ConsecutiveFailures
	}
	return f
}

func (f *fakeSeries) GetSeriesSource(ctx context.Context, id string) (*models.SeriesSource, error) {
	return f.sources[id], nil
}

func (f *fakeSeries) RecordSyncSuccess(ctx context.Context, id string, at, next time.Time) error {
	f.successes[id] = at
	f.nextCheck[id] = next
	f.failures[id] = 0
	return nil
}

func (f *fakeSeries) RecordSyncFailure(ctx context.Context, id string) (int, error) {
	f.failures[id]++
	return f.failures[id], nil
}

func (f *fakeSeries) ScheduleNextCheck(ctx context.Context, id string, next time.Time) error {
	f.nextCheck[id] = next
	return nil
}

func (f *fakeSeries) Disable(ctx context.Context, id string) error {
	f.disabled[id] = true
	return nil
}

type fakeNegative struct {
	skip    bool
	results []bool
}

func (f *fakeNegative) ShouldSkip(ctx context.Context, key string) bool { return f.skip }
func (f *fakeNegative) RecordResult(ctx context.Context, key string, isEmpty bool) error {
	f.results = append(f.results, isEmpty)
	return nil
}

type fakeSource struct {
	records []models.ChapterRecord
	err     error
	calls   int
}

func (f *fakeSource) Name() string { return "mangadex" }
func (f *fakeSource) FetchChapters(ctx context.Context, ss models.SeriesSource) ([]models.ChapterRecord, error) {
	f.calls++
	return f.records, f.err
}

type fakeLookup struct{ src scraper.Source }

func (f fakeLookup) Get(name string) (scraper.Source, bool) {
	if f.src == nil || name != f.src.Name() {
		return nil, false
	}
	return f.src, true
}

type fakeLimiter struct{ allow bool }

func (f fakeLimiter) AcquireToken(ctx context.Context, source string, maxWait time.Duration) bool {
	return f.allow
}

type dispatched struct {
	key      string
	payload  queue.IngestPayload
	priority int
}

type fakeDispatcher struct{ got []dispatched }

func (f *fakeDispatcher) DispatchIngest(ctx context.Context, key string, p queue.IngestPayload, priority int) error {
	f.got = append(f.got, dispatched{key, p, priority})
	return nil
}

type fakePublisher struct{ events []events.Event }

func (f *fakePublisher) Publish(ctx context.Context, ev events.Event) error {
	f.events = append(f.events, ev)
	return nil
}

type syncFixture struct {
	series   *fakeSeries
	negative *fakeNegative
	source   *fakeSource
	disp     *fakeDispatcher
	pub      *fakePublisher
	sync     *Sync
}

func newSyncFixture(ss models.SeriesSource, allow bool) *syncFixture {
	f := &syncFixture{
		series:   newFakeSeries(ss),
		negative: &fakeNegative{},
		source:   &fakeSource{},
		disp:     &fakeDispatcher{},
		pub:      &fakePublisher{},
	}
	f.sync = NewSync(f.series, f.negative, fakeLookup{f.source}, fakeLimiter{allow}, f.disp, f.pub, time.Second, zerolog.Nop())
	f.sync.now = func() time.Time { return testNow }
	return f
}

func syncJob(t *testing.T, id string, reason gatekeeper.Reason, priority int) *queue.Job {
	t.Helper()
	extra, _ := json.Marshal(SyncRequest{Reason: reason})
	data, err := json.Marshal(queue.SyncPayload{SeriesSourceID: id, Extra: extra})
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Job{ID: queue.SyncJobID(id), Name: queue.JobSync, Data: data, Priority: priority}
}

func chapter(n string) models.ChapterRecord {
	at := testNow.Add(-time.Hour)
	return models.ChapterRecord{Number: models.ParseChapterNumber(n), URL: "u" + n, PublishedAt: &at}
}

func TestSyncDispatchesIngest(t *testing.T) {
	last := testNow.Add(-48 * time.Hour)
	f := newSyncFixture(models.SeriesSource{ID: "ss1", SeriesID: "s1", SourceName: "mangadex", Tier: models.TierB, LastSuccessAt: &last}, true)
	f.source.records = []models.ChapterRecord{chapter("10"), chapter("11")}

	if err := f.sync.Handle(context.Background(), syncJob(t, "ss1", gatekeeper.ReasonPeriodic, 3)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(f.disp.got) != 1 {
		t.Fatalf("expected one ingest dispatch, got %d", len(f.disp.got))
	}
	d := f.disp.got[0]
	if d.key != ingest.BatchKey("ss1", f.source.records) || d.priority != 3 {
		t.Errorf("unexpected dispatch %+v", d)
	}
	if !d.payload.ExpectNew || d.payload.SeriesID != "s1" || len(d.payload.Chapters) != 2 {
		t.Errorf("unexpected payload %+v", d.payload)
	}
	if got := f.series.nextCheck["ss1"]; !got.Equal(testNow.Add(6 * time.Hour)) {
		t.Errorf("expected tier B next check in 6h, got %s", got)
	}
	if len(f.negative.results) != 1 || f.negative.results[0] {
		t.Errorf("expected a non-empty negative cache result, got %v", f.negative.results)
	}
}

func TestSyncEmptyResult(t *testing.T) {
	f := newSyncFixture(models.SeriesSource{ID: "ss1", SeriesID: "s1", SourceName: "mangadex", Tier: models.TierC}, true)

	if err := f.sync.Handle(context.Background(), syncJob(t, "ss1", gatekeeper.ReasonPeriodic, 4)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.disp.got) != 0 {
		t.Errorf("empty fetch must not dispatch ingest")
	}
	if len(f.negative.results) != 1 || !f.negative.results[0] {
		t.Errorf("expected an empty negative cache result, got %v", f.negative.results)
	}
	if got := f.series.nextCheck["ss1"]; !got.Equal(testNow.Add(24 * time.Hour)) {
		t.Errorf("expected tier C next check in 24h, got %s", got)
	}
}

func TestSyncNegativeCacheSkipsPeriodicOnly(t *testing.T) {
	f := newSyncFixture(models.SeriesSource{ID: "ss1", SeriesID: "s1", SourceName: "mangadex", Tier: models.TierB}, true)
	f.negative.skip = true

	if err := f.sync.Handle(context.Background(), syncJob(t, "ss1", gatekeeper.ReasonPeriodic, 3)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.source.calls != 0 {
		t.Fatalf("periodic poll of a quiet source must be skipped")
	}
	if _, ok := f.series.nextCheck["ss1"]; !ok {
		t.Errorf("skipped poll should still move the next check")
	}

	if err := f.sync.Handle(context.Background(), syncJob(t, "ss1", gatekeeper.ReasonUserRequest, 1)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.source.calls != 1 {
		t.Errorf("user request must bypass the negative cache")
	}
}

func TestSyncRejectsMalformedRequest(t *testing.T) {
	f := newSyncFixture(models.SeriesSource{ID: "ss1", SeriesID: "s1", SourceName: "mangadex", Tier: models.TierB}, true)
	f.negative.skip = true
	job := &queue.Job{ID: queue.SyncJobID("ss1"), Name: queue.JobSync, Data: []byte(`{"series_source_id":"ss1","extra":"USER_REQUEST"}`)}

	err := f.sync.Handle(context.Background(), job)
	if !errs.Is(err, errs.KindNonTransient) {
		t.Fatalf("expected non-transient error, got %v", err)
	}
	if f.source.calls != 0 || len(f.series.nextCheck) != 0 {
		t.Errorf("malformed request must not be treated as a periodic poll")
	}
}

func TestSyncFailureBacksOff(t *testing.T) {
	f := newSyncFixture(models.SeriesSource{ID: "ss1", SeriesID: "s1", SourceName: "mangadex", Tier: models.TierB, ConsecutiveFailures: 1}, true)
	f.source.err = &errs.Error{Kind: errs.KindNonTransient, Op: "fetch", Err: &scraper.FetchError{Source: "mangadex", Status: http.StatusNotFound, Err: errors.New("gone")}}

	err := f.sync.Handle(context.Background(), syncJob(t, "ss1", gatekeeper.ReasonPeriodic, 3))
	if !errs.Is(err, errs.KindNonTransient) {
		t.Fatalf("expected non-transient error, got %v", err)
	}
	if f.series.failures["ss1"] != 2 {
		t.Errorf("expected failure streak 2, got %d", f.series.failures["ss1"])
	}
	if got := f.series.nextCheck["ss1"]; !got.Equal(testNow.Add(30 * time.Minute)) {
		t.Errorf("expected 30m backoff, got %s", got.Sub(testNow))
	}
	if len(f.pub.events) != 1 || f.pub.events[0].Type != events.TypeSyncFailed {
		t.Errorf("expected a sync.failed event, got %+v", f.pub.events)
	}
	if f.series.disabled["ss1"] {
		t.Errorf("should not disable yet")
	}
}

func TestSyncDisablesAfterRepeatedFailures(t *testing.T) {
	f := newSyncFixture(models.SeriesSource{ID: "ss1", SeriesID: "s1", SourceName: "mangadex", Tier: models.TierB, ConsecutiveFailures: maxConsecutiveFailures - 1}, true)
	f.source.err = errs.New(errs.KindTransient, "fetch", errors.New("502"))

	_ = f.sync.Handle(context.Background(), syncJob(t, "ss1", gatekeeper.ReasonPeriodic, 3))
	if !f.series.disabled["ss1"] {
		t.Fatal("expected series source to be disabled")
	}
}

func TestSyncTokenShortageIsNotASourceFailure(t *testing.T) {
	f := newSyncFixture(models.SeriesSource{ID: "ss1", SeriesID: "s1", SourceName: "mangadex", Tier: models.TierB}, false)

	err := f.sync.Handle(context.Background(), syncJob(t, "ss1", gatekeeper.ReasonPeriodic, 3))
	if !errs.Is(err, errs.KindExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if f.series.failures["ss1"] != 0 || f.source.calls != 0 {
		t.Errorf("token shortage must not fetch or count as failure")
	}
}

func TestSyncMissingOrDisabledSource(t *testing.T) {
	f := newSyncFixture(models.SeriesSource{ID: "ss1", SeriesID: "s1", SourceName: "mangadex", Disabled: true}, true)

	if err := f.sync.Handle(context.Background(), syncJob(t, "ss1", gatekeeper.ReasonPeriodic, 3)); err != nil {
		t.Errorf("disabled source should be a no-op, got %v", err)
	}
	if f.source.calls != 0 {
		t.Errorf("disabled source must not be fetched")
	}

	err := f.sync.Handle(context.Background(), syncJob(t, "nope", gatekeeper.ReasonPeriodic, 3))
	if !errs.Is(err, errs.KindNonTransient) {
		t.Errorf("expected non-transient for unknown series source, got %v", err)
	}
}

func TestFailureBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		0:  15 * time.Minute,
		1:  15 * time.Minute,
		2:  30 * time.Minute,
		3:  time.Hour,
		7:  16 * time.Hour,
		8:  24 * time.Hour,
		40: 24 * time.Hour,
	}
	for n, want := range cases {
		if got := FailureBackoff(n); got != want {
			t.Errorf("FailureBackoff(%d) = %s, want %s", n, got, want)
		}
	}
}

type fakeIngester struct{ got []ingest.Batch }

func (f *fakeIngester) IngestBatch(ctx context.Context, b ingest.Batch) (ingest.Result, error) {
	f.got = append(f.got, b)
	return ingest.Result{Processed: len(b.Chapters)}, nil
}

type fakeResolver struct{ entries []string }

func (f *fakeResolver) RetryBackground(ctx context.Context, entryID string) (resolution.Outcome, error) {
	f.entries = append(f.entries, entryID)
	return resolution.Outcome{Status: resolution.OutcomeResolved}, nil
}

func TestIngestAndResolutionHandlers(t *testing.T) {
	ing := &fakeIngester{}
	data, _ := json.Marshal(queue.IngestPayload{SeriesID: "s1", SeriesSourceID: "ss1", Chapters: []models.ChapterRecord{chapter("1")}})
	if err := Ingest(ing)(context.Background(), &queue.Job{ID: "ingest-x", Data: data}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(ing.got) != 1 || ing.got[0].SeriesSourceID != "ss1" {
		t.Errorf("unexpected batches %+v", ing.got)
	}

	err := Ingest(ing)(context.Background(), &queue.Job{ID: "ingest-y", Data: []byte(`{"chapters":[]}`)})
	if !errs.Is(err, errs.KindNonTransient) {
		t.Errorf("expected non-transient for missing ids, got %v", err)
	}

	res := &fakeResolver{}
	data, _ = json.Marshal(queue.ResolutionPayload{EntryID: "e1"})
	if err := RetryResolution(res)(context.Background(), &queue.Job{Data: data}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.entries) != 1 || res.entries[0] != "e1" {
		t.Errorf("unexpected entries %v", res.entries)
	}
	if err := RetryResolution(res)(context.Background(), &queue.Job{Data: []byte(`not json`)}); !errs.Is(err, errs.KindNonTransient) {
		t.Errorf("expected non-transient decode error, got %v", err)
	}
}
