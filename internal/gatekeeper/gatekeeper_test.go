package gatekeeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mangasync/pkg/kvstore"
	"mangasync/pkg/models"
)

type dispatched struct {
	seriesSourceID string
	priority       int
}

type fakeDispatcher struct {
	jobs []dispatched
	err  error
}

func (f *fakeDispatcher) DispatchSync(_ context.Context, id string, priority int, _ any) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, dispatched{id, priority})
	return nil
}

func newGatekeeper(t *testing.T, depth int64) (*Gatekeeper, *miniredis.Miniredis, *fakeDispatcher) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	d := &fakeDispatcher{}
	monitor := NewLoadMonitor(stubSampler{depth: depth}, DefaultThresholds, zerolog.Nop())
	g := New(monitor, rdb, kvstore.NewKeys("test"), d, 5*time.Minute, zerolog.Nop())
	return g, mr, d
}

func TestMeltdownHaltsUserRequests(t *testing.T) {
	g, _, d := newGatekeeper(t, 30000)
	ok := g.EnqueueIfAllowed(context.Background(), "ss-1", models.TierC, ReasonUserRequest, nil, Metadata{TrackerCount: 10})
	if ok {
		t.Fatal("meltdown must reject even P0 user requests")
	}
	if len(d.jobs) != 0 {
		t.Fatalf("nothing should be dispatched, got %v", d.jobs)
	}
}

func TestDedupWindow(t *testing.T) {
	g, mr, d := newGatekeeper(t, 0)
	ctx := context.Background()
	p := Proposal{SeriesSourceID: "ss-1", Tier: models.TierB, Reason: ReasonPeriodic}

	first, err := g.Submit(ctx, p)
	if err != nil || !first.Allowed {
		t.Fatalf("first proposal should be admitted: %+v %v", first, err)
	}
	second, err := g.Submit(ctx, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Allowed || second.Reason != ReasonDuplicate {
		t.Fatalf("second proposal should be a duplicate, got %+v", second)
	}
	if len(d.jobs) != 1 {
		t.Fatalf("expected one dispatched job, got %d", len(d.jobs))
	}

	mr.FastForward(5*time.Minute + time.Second)
	third, _ := g.Submit(ctx, p)
	if !third.Allowed {
		t.Fatalf("proposal after the window should be admitted, got %+v", third)
	}
}

func TestUserRequestIgnoresDedupWindow(t *testing.T) {
	g, _, d := newGatekeeper(t, 0)
	ctx := context.Background()

	if !g.EnqueueIfAllowed(ctx, "ss-1", models.TierC, ReasonPeriodic, nil, Metadata{}) {
		t.Fatal("periodic proposal should be admitted")
	}
	for _, r := range []Reason{ReasonUserRequest, ReasonGapRecovery, ReasonDiscovery} {
		if !g.EnqueueIfAllowed(ctx, "ss-1", models.TierC, r, nil, Metadata{IsDiscovery: r == ReasonDiscovery}) {
			t.Errorf("%s should not be blocked by the dedup window", r)
		}
	}
	if len(d.jobs) != 4 {
		t.Errorf("expected 4 dispatches, got %d", len(d.jobs))
	}
}

func TestTierAOneShot(t *testing.T) {
	g, mr, _ := newGatekeeper(t, 0)
	ctx := context.Background()
	synced := time.Now().Add(-time.Hour)
	md := Metadata{TrackerCount: 5, LastSuccessAt: &synced}

	d := g.Evaluate(ctx, Proposal{SeriesSourceID: "ss-a", Tier: models.TierA, Reason: ReasonPeriodic, Metadata: md})
	if d.Allowed || d.Reason != ReasonTierOneShot {
		t.Fatalf("expected one-shot rejection, got %+v", d)
	}
	if mr.Exists("test:dedup:sync:ss-a") {
		t.Error("a rejected proposal must not leave a dedup marker")
	}

	d = g.Evaluate(ctx, Proposal{SeriesSourceID: "ss-a", Tier: models.TierA, Reason: ReasonUserRequest, Metadata: md})
	if !d.Allowed {
		t.Fatalf("user request on a crawled tier A source should be admitted, got %+v", d)
	}

	d = g.Evaluate(ctx, Proposal{SeriesSourceID: "ss-new", Tier: models.TierA, Reason: ReasonPeriodic})
	if !d.Allowed {
		t.Fatalf("first periodic crawl of a tier A source should be admitted, got %+v", d)
	}
}

func TestCriticalLoadScenario(t *testing.T) {
	g, mr, d := newGatekeeper(t, 16000)
	ctx := context.Background()
	recent := time.Now().Add(-24 * time.Hour)

	rejected := g.Evaluate(ctx, Proposal{
		SeriesSourceID: "ss-active",
		Tier:           models.TierB,
		Reason:         ReasonPeriodic,
		Metadata:       Metadata{LastActivity: &recent},
	})
	if rejected.Status != StatusCritical {
		t.Fatalf("expected critical status at depth 16000, got %s", rejected.Status)
	}
	if rejected.Allowed || rejected.Priority != P1 {
		t.Fatalf("P1 job should be shed at critical load, got %+v", rejected)
	}

	admitted, err := g.Submit(ctx, Proposal{
		SeriesSourceID: "ss-tracked",
		Tier:           models.TierB,
		Reason:         ReasonPeriodic,
		Metadata:       Metadata{TrackerCount: 3},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !admitted.Allowed || admitted.QueuePriority != 1 {
		t.Fatalf("P0 job should be admitted with priority 1, got %+v", admitted)
	}
	if !mr.Exists("test:dedup:sync:ss-tracked") {
		t.Error("admission should write a dedup marker")
	}
	if len(d.jobs) != 1 || d.jobs[0].priority != 1 {
		t.Errorf("unexpected dispatches %v", d.jobs)
	}
}

func TestEnqueueFailureDropsMarker(t *testing.T) {
	g, mr, d := newGatekeeper(t, 0)
	d.err = errors.New("queue unavailable")

	if g.EnqueueIfAllowed(context.Background(), "ss-1", models.TierB, ReasonPeriodic, nil, Metadata{}) {
		t.Fatal("failed enqueue should report false")
	}
	if mr.Exists("test:dedup:sync:ss-1") {
		t.Fatal("marker should be removed when enqueue fails")
	}
}

func TestEnqueueFailureKeepsEarlierWindow(t *testing.T) {
	g, mr, d := newGatekeeper(t, 0)
	ctx := context.Background()

	if !g.EnqueueIfAllowed(ctx, "ss-1", models.TierB, ReasonPeriodic, nil, Metadata{}) {
		t.Fatal("periodic proposal should be admitted")
	}
	d.err = errors.New("queue unavailable")
	if g.EnqueueIfAllowed(ctx, "ss-1", models.TierB, ReasonUserRequest, nil, Metadata{}) {
		t.Fatal("failed enqueue should report false")
	}
	if !mr.Exists("test:dedup:sync:ss-1") {
		t.Fatal("a failed user request must not clear the periodic window")
	}

	d.err = nil
	again, err := g.Submit(ctx, Proposal{SeriesSourceID: "ss-1", Tier: models.TierB, Reason: ReasonPeriodic})
	if err != nil || again.Allowed || again.Reason != ReasonDuplicate {
		t.Fatalf("expected the periodic window to still hold, got %+v %v", again, err)
	}
}

func TestMarkerStoreDownStillAdmits(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	monitor := NewLoadMonitor(stubSampler{}, DefaultThresholds, zerolog.Nop())
	g := New(monitor, rdb, kvstore.NewKeys("test"), &fakeDispatcher{}, time.Minute, zerolog.Nop())

	d := g.Evaluate(context.Background(), Proposal{SeriesSourceID: "ss-1", Tier: models.TierB, Reason: ReasonPeriodic})
	if !d.Allowed {
		t.Fatalf("marker write failures must not block admission, got %+v", d)
	}
}

func TestGetSystemHealth(t *testing.T) {
	g, _, _ := newGatekeeper(t, 7000)
	h := g.GetSystemHealth(context.Background())
	if h.Status != StatusElevated || h.QueueDepth != 7000 || h.Thresholds != DefaultThresholds {
		t.Errorf("unexpected health %+v", h)
	}
}
