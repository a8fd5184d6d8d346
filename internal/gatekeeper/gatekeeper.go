package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mangasync/pkg/kvstore"
	"mangasync/pkg/models"
)

const (
	DefaultDedupTTL = 5 * time.Minute

	ReasonDuplicate   = "duplicate job within dedup window"
	ReasonMeltdown    = "system in meltdown, all crawling halted"
	ReasonTierOneShot = "tier A source already fully crawled"
)

// SyncDispatcher enqueues an admitted sync job.
type SyncDispatcher interface {
	DispatchSync(ctx context.Context, seriesSourceID string, queuePriority int, data any) error
}

// Proposal is a candidate sync job.
type Proposal struct {
	SeriesSourceID string      `json:"series_source_id"`
	Tier           models.Tier `json:"tier"`
	Reason         Reason      `json:"reason"`
	Metadata       Metadata    `json:"metadata"`
	JobData        any         `json:"job_data,omitempty"`
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed       bool       `json:"allowed"`
	Reason        string     `json:"reason,omitempty"`
	Priority      Priority   `json:"priority"`
	QueuePriority int        `json:"queue_priority"`
	Status        LoadStatus `json:"status"`
	QueueDepth    int64      `json:"queue_depth"`
}

// Health is the operational summary exposed to dashboards.
type Health struct {
	Status     LoadStatus `json:"status"`
	QueueDepth int64      `json:"queue_depth"`
	Thresholds Thresholds `json:"thresholds"`
}

// Gatekeeper decides which proposed sync jobs run. It holds no state of its
// own: load comes from the queue and dedup markers live in Redis.
type Gatekeeper struct {
	monitor    *LoadMonitor
	rdb        redis.Cmdable
	keys       kvstore.Keys
	dispatcher SyncDispatcher
	dedupTTL   time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

func New(monitor *LoadMonitor, rdb redis.Cmdable, keys kvstore.Keys, dispatcher SyncDispatcher, dedupTTL time.Duration, log zerolog.Logger) *Gatekeeper {
	if dedupTTL <= 0 {
		dedupTTL = DefaultDedupTTL
	}
	return &Gatekeeper{
		monitor:    monitor,
		rdb:        rdb,
		keys:       keys,
		dispatcher: dispatcher,
		dedupTTL:   dedupTTL,
		now:        time.Now,
		log:        log.With().Str("component", "gatekeeper").Logger(),
	}
}

func (g *Gatekeeper) markerKey(seriesSourceID string) string {
	return g.keys.Key("dedup", "sync", seriesSourceID)
}

// Evaluate runs the admission state machine. The only side effect is the
// dedup marker written on admission.
func (g *Gatekeeper) Evaluate(ctx context.Context, p Proposal) Decision {
	d, _ := g.evaluate(ctx, p)
	return d
}

// evaluate also reports whether this call claimed a dedup window that was
// free before it.
func (g *Gatekeeper) evaluate(ctx context.Context, p Proposal) (Decision, bool) {
	status, depth := g.monitor.Sample(ctx)
	priority := AssignPriorityAt(g.now(), p.Tier, p.Reason, p.Metadata)

	d := Decision{
		Priority:      priority,
		QueuePriority: priority.QueuePriority(),
		Status:        status,
		QueueDepth:    depth,
	}

	if status == StatusMeltdown {
		return g.reject(p, d, ReasonMeltdown), false
	}
	if !IsPriorityAllowedAtStatus(priority, status) {
		return g.reject(p, d, fmt.Sprintf("priority %s shed at load %s", priority, status)), false
	}

	// The one-shot rule is checked before the marker is claimed so a
	// rejected Tier A proposal never occupies the dedup window.
	if p.Tier == models.TierA && p.Reason == ReasonPeriodic && p.Metadata.LastSuccessAt != nil {
		return g.reject(p, d, ReasonTierOneShot), false
	}

	key := g.markerKey(p.SeriesSourceID)
	claimed := false
	if p.Reason == ReasonPeriodic {
		ok, err := g.rdb.SetNX(ctx, key, string(p.Reason), g.dedupTTL).Result()
		if err != nil {
			g.log.Warn().Err(err).Str("series_source_id", p.SeriesSourceID).Msg("write dedup marker, admitting anyway")
		} else if !ok {
			return g.reject(p, d, ReasonDuplicate), false
		}
		claimed = ok
	} else {
		// Overwrites unconditionally; only a window that was free counts as ours.
		_, err := g.rdb.SetArgs(ctx, key, string(p.Reason), redis.SetArgs{TTL: g.dedupTTL, Get: true}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			claimed = true
		case err != nil:
			g.log.Warn().Err(err).Str("series_source_id", p.SeriesSourceID).Msg("write dedup marker, admitting anyway")
		}
	}

	d.Allowed = true
	return d, claimed
}

func (g *Gatekeeper) reject(p Proposal, d Decision, reason string) Decision {
	d.Allowed = false
	d.Reason = reason
	g.log.Info().
		Str("series_source_id", p.SeriesSourceID).
		Str("reason", string(p.Reason)).
		Str("priority", d.Priority.String()).
		Str("status", string(d.Status)).
		Int64("queue_depth", d.QueueDepth).
		Msgf("job rejected: %s", reason)
	return d
}

// Submit evaluates a proposal and enqueues it when admitted. If the enqueue
// fails a dedup marker this call claimed is dropped so the next proposal is
// not rejected as a duplicate of work that never got queued. A marker that
// was already live belongs to earlier work and stays.
func (g *Gatekeeper) Submit(ctx context.Context, p Proposal) (Decision, error) {
	d, claimed := g.evaluate(ctx, p)
	if !d.Allowed {
		return d, nil
	}
	if err := g.dispatcher.DispatchSync(ctx, p.SeriesSourceID, d.QueuePriority, p.JobData); err != nil {
		if claimed {
			if delErr := g.rdb.Del(ctx, g.markerKey(p.SeriesSourceID)).Err(); delErr != nil {
				g.log.Warn().Err(delErr).Str("series_source_id", p.SeriesSourceID).Msg("drop dedup marker")
			}
		}
		d.Allowed = false
		d.Reason = "enqueue failed"
		return d, fmt.Errorf("dispatch sync %s: %w", p.SeriesSourceID, err)
	}
	g.log.Debug().
		Str("series_source_id", p.SeriesSourceID).
		Str("reason", string(p.Reason)).
		Str("priority", d.Priority.String()).
		Msg("job admitted")
	return d, nil
}

// EnqueueIfAllowed is the single entry point for proposing sync work. It
// reports whether the job was admitted and queued.
func (g *Gatekeeper) EnqueueIfAllowed(ctx context.Context, seriesSourceID string, tier models.Tier, reason Reason, jobData any, md Metadata) bool {
	d, err := g.Submit(ctx, Proposal{
		SeriesSourceID: seriesSourceID,
		Tier:           tier,
		Reason:         reason,
		Metadata:       md,
		JobData:        jobData,
	})
	if err != nil {
		g.log.Error().Err(err).Str("series_source_id", seriesSourceID).Msg("enqueue admitted job")
		return false
	}
	return d.Allowed
}

func (g *Gatekeeper) GetSystemHealth(ctx context.Context) Health {
	status, depth := g.monitor.Sample(ctx)
	return Health{Status: status, QueueDepth: depth, Thresholds: g.monitor.Thresholds()}
}
