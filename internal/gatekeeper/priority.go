package gatekeeper

import (
	"fmt"
	"strings"
	"time"

	"mangasync/pkg/models"
)

// Priority is the scheduling class of a job. Lower is more urgent.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
)

func (p Priority) String() string { return fmt.Sprintf("P%d", int(p)) }

// QueuePriority is the numeric priority handed to the job queue (P0 -> 1).
func (p Priority) QueuePriority() int { return int(p) + 1 }

// Reason is what triggered a job proposal.
type Reason string

const (
	ReasonPeriodic    Reason = "PERIODIC"
	ReasonUserRequest Reason = "USER_REQUEST"
	ReasonGapRecovery Reason = "GAP_RECOVERY"
	ReasonDiscovery   Reason = "DISCOVERY"
)

func ParseReason(s string) (Reason, error) {
	r := Reason(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case ReasonPeriodic, ReasonUserRequest, ReasonGapRecovery, ReasonDiscovery:
		return r, nil
	}
	return "", fmt.Errorf("unknown reason %q", s)
}

// Metadata carries the popularity and history signals of a series-source.
type Metadata struct {
	TrackerCount int        `json:"tracker_count"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	IsDiscovery  bool       `json:"is_discovery"`

	// LastSuccessAt is the last successful sync; drives the Tier A one-shot rule.
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}

const (
	recentActivityWindow = 7 * 24 * time.Hour
	popularTrackerCount  = 50
)

// AssignPriority classifies a proposal as of now.
func AssignPriority(tier models.Tier, reason Reason, md Metadata) Priority {
	return AssignPriorityAt(time.Now(), tier, reason, md)
}

// AssignPriorityAt is the pure classifier. Rule order matters: any tracker
// yields P0 before the popularity threshold is looked at.
func AssignPriorityAt(now time.Time, tier models.Tier, reason Reason, md Metadata) Priority {
	if reason == ReasonUserRequest || reason == ReasonGapRecovery {
		return P0
	}
	if md.TrackerCount > 0 {
		return P0
	}
	if (md.LastActivity != nil && now.Sub(*md.LastActivity) <= recentActivityWindow) ||
		md.TrackerCount >= popularTrackerCount {
		return P1
	}
	if tier == models.TierA || tier == models.TierB || md.IsDiscovery {
		return P2
	}
	return P3
}

// MetadataFor collects the classifier inputs stored on a series-source.
func MetadataFor(ss models.SeriesSource) Metadata {
	return Metadata{
		TrackerCount:  ss.TrackerCount,
		LastActivity:  ss.LastActivityAt,
		LastSuccessAt: ss.LastSuccessAt,
	}
}
