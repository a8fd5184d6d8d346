package gatekeeper

import (
	"context"

	"github.com/rs/zerolog"
)

// LoadStatus is the system load state derived from queue depth.
type LoadStatus string

const (
	StatusHealthy    LoadStatus = "healthy"
	StatusElevated   LoadStatus = "elevated"
	StatusOverloaded LoadStatus = "overloaded"
	StatusCritical   LoadStatus = "critical"
	StatusMeltdown   LoadStatus = "meltdown"
)

// Thresholds are the ascending queue depths above which the next state
// begins. A depth equal to a threshold stays in the lower state.
type Thresholds struct {
	Elevated   int64 `json:"elevated"`
	Overloaded int64 `json:"overloaded"`
	Critical   int64 `json:"critical"`
	Meltdown   int64 `json:"meltdown"`
}

var DefaultThresholds = Thresholds{
	Elevated:   5000,
	Overloaded: 10000,
	Critical:   15000,
	Meltdown:   25000,
}

func (t Thresholds) Classify(depth int64) LoadStatus {
	switch {
	case depth > t.Meltdown:
		return StatusMeltdown
	case depth > t.Critical:
		return StatusCritical
	case depth > t.Overloaded:
		return StatusOverloaded
	case depth > t.Elevated:
		return StatusElevated
	default:
		return StatusHealthy
	}
}

// IsPriorityAllowedAtStatus is the load shedding table.
func IsPriorityAllowedAtStatus(p Priority, s LoadStatus) bool {
	switch s {
	case StatusHealthy:
		return true
	case StatusElevated:
		return p <= P2
	case StatusOverloaded:
		return p <= P1
	case StatusCritical:
		return p == P0
	default:
		return false
	}
}

// DepthSampler reports waiting + delayed job counts.
type DepthSampler interface {
	Depth(ctx context.Context) (int64, error)
}

type LoadMonitor struct {
	sampler    DepthSampler
	thresholds Thresholds
	log        zerolog.Logger
}

func NewLoadMonitor(sampler DepthSampler, thresholds Thresholds, log zerolog.Logger) *LoadMonitor {
	return &LoadMonitor{
		sampler:    sampler,
		thresholds: thresholds,
		log:        log.With().Str("component", "load-monitor").Logger(),
	}
}

func (m *LoadMonitor) Thresholds() Thresholds { return m.thresholds }

// Sample reads the current depth and classifies it. A failed read counts as
// depth 0.
func (m *LoadMonitor) Sample(ctx context.Context) (LoadStatus, int64) {
	depth, err := m.sampler.Depth(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("sample queue depth, assuming empty queue")
		depth = 0
	}
	return m.thresholds.Classify(depth), depth
}
