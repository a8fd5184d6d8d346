package gatekeeper

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestClassifyBoundaries(t *testing.T) {
	th := DefaultThresholds
	cases := []struct {
		depth int64
		want  LoadStatus
	}{
		{0, StatusHealthy},
		{5000, StatusHealthy},
		{5001, StatusElevated},
		{10000, StatusElevated},
		{10001, StatusOverloaded},
		{15000, StatusOverloaded},
		{15001, StatusCritical},
		{16000, StatusCritical},
		{25000, StatusCritical},
		{25001, StatusMeltdown},
	}
	for _, tc := range cases {
		if got := th.Classify(tc.depth); got != tc.want {
			t.Errorf("Classify(%d) = %s, want %s", tc.depth, got, tc.want)
		}
	}
}

func TestPriorityGating(t *testing.T) {
	all := []Priority{P0, P1, P2, P3}
	for _, p := range all {
		if IsPriorityAllowedAtStatus(p, StatusMeltdown) {
			t.Errorf("%s must be halted at meltdown", p)
		}
		if !IsPriorityAllowedAtStatus(p, StatusHealthy) {
			t.Errorf("%s must be allowed when healthy", p)
		}
	}

	allowed := map[LoadStatus][]bool{
		StatusCritical:   {true, false, false, false},
		StatusOverloaded: {true, true, false, false},
		StatusElevated:   {true, true, true, false},
	}
	for status, want := range allowed {
		for i, p := range all {
			if got := IsPriorityAllowedAtStatus(p, status); got != want[i] {
				t.Errorf("IsPriorityAllowedAtStatus(%s, %s) = %v, want %v", p, status, got, want[i])
			}
		}
	}
}

type stubSampler struct {
	depth int64
	err   error
}

func (s stubSampler) Depth(context.Context) (int64, error) { return s.depth, s.err }

func TestLoadMonitorTreatsErrorsAsEmpty(t *testing.T) {
	m := NewLoadMonitor(stubSampler{depth: 99999, err: errors.New("redis down")}, DefaultThresholds, zerolog.Nop())
	status, depth := m.Sample(context.Background())
	if status != StatusHealthy || depth != 0 {
		t.Errorf("expected healthy/0 on sampling error, got %s/%d", status, depth)
	}
}
