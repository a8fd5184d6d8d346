package jobs

import (
	"time"

	"mangasync/pkg/models"
)

// Polling interval per tier after a successful sync.
var tierIntervals = map[models.Tier]time.Duration{
	models.TierA: 30 * time.Minute,
	models.TierB: 6 * time.Hour,
	models.TierC: 24 * time.Hour,
}

const (
	failureBackoffBase = 15 * time.Minute
	failureBackoffMax  = 24 * time.Hour

	// A series-source failing this many times in a row is disabled.
	maxConsecutiveFailures = 10
)

func TierInterval(t models.Tier) time.Duration {
	if d, ok := tierIntervals[t]; ok {
		return d
	}
	return tierIntervals[models.TierC]
}

// NextCheck is when a series-source synced at now is due again.
func NextCheck(t models.Tier, now time.Time) time.Time {
	return now.Add(TierInterval(t))
}

// FailureBackoff is min(2^(failures-1) * 15m, 24h).
func FailureBackoff(failures int) time.Duration {
	if failures <= 0 {
		return failureBackoffBase
	}
	d := failureBackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= failureBackoffMax {
			return failureBackoffMax
		}
	}
	return d
}
