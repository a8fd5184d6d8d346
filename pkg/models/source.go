package models

import (
	"strings"
	"time"
)

// RateConfig is the outbound request budget for one external source.
type RateConfig struct {
	RequestsPerSecond float64       `json:"requests_per_second"`
	Burst             int           `json:"burst"`
	Cooldown          time.Duration `json:"cooldown"`
}

// Source identifies an external content provider. Name is the lowercase
// canonical key used for rate limiting and logging.
type Source struct {
	Name string     `json:"name"`
	Rate RateConfig `json:"rate"`
}

// SourceKey normalizes a source name into its canonical key.
func SourceKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
