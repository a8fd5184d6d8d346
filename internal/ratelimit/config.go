package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"mangasync/pkg/models"
)

// DefaultSourceKey names the fallback entry used for unknown sources.
const DefaultSourceKey = "default"

var builtinConfigs = map[string]models.RateConfig{
	"mangadex": {RequestsPerSecond: 5, Burst: 5, Cooldown: 200 * time.Millisecond},
	"comick":   {RequestsPerSecond: 2, Burst: 3, Cooldown: 500 * time.Millisecond},
	"asura":    {RequestsPerSecond: 0.5, Burst: 1, Cooldown: 2 * time.Second},
}

var builtinDefault = models.RateConfig{RequestsPerSecond: 1, Burst: 1, Cooldown: time.Second}

// Configs resolves the rate configuration for a source. It is built once at
// startup and never changes afterwards.
type Configs struct {
	bySource map[string]models.RateConfig
	fallback models.RateConfig
}

// NewConfigs starts from the built-in table and applies overrides, each a
// "rate,burst,cooldownMs" triple keyed by source name. The key "default"
// replaces the fallback.
func NewConfigs(overrides map[string]string) (Configs, error) {
	c := Configs{
		bySource: make(map[string]models.RateConfig, len(builtinConfigs)+len(overrides)),
		fallback: builtinDefault,
	}
	for k, v := range builtinConfigs {
		c.bySource[k] = v
	}
	for name, raw := range overrides {
		cfg, err := ParseOverride(raw)
		if err != nil {
			return Configs{}, fmt.Errorf("rate limit for %q: %w", name, err)
		}
		key := models.SourceKey(name)
		if key == DefaultSourceKey {
			c.fallback = cfg
			continue
		}
		c.bySource[key] = cfg
	}
	return c, nil
}

// For returns the config for a source, falling back to the default.
func (c Configs) For(source string) models.RateConfig {
	if cfg, ok := c.bySource[models.SourceKey(source)]; ok {
		return cfg
	}
	if c.fallback.RequestsPerSecond <= 0 {
		return builtinDefault
	}
	return c.fallback
}

// ParseOverride parses "rate,burst,cooldownMs".
func ParseOverride(s string) (models.RateConfig, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return models.RateConfig{}, fmt.Errorf("expected rate,burst,cooldownMs, got %q", s)
	}
	r, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || r <= 0 {
		return models.RateConfig{}, fmt.Errorf("invalid rate %q", parts[0])
	}
	burst, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || burst < 1 {
		return models.RateConfig{}, fmt.Errorf("invalid burst %q", parts[1])
	}
	cooldown, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil || cooldown < 0 {
		return models.RateConfig{}, fmt.Errorf("invalid cooldown %q", parts[2])
	}
	return models.RateConfig{
		RequestsPerSecond: r,
		Burst:             burst,
		Cooldown:          time.Duration(cooldown) * time.Millisecond,
	}, nil
}
