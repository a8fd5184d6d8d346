package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gatekeeper.Critical != 15000 {
		t.Errorf("expected critical threshold 15000, got %d", cfg.Gatekeeper.Critical)
	}
	if cfg.Ingest.MaxChapters != 500 {
		t.Errorf("expected max chapters 500, got %d", cfg.Ingest.MaxChapters)
	}
	if cfg.Gatekeeper.DedupTTL != 5*time.Minute {
		t.Errorf("expected dedup ttl 5m, got %s", cfg.Gatekeeper.DedupTTL)
	}
	if cfg.RateLimits["mangadex"] != "5,5,200" {
		t.Errorf("unexpected mangadex rate limit %q", cfg.RateLimits["mangadex"])
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "gatekeeper:\n  elevated: 100\n  overloaded: 200\n  critical: 300\n  meltdown: 400\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MANGAHUB_REDIS_URL", "redis://cache:6379/1")
	t.Setenv("MANGAHUB_RATE_LIMIT_COMICK", "2,4,500")
	t.Setenv("MANGAHUB_JWT_TTL_HOURS", "3")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gatekeeper.Meltdown != 400 {
		t.Errorf("expected file override, got %d", cfg.Gatekeeper.Meltdown)
	}
	if cfg.Gatekeeper.DedupTTL != 5*time.Minute {
		t.Errorf("file without dedup_ttl should keep default, got %s", cfg.Gatekeeper.DedupTTL)
	}
	if cfg.Redis.URL != "redis://cache:6379/1" {
		t.Errorf("expected env redis url, got %q", cfg.Redis.URL)
	}
	if cfg.RateLimits["comick"] != "2,4,500" {
		t.Errorf("expected env rate limit for comick, got %q", cfg.RateLimits["comick"])
	}
	if cfg.Auth.JWTDuration != 3*time.Hour {
		t.Errorf("expected 3h jwt ttl, got %s", cfg.Auth.JWTDuration)
	}
}

func TestLoadConfigRejectsUnorderedThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "gatekeeper:\n  elevated: 500\n  overloaded: 100\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error")
	}
}
