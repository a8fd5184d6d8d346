package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mangasync/internal/gatekeeper"
	"mangasync/pkg/utils"
)

func TestBuildWiresComponents(t *testing.T) {
	cfg, err := utils.LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	a, err := build(cfg, zerolog.Nop(), nil, rdb)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx := context.Background()

	if _, ok := a.Sources.Get("MangaDex"); !ok {
		t.Error("mangadex source not registered")
	}
	if h := a.Gatekeeper.GetSystemHealth(ctx); h.Status != gatekeeper.StatusHealthy {
		t.Errorf("empty queue should be healthy, got %+v", h)
	}
	if err := a.Checks()["redis"](ctx); err != nil {
		t.Errorf("redis check: %v", err)
	}
	if a.WorkerPool() == nil || a.Scheduler() == nil || a.AdminHandler() == nil {
		t.Fatal("constructors returned nil")
	}

	raw, _, err := a.Tokens.Sign("ops", "operator", 0)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := a.Tokens.Parse(raw)
	if err != nil || claims.Issuer != cfg.Auth.JWTIssuer {
		t.Errorf("token round trip: %+v %v", claims, err)
	}
}

func TestBuildRejectsBadRateLimit(t *testing.T) {
	cfg, err := utils.LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.RateLimits = map[string]string{"mangadex": "fast"}
	if _, err := build(cfg, zerolog.Nop(), nil, nil); err == nil {
		t.Error("expected invalid rate limit to fail")
	}
}
