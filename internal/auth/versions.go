package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"mangasync/pkg/kvstore"
)

// TokenVersions tracks a per-operator counter in Redis. Bumping it revokes
// every token issued before.
type TokenVersions struct {
	rdb  redis.Cmdable
	keys kvstore.Keys
}

func NewTokenVersions(rdb redis.Cmdable, keys kvstore.Keys) *TokenVersions {
	return &TokenVersions{rdb: rdb, keys: keys}
}

func (v *TokenVersions) key(operator string) string {
	return v.keys.Key("auth", "token_version", operator)
}

// Get returns the current version, 0 if the operator never revoked.
func (v *TokenVersions) Get(ctx context.Context, operator string) (int, error) {
	n, err := v.rdb.Get(ctx, v.key(operator)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get token version: %w", err)
	}
	return n, nil
}

// Revoke invalidates all outstanding tokens of operator and returns the
// new version.
func (v *TokenVersions) Revoke(ctx context.Context, operator string) (int, error) {
	n, err := v.rdb.Incr(ctx, v.key(operator)).Result()
	if err != nil {
		return 0, fmt.Errorf("bump token version: %w", err)
	}
	return int(n), nil
}
