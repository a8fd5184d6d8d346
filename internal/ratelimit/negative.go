package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mangasync/pkg/kvstore"
)

const (
	DefaultNegativeThreshold = 3
	DefaultNegativeTTL       = time.Hour
)

// NegativeCache counts consecutive empty polls per series-source. Once the
// count reaches the threshold the source is skipped until the entry expires
// or a non-empty result clears it.
type NegativeCache struct {
	rdb       redis.Cmdable
	keys      kvstore.Keys
	threshold int
	ttl       time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NegativeEntry is the stored state for one key.
type NegativeEntry struct {
	Count     int       `json:"count"`
	LastEmpty time.Time `json:"last_empty"`
}

func NewNegativeCache(rdb redis.Cmdable, keys kvstore.Keys, threshold int, ttl time.Duration, log zerolog.Logger) *NegativeCache {
	if threshold <= 0 {
		threshold = DefaultNegativeThreshold
	}
	if ttl <= 0 {
		ttl = DefaultNegativeTTL
	}
	return &NegativeCache{
		rdb:       rdb,
		keys:      keys,
		threshold: threshold,
		ttl:       ttl,
		now:       time.Now,
		log:       log.With().Str("component", "negative-cache").Logger(),
	}
}

func (c *NegativeCache) key(sourceKey string) string {
	return c.keys.Key("negative", sourceKey)
}

// ShouldSkip is true once the consecutive empty count reached the threshold.
// Store errors return false: polling continues and the rate limiter still
// bounds outbound traffic.
func (c *NegativeCache) ShouldSkip(ctx context.Context, sourceKey string) bool {
	n, err := c.rdb.HGet(ctx, c.key(sourceKey), "count").Int()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.log.Error().Err(err).Str("key", sourceKey).Msg("read negative cache")
		return false
	}
	return n >= c.threshold
}

// RecordResult increments the counter and refreshes its TTL on an empty
// result; any non-empty result deletes the entry.
func (c *NegativeCache) RecordResult(ctx context.Context, sourceKey string, isEmpty bool) error {
	k := c.key(sourceKey)
	if !isEmpty {
		if err := c.rdb.Del(ctx, k).Err(); err != nil {
			return fmt.Errorf("clear negative entry: %w", err)
		}
		return nil
	}

	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, k, "count", 1)
		p.HSet(ctx, k, "last_empty", c.now().UnixMilli())
		p.PExpire(ctx, k, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record empty result: %w", err)
	}
	return nil
}

// Entry returns the stored state, or nil when there is none.
func (c *NegativeCache) Entry(ctx context.Context, sourceKey string) (*NegativeEntry, error) {
	vals, err := c.rdb.HMGet(ctx, c.key(sourceKey), "count", "last_empty").Result()
	if err != nil {
		return nil, fmt.Errorf("read negative entry: %w", err)
	}
	if vals[0] == nil {
		return nil, nil
	}
	var e NegativeEntry
	if s, ok := vals[0].(string); ok {
		e.Count, _ = strconv.Atoi(s)
	}
	if s, ok := vals[1].(string); ok {
		ms, _ := strconv.ParseInt(s, 10, 64)
		e.LastEmpty = time.UnixMilli(ms)
	}
	return &e, nil
}
