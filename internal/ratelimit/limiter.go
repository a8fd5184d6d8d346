package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"mangasync/pkg/kvstore"
	"mangasync/pkg/models"
)

// takeScript refills the bucket lazily and, when ARGV[5] is 1, consumes one
// token. Refill and decrement happen in one script so concurrent workers
// can never both take the last token.
//
// KEYS[1] bucket hash
// ARGV rate, burst, now_ms, ttl_ms, consume
// returns {allowed, tokens, wait_ms, refilled_at_ms}
var takeScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local consume = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = burst
  last = now
end

local elapsed = math.max(0, now - last) / 1000
tokens = math.min(burst, tokens + elapsed * rate)
local refilled = math.max(last, now)

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  if consume == 1 then
    tokens = tokens - 1
  end
else
  wait = math.ceil((1 - tokens) / rate * 1000)
end

if consume == 1 then
  redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(refilled))
  redis.call('PEXPIRE', key, ttl)
else
  refilled = last
end

return {allowed, tostring(tokens), wait, tostring(refilled)}
`)

const minPollInterval = 10 * time.Millisecond

// Status is a point-in-time view of one source's bucket.
type Status struct {
	Source     string        `json:"source"`
	Tokens     float64       `json:"tokens"`
	Burst      int           `json:"burst"`
	Rate       float64       `json:"requests_per_second"`
	Cooldown   time.Duration `json:"cooldown"`
	LastRefill time.Time     `json:"last_refill"`
}

type takeResult struct {
	allowed    bool
	tokens     float64
	wait       time.Duration
	refilledAt time.Time
}

// Limiter is a token bucket per source whose state lives in Redis, so every
// worker process shares one budget per source. A process-local x/time/rate
// limiter mirrors this process's own consumption and lets it skip a Redis
// round trip when it alone has already drained the bucket.
type Limiter struct {
	rdb     redis.Cmdable
	keys    kvstore.Keys
	configs Configs
	log     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

type Option func(*Limiter)

// WithClock injects the clock used for refill arithmetic and deadlines.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleep replaces the context-aware sleep used between polls and for
// the post-acquire cooldown.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

func NewLimiter(rdb redis.Cmdable, keys kvstore.Keys, configs Configs, log zerolog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		rdb:     rdb,
		keys:    keys,
		configs: configs,
		log:     log.With().Str("component", "ratelimit").Logger(),
		now:     time.Now,
		sleep:   sleepCtx,
		local:   make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Config returns the resolved configuration for a source.
func (l *Limiter) Config(source string) models.RateConfig {
	return l.configs.For(source)
}

// AcquireToken blocks until a token for source is taken or maxWait elapses.
// On success it also waits out the source's cooldown before returning.
// It returns false on timeout, cancellation or store failure; callers treat
// false as a retryable condition.
func (l *Limiter) AcquireToken(ctx context.Context, source string, maxWait time.Duration) bool {
	source = models.SourceKey(source)
	cfg := l.configs.For(source)
	mirror := l.mirror(source, cfg)
	deadline := l.now().Add(maxWait)

	for {
		now := l.now()

		var wait time.Duration
		if tokens := mirror.TokensAt(now); tokens < 1 {
			wait = refillWait(tokens, cfg.RequestsPerSecond)
		} else {
			res, err := l.take(ctx, source, cfg, true)
			if err != nil {
				l.log.Error().Err(err).Str("source", source).Msg("token store unavailable, denying acquisition")
				return false
			}
			if res.allowed {
				mirror.AllowN(now, 1)
				if cfg.Cooldown > 0 {
					if err := l.sleep(ctx, cfg.Cooldown); err != nil {
						return false
					}
				}
				return true
			}
			wait = res.wait
		}

		remaining := deadline.Sub(l.now())
		if remaining <= 0 {
			l.log.Warn().Str("source", source).Dur("max_wait", maxWait).Msg("rate limit wait exhausted")
			return false
		}
		if wait > remaining {
			wait = remaining
		}
		if wait < minPollInterval {
			wait = minPollInterval
		}
		if err := l.sleep(ctx, wait); err != nil {
			return false
		}
	}
}

// HasAvailableToken reports whether a token could be taken right now,
// without consuming it.
func (l *Limiter) HasAvailableToken(ctx context.Context, source string) bool {
	source = models.SourceKey(source)
	res, err := l.take(ctx, source, l.configs.For(source), false)
	if err != nil {
		l.log.Error().Err(err).Str("source", source).Msg("probe token bucket")
		return false
	}
	return res.allowed
}

// GetStatus reports the bucket state for observability.
func (l *Limiter) GetStatus(ctx context.Context, source string) (Status, error) {
	source = models.SourceKey(source)
	cfg := l.configs.For(source)
	res, err := l.take(ctx, source, cfg, false)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Source:     source,
		Tokens:     res.tokens,
		Burst:      cfg.Burst,
		Rate:       cfg.RequestsPerSecond,
		Cooldown:   cfg.Cooldown,
		LastRefill: res.refilledAt,
	}, nil
}

func (l *Limiter) take(ctx context.Context, source string, cfg models.RateConfig, consume bool) (takeResult, error) {
	c := 0
	if consume {
		c = 1
	}
	now := l.now().UnixMilli()
	raw, err := takeScript.Run(ctx, l.rdb, []string{l.keys.Key("ratelimit", source)},
		cfg.RequestsPerSecond, cfg.Burst, now, bucketTTL(cfg).Milliseconds(), c).Slice()
	if err != nil {
		return takeResult{}, fmt.Errorf("run token bucket script: %w", err)
	}
	if len(raw) != 4 {
		return takeResult{}, fmt.Errorf("token bucket script: unexpected reply %v", raw)
	}

	allowed, _ := raw[0].(int64)
	waitMs, _ := raw[2].(int64)
	tokensStr, _ := raw[1].(string)
	refilledStr, _ := raw[3].(string)

	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return takeResult{}, fmt.Errorf("parse tokens %q: %w", tokensStr, err)
	}
	refilled, err := strconv.ParseFloat(refilledStr, 64)
	if err != nil {
		return takeResult{}, fmt.Errorf("parse refill time %q: %w", refilledStr, err)
	}

	return takeResult{
		allowed:    allowed == 1,
		tokens:     tokens,
		wait:       time.Duration(waitMs) * time.Millisecond,
		refilledAt: time.UnixMilli(int64(refilled)),
	}, nil
}

func (l *Limiter) mirror(source string, cfg models.RateConfig) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.local[source]
	if !ok {
		m = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
		l.local[source] = m
	}
	return m
}

// bucketTTL keeps an idle bucket around long enough to refill completely.
func bucketTTL(cfg models.RateConfig) time.Duration {
	full := time.Duration(float64(cfg.Burst) / cfg.RequestsPerSecond * float64(time.Second))
	if ttl := 2 * full; ttl > time.Minute {
		return ttl
	}
	return time.Minute
}

func refillWait(tokens, perSecond float64) time.Duration {
	if perSecond <= 0 {
		return time.Second
	}
	return time.Duration(math.Ceil((1-tokens)/perSecond*1000)) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
