package kvstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "mangahub:"

type Config struct {
	URL    string
	Prefix string
}

func DefaultConfig() Config {
	cfg := Config{URL: "redis://localhost:6379/0", Prefix: defaultPrefix}
	if u := os.Getenv("MANGAHUB_REDIS_URL"); u != "" {
		cfg.URL = u
	}
	if p := os.Getenv("MANGAHUB_KEY_PREFIX"); p != "" {
		cfg.Prefix = p
	}
	return cfg
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Keys namespaces every key the service writes under one prefix.
type Keys struct {
	Prefix string
}

func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return Keys{Prefix: prefix}
}

// Key joins parts with ':' under the prefix.
func (k Keys) Key(parts ...string) string {
	return k.Prefix + strings.Join(parts, ":")
}
