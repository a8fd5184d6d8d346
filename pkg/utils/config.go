package utils

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	HTTP          HTTPConfig          `yaml:"http"`
	GRPC          GRPCConfig          `yaml:"grpc"`
	RateLimits    map[string]string   `yaml:"rate_limits"`
	NegativeCache NegativeCacheConfig `yaml:"negative_cache"`
	Gatekeeper    GatekeeperConfig    `yaml:"gatekeeper"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Resolution    ResolutionConfig    `yaml:"resolution"`
	Worker        WorkerConfig        `yaml:"worker"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Sources       SourcesConfig       `yaml:"sources"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTIssuer   string        `yaml:"jwt_issuer"`
	JWTDuration time.Duration `yaml:"jwt_ttl"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type NegativeCacheConfig struct {
	Threshold int           `yaml:"threshold"`
	TTL       time.Duration `yaml:"ttl"`
}

type GatekeeperConfig struct {
	Elevated   int64         `yaml:"elevated"`
	Overloaded int64         `yaml:"overloaded"`
	Critical   int64         `yaml:"critical"`
	Meltdown   int64         `yaml:"meltdown"`
	DedupTTL   time.Duration `yaml:"dedup_ttl"`
}

type IngestConfig struct {
	MaxChapters int           `yaml:"max_chapters"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
	LockWait    time.Duration `yaml:"lock_wait"`
	TxTimeout   time.Duration `yaml:"tx_timeout"`
}

type ResolutionConfig struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	SerializableRetries int           `yaml:"serializable_retries"`
	TxTimeout           time.Duration `yaml:"tx_timeout"`
}

type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	AcquireWait     time.Duration `yaml:"acquire_wait"`
}

type SchedulerConfig struct {
	Interval           time.Duration `yaml:"interval"`
	BatchSize          int           `yaml:"batch_size"`
	GapWindow          time.Duration `yaml:"gap_window"`
	ProposalsPerSecond float64       `yaml:"proposals_per_second"`
}

type SourcesConfig struct {
	MangaDex MangaDexConfig `yaml:"mangadex"`
	Feeds    []FeedConfig   `yaml:"feeds"`
	Mirrors  []MirrorConfig `yaml:"mirrors"`
}

type MangaDexConfig struct {
	BaseURL  string `yaml:"base_url"`
	Language string `yaml:"language"`
}

// FeedConfig describes an RSS/Atom source. Each feed item is one chapter.
type FeedConfig struct {
	Name        string `yaml:"name"`
	URLTemplate string `yaml:"url_template"`
}

// MirrorConfig describes a JSON chapter mirror serving
// {base_url}/series/{id}/chapters.
type MirrorConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
}

// LoadConfig reads the embedded defaults, overlays the YAML file at path
// (if any) and then applies MANGAHUB_* environment overrides.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultYAML, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse default config: %w", err)
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.Environ()); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoadConfig panics on error; used by the mains.
func MustLoadConfig(path string) Config {
	cfg, err := LoadConfig(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

const rateLimitEnvPrefix = "MANGAHUB_RATE_LIMIT_"

func applyEnv(cfg *Config, environ []string) error {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
		if strings.HasPrefix(k, rateLimitEnvPrefix) && v != "" {
			source := strings.ToLower(strings.TrimPrefix(k, rateLimitEnvPrefix))
			if cfg.RateLimits == nil {
				cfg.RateLimits = map[string]string{}
			}
			cfg.RateLimits[source] = v
		}
	}

	setString := func(key string, dst *string) {
		if v := env[key]; v != "" {
			*dst = v
		}
	}
	setString("MANGAHUB_LOG_LEVEL", &cfg.LogLevel)
	setString("MANGAHUB_LOG_FORMAT", &cfg.LogFormat)
	setString("MANGAHUB_DATABASE_URL", &cfg.Database.URL)
	setString("MANGAHUB_REDIS_URL", &cfg.Redis.URL)
	setString("MANGAHUB_KEY_PREFIX", &cfg.Redis.Prefix)
	setString("MANGAHUB_JWT_SECRET", &cfg.Auth.JWTSecret)
	setString("MANGAHUB_JWT_ISSUER", &cfg.Auth.JWTIssuer)
	setString("MANGAHUB_HTTP_ADDR", &cfg.HTTP.Addr)
	setString("MANGAHUB_GRPC_ADDR", &cfg.GRPC.Addr)
	setString("MANGAHUB_MANGADEX_URL", &cfg.Sources.MangaDex.BaseURL)

	if v := env["MANGAHUB_JWT_TTL_HOURS"]; v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			return fmt.Errorf("invalid MANGAHUB_JWT_TTL_HOURS %q", v)
		}
		cfg.Auth.JWTDuration = time.Duration(hours) * time.Hour
	}
	if v := env["MANGAHUB_WORKER_CONCURRENCY"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid MANGAHUB_WORKER_CONCURRENCY %q", v)
		}
		cfg.Worker.Concurrency = n
	}
	return nil
}

func (c Config) validate() error {
	g := c.Gatekeeper
	if !(g.Elevated < g.Overloaded && g.Overloaded < g.Critical && g.Critical < g.Meltdown) {
		return fmt.Errorf("gatekeeper thresholds must be ascending: %d/%d/%d/%d",
			g.Elevated, g.Overloaded, g.Critical, g.Meltdown)
	}
	if c.Ingest.MaxChapters <= 0 {
		return fmt.Errorf("ingest.max_chapters must be positive")
	}
	if c.Ingest.LockTTL >= c.Worker.JobTimeout {
		return fmt.Errorf("ingest.lock_ttl (%s) must be shorter than worker.job_timeout (%s)",
			c.Ingest.LockTTL, c.Worker.JobTimeout)
	}
	return nil
}
