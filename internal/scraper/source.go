package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"mangasync/internal/errs"
	"mangasync/pkg/models"
	"mangasync/pkg/utils"
)

// Source is implemented by each external chapter source (API / feed / mirror).
// Each source fetches its own data format and maps it into ChapterRecords.
type Source interface {
	Name() string
	FetchChapters(ctx context.Context, ss models.SeriesSource) ([]models.ChapterRecord, error)
}

// FetchError is an upstream failure carrying the HTTP status and any
// Retry-After the source sent.
type FetchError struct {
	Source     string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Source, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Kind maps the status to an error kind: 429 is rate limited, 5xx and
// transport failures are transient, other 4xx are permanent.
func (e *FetchError) Kind() errs.Kind {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return errs.KindRateLimited
	case e.Status >= 500, e.Status == 0, e.Status == http.StatusRequestTimeout:
		return errs.KindTransient
	case e.Status >= 400:
		return errs.KindNonTransient
	}
	return errs.KindTransient
}

// classified turns a FetchError into an errs.Error so that workers can
// decide on retries without knowing about HTTP.
func classified(op string, fe *FetchError) error {
	return &errs.Error{Kind: fe.Kind(), Op: op, RetryAfter: fe.RetryAfter, Err: fe}
}

func statusError(source string, resp *http.Response, body []byte, now time.Time) error {
	fe := &FetchError{
		Source:     source,
		Status:     resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
		Err:        errors.New(truncateBody(body)),
	}
	return classified("fetch "+source, fe)
}

func transportError(source string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return classified("fetch "+source, &FetchError{Source: source, Err: err})
}

// parseRetryAfter accepts both delay-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		s = "empty body"
	}
	return s
}

// Registry looks sources up by their canonical name.
type Registry struct {
	sources map[string]Source
}

// NewRegistry creates a Registry with the given sources.
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// Register adds s, replacing any source with the same name.
func (r *Registry) Register(s Source) {
	r.sources[models.SourceKey(s.Name())] = s
}

func (r *Registry) Get(name string) (Source, bool) {
	s, ok := r.sources[models.SourceKey(name)]
	return s, ok
}

// Names returns the registered source names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.sources))
	for name := range r.sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TokenAcquirer is satisfied by the shared rate limiter.
type TokenAcquirer interface {
	AcquireToken(ctx context.Context, source string, maxWait time.Duration) bool
}

// Throttled takes a rate-limit token for the source before every fetch.
type Throttled struct {
	Source
	limiter TokenAcquirer
	maxWait time.Duration
}

func NewThrottled(src Source, limiter TokenAcquirer, maxWait time.Duration) *Throttled {
	return &Throttled{Source: src, limiter: limiter, maxWait: maxWait}
}

func (t *Throttled) FetchChapters(ctx context.Context, ss models.SeriesSource) ([]models.ChapterRecord, error) {
	name := models.SourceKey(t.Name())
	if !t.limiter.AcquireToken(ctx, name, t.maxWait) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errs.Newf(errs.KindExhausted, "acquire token "+name, "no rate-limit token within %s", t.maxWait)
	}
	return t.Source.FetchChapters(ctx, ss)
}

// FromConfig builds the registry of every configured source.
func FromConfig(cfg utils.SourcesConfig) *Registry {
	r := NewRegistry(NewMangaDex(cfg.MangaDex.BaseURL, cfg.MangaDex.Language))
	for _, fc := range cfg.Feeds {
		if fc.Name == "" || fc.URLTemplate == "" {
			continue
		}
		r.Register(NewFeed(fc.Name, fc.URLTemplate))
	}
	for _, mc := range cfg.Mirrors {
		if mc.Name == "" || mc.BaseURL == "" {
			continue
		}
		r.Register(NewMirror(mc.Name, mc.BaseURL))
	}
	return r
}
