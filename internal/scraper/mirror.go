package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mangasync/pkg/models"
)

// Mirror is a chapter source with a plain JSON shape, for example a
// self-hosted mirror or a partner API.
type Mirror struct {
	name    string
	BaseURL string
	Client  *http.Client
}

// NewMirror creates a new Mirror. name is the rate-limit key of the source.
func NewMirror(name, baseURL string) *Mirror {
	return &Mirror{
		name:    models.SourceKey(name),
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *Mirror) Name() string {
	return s.name
}

// FetchChapters fetches and maps the mirror's chapter list.
//
// Expected response format:
//
//	GET {BaseURL}/series/{source_series_id}/chapters
//	[
//	  {
//	    "number": "1100.5",
//	    "title": "The Final Sea",
//	    "url": "https://mirror.example/one-piece/1100-5",
//	    "released": "2024-01-02T15:04:05Z"
//	  },
//	  ...
//	]
func (s *Mirror) FetchChapters(ctx context.Context, ss models.SeriesSource) ([]models.ChapterRecord, error) {
	u := s.BaseURL + "/series/" + url.PathEscape(ss.SourceSeriesID) + "/chapters"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", s.name, err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, transportError(s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(s.name, resp, body, time.Now())
	}

	var raw []struct {
		Number   json.RawMessage `json:"number"`
		Title    string          `json:"title"`
		URL      string          `json:"url"`
		Released string          `json:"released"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, classified("fetch "+s.name, &FetchError{Source: s.name, Status: resp.StatusCode, Err: fmt.Errorf("decode json: %w", err)})
	}

	result := make([]models.ChapterRecord, 0, len(raw))
	for _, r := range raw {
		rec := models.ChapterRecord{
			Number: models.ParseChapterNumber(rawNumber(r.Number)),
			Title:  strings.TrimSpace(r.Title),
			URL:    r.URL,
		}
		if t, ok := parseReleased(r.Released); ok {
			rec.PublishedAt = &t
		}
		result = append(result, rec)
	}
	return result, nil
}

// rawNumber accepts the chapter number as a JSON string or number.
func rawNumber(m json.RawMessage) string {
	s := strings.TrimSpace(string(m))
	if s == "" || s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}

func parseReleased(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
