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

// DefaultMangaDexURL is the public MangaDex API base.
const DefaultMangaDexURL = "https://api.mangadex.org"

// MangaDex fetches a series' chapter feed from the MangaDex API.
type MangaDex struct {
	BaseURL  string
	Language string
	Client   *http.Client
	Limit    int // items per request
	Max      int // maximum chapters per fetch (safety)
}

func NewMangaDex(baseURL, language string) *MangaDex {
	if baseURL == "" {
		baseURL = DefaultMangaDexURL
	}
	if language == "" {
		language = "en"
	}
	return &MangaDex{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Language: language,
		Client:   &http.Client{Timeout: 12 * time.Second},
		Limit:    100,
		Max:      500,
	}
}

func (s *MangaDex) Name() string { return "mangadex" }

type mdFeedResponse struct {
	Result string `json:"result"`
	Data   []struct {
		ID         string `json:"id"`
		Attributes struct {
			Chapter     *string `json:"chapter"`
			Title       *string `json:"title"`
			ExternalURL *string `json:"externalUrl"`
			PublishAt   string  `json:"publishAt"`
		} `json:"attributes"`
	} `json:"data"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// FetchChapters pages through /manga/{id}/feed newest first. Several
// scanlations of one chapter collapse into the first one seen.
func (s *MangaDex) FetchChapters(ctx context.Context, ss models.SeriesSource) ([]models.ChapterRecord, error) {
	if ss.SourceSeriesID == "" {
		return nil, classified("fetch mangadex", &FetchError{Source: s.Name(), Status: http.StatusBadRequest, Err: fmt.Errorf("series source %s has no mangadex id", ss.ID)})
	}

	var all []models.ChapterRecord
	seen := make(map[string]bool)
	offset := 0

	for offset < s.Max {
		u, err := url.Parse(s.BaseURL + "/manga/" + url.PathEscape(ss.SourceSeriesID) + "/feed")
		if err != nil {
			return nil, fmt.Errorf("mangadex: build url: %w", err)
		}
		q := u.Query()
		q.Set("limit", fmt.Sprintf("%d", s.Limit))
		q.Set("offset", fmt.Sprintf("%d", offset))
		q.Add("translatedLanguage[]", s.Language)
		q.Set("order[chapter]", "desc")
		q.Add("contentRating[]", "safe")
		q.Add("contentRating[]", "suggestive")
		u.RawQuery = q.Encode()

		md, err := s.page(ctx, u.String())
		if err != nil {
			return nil, err
		}
		if len(md.Data) == 0 {
			break
		}

		for _, item := range md.Data {
			var num string
			if item.Attributes.Chapter != nil {
				num = strings.TrimSpace(*item.Attributes.Chapter)
			}
			rec := models.ChapterRecord{
				Number: models.ParseChapterNumber(num),
				URL:    "https://mangadex.org/chapter/" + item.ID,
			}
			if rec.Number != nil {
				key := rec.Number.String()
				if seen[key] {
					continue
				}
				seen[key] = true
			}
			if item.Attributes.Title != nil {
				rec.Title = strings.TrimSpace(*item.Attributes.Title)
			}
			if item.Attributes.ExternalURL != nil && *item.Attributes.ExternalURL != "" {
				rec.URL = *item.Attributes.ExternalURL
			}
			if t, err := time.Parse(time.RFC3339, item.Attributes.PublishAt); err == nil {
				t = t.UTC()
				rec.PublishedAt = &t
			}
			all = append(all, rec)
		}

		offset += s.Limit
		if md.Total > 0 && offset >= md.Total {
			break
		}
	}

	return all, nil
}

func (s *MangaDex) page(ctx context.Context, u string) (*mdFeedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("mangadex: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, transportError(s.Name(), err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(s.Name(), resp, body, time.Now())
	}

	var md mdFeedResponse
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, classified("fetch mangadex", &FetchError{Source: s.Name(), Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)})
	}
	return &md, nil
}
