package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"mangasync/pkg/models"
)

const maxPerFeed = 200

var chapterNumberRe = regexp.MustCompile(`(?i)\b(?:chapter|chap|ch|episode|ep)\.?\s*#?\s*(\d+(?:\.\d+)?)`)

// Feed reads chapters from an RSS/Atom feed. Each feed item is one chapter;
// the chapter number is parsed from the item title.
type Feed struct {
	name        string
	urlTemplate string
	parser      *gofeed.Parser
}

// NewFeed creates a feed source. urlTemplate may contain {id}, which is
// replaced by the series' id on the source.
func NewFeed(name, urlTemplate string) *Feed {
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: 15 * time.Second}
	return &Feed{
		name:        models.SourceKey(name),
		urlTemplate: urlTemplate,
		parser:      parser,
	}
}

func (f *Feed) Name() string { return f.name }

func (f *Feed) FeedURL(ss models.SeriesSource) string {
	return strings.ReplaceAll(f.urlTemplate, "{id}", url.PathEscape(ss.SourceSeriesID))
}

func (f *Feed) FetchChapters(ctx context.Context, ss models.SeriesSource) ([]models.ChapterRecord, error) {
	feed, err := f.parser.ParseURLWithContext(f.FeedURL(ss), ctx)
	if err != nil {
		var httpErr gofeed.HTTPError
		if errors.As(err, &httpErr) {
			return nil, classified("fetch "+f.name, &FetchError{Source: f.name, Status: httpErr.StatusCode, Err: errors.New(httpErr.Status)})
		}
		if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
			return nil, classified("fetch "+f.name, &FetchError{Source: f.name, Status: http.StatusUnprocessableEntity, Err: err})
		}
		return nil, transportError(f.name, err)
	}

	var out []models.ChapterRecord
	for _, item := range feed.Items {
		if len(out) >= maxPerFeed {
			break
		}
		rec := parseItem(item)
		if rec == nil {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func parseItem(item *gofeed.Item) *models.ChapterRecord {
	link := item.Link
	if link == "" {
		link = item.GUID
	}
	title := strings.TrimSpace(item.Title)
	if link == "" && title == "" {
		return nil
	}

	rec := &models.ChapterRecord{
		Number: models.ParseChapterNumber(ChapterNumberFromTitle(title)),
		Title:  title,
		URL:    link,
	}
	switch {
	case item.PublishedParsed != nil:
		t := item.PublishedParsed.UTC()
		rec.PublishedAt = &t
	case item.UpdatedParsed != nil:
		t := item.UpdatedParsed.UTC()
		rec.PublishedAt = &t
	}
	return rec
}

// ChapterNumberFromTitle extracts "12.5" from titles like "Ch. 12.5 - Title".
func ChapterNumberFromTitle(title string) string {
	m := chapterNumberRe.FindStringSubmatch(title)
	if m == nil {
		return ""
	}
	return m[1]
}
