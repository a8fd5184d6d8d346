package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LogicalChapter is the canonical chapter, unique on (SeriesID, Number).
type LogicalChapter struct {
	ID       string          `json:"id"`
	SeriesID string          `json:"series_id"`
	Number   decimal.Decimal `json:"number"`
	Title    string          `json:"title,omitempty"`
}

// ChapterSource records that one source exposed one logical chapter.
// Unique on (SeriesSourceID, ChapterID).
type ChapterSource struct {
	ID             string    `json:"id"`
	SeriesSourceID string    `json:"series_source_id"`
	ChapterID      string    `json:"chapter_id"`
	URL            string    `json:"url,omitempty"`
	DetectedAt     time.Time `json:"detected_at"`
	Available      bool      `json:"available"`
}

// ChapterRecord is a chapter candidate as returned by a source fetch.
// Number is nil when the source gave no usable chapter number.
type ChapterRecord struct {
	Number      *decimal.Decimal `json:"number,omitempty"`
	Title       string           `json:"title,omitempty"`
	URL         string           `json:"url,omitempty"`
	PublishedAt *time.Time       `json:"published_at,omitempty"`
}

// ParseChapterNumber parses a chapter number string. Empty, malformed and
// negative values yield nil.
func ParseChapterNumber(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return nil
	}
	return &d
}
