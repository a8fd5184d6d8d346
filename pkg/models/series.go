package models

import "time"

// Tier is the coarse popularity class of a series-source.
// A is the hottest, C the coldest.
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
)

// ParseTier maps a stored tier value to a Tier, defaulting to C.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierA, TierB:
		return Tier(s)
	default:
		return TierC
	}
}

// Series is the canonical series row.
type Series struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	AltTitles     []string   `json:"alt_titles,omitempty"`
	ChapterCount  int        `json:"chapter_count"`
	LastChapterAt *time.Time `json:"last_chapter_at,omitempty"`
	// MetadataLocked is set when an operator edited the series by hand.
	MetadataLocked bool `json:"metadata_locked"`
}

// SeriesSource is a series' presence on one source. It owns the sync
// scheduling metadata and is never deleted, only disabled.
type SeriesSource struct {
	ID                  string     `json:"id"`
	SeriesID            string     `json:"series_id"`
	SourceName          string     `json:"source_name"`
	SourceSeriesID      string     `json:"source_series_id"`
	SourceURL           string     `json:"source_url,omitempty"`
	Tier                Tier       `json:"tier"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	NextCheckAt         *time.Time `json:"next_check_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Disabled            bool       `json:"disabled"`

	// Popularity signals joined in from tracking data.
	TrackerCount   int        `json:"tracker_count"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}
