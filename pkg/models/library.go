package models

import "time"

// Metadata resolution states of a library entry.
const (
	MetadataPending     = "pending"
	MetadataEnriched    = "enriched"
	MetadataFailed      = "failed"
	MetadataUnavailable = "unavailable"
)

// MetadataSourceUserOverride marks an entry whose metadata was set by hand.
// Automated resolution never touches such entries.
const MetadataSourceUserOverride = "USER_OVERRIDE"

// LibraryEntry is a user's library item awaiting or holding resolved
// series metadata.
type LibraryEntry struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	SeriesID       *string    `json:"series_id,omitempty"`
	Title          string     `json:"title"`
	AltTitles      []string   `json:"alt_titles,omitempty"`
	MetadataStatus string     `json:"metadata_status"`
	MetadataSource string     `json:"metadata_source,omitempty"`
	RetryCount     int        `json:"retry_count"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
