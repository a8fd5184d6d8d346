package events

import "time"

// Event types.
const (
	TypeChapterDetected  = "chapter.detected"
	TypeSyncFailed       = "sync.failed"
	TypeEntryResolved    = "library.resolved"
	TypeEntryUnavailable = "library.unavailable"
	TypeJobDeadLettered  = "job.dead_lettered"
	TypeLoadChanged      = "system.load"
)

// Event is one message on the operator event stream.
type Event struct {
	Type           string    `json:"type"`
	SeriesID       string    `json:"series_id,omitempty"`
	SeriesSourceID string    `json:"series_source_id,omitempty"`
	EntryID        string    `json:"entry_id,omitempty"`
	Chapter        string    `json:"chapter,omitempty"`
	JobID          string    `json:"job_id,omitempty"`
	Message        string    `json:"message,omitempty"`
	At             time.Time `json:"at"`
}
