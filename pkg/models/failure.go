package models

import (
	"encoding/json"
	"time"
)

// FailureRecord is a dead-lettered job kept for operator inspection.
type FailureRecord struct {
	ID       int64           `json:"id"`
	JobID    string          `json:"job_id"`
	JobName  string          `json:"job_name"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Attempts int             `json:"attempts"`
	Kind     string          `json:"kind"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failed_at"`
}
