package models

import "time"

// Artifact is a typed blob attached to a job. The (job_id, type) pair
// is unique; overwriting is allowed once (write-then-stable) and
// consumers may re-read freely.
type Artifact struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"job_id"`
	CardID    string         `json:"card_id,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}
