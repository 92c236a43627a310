package models

import "time"

// Source identifies the upstream identity provider a job analyzes.
type Source string

const (
	SourceGitHub   Source = "github"
	SourceScholar  Source = "scholar"
	SourceLinkedIn Source = "linkedin"
)

// ValidSource reports whether s names a supported source.
func ValidSource(s Source) bool {
	switch s {
	case SourceGitHub, SourceScholar, SourceLinkedIn:
		return true
	}
	return false
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one analysis request. It owns a per-source DAG of cards whose
// outputs make up the final multi-card report.
type Job struct {
	ID           string            `json:"id"`
	Source       Source            `json:"source"`
	Status       JobStatus         `json:"status"`
	SubjectKey   string            `json:"subject_key"`
	UserID       string            `json:"user_id,omitempty"`
	Input        map[string]string `json:"input"`
	Options      map[string]any    `json:"options,omitempty"`
	ErrorKind    ErrorKind         `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

// JobSnapshot is the point-in-time view returned by the snapshot API:
// the job, all of its cards, and the last event sequence number so a
// client can resume streaming without a gap.
type JobSnapshot struct {
	Job     *Job   `json:"job"`
	Cards   []Card `json:"cards"`
	LastSeq int64  `json:"last_seq"`
}

// CreateJobRequest contains the fields accepted when submitting a job.
type CreateJobRequest struct {
	Source         Source            `json:"source"`
	Input          map[string]string `json:"input"`
	Options        map[string]any    `json:"options,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	RequestedCards []string          `json:"requested_cards,omitempty"`
}

// Candidate is one possible identity match returned when the input is
// ambiguous and the caller must confirm before a job is created.
type Candidate struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
}

// CreateJobResult is the outcome of a job submission. Either JobID is
// set, or NeedsConfirmation is true and Candidates lists the choices.
type CreateJobResult struct {
	JobID             string      `json:"job_id,omitempty"`
	NeedsConfirmation bool        `json:"needs_confirmation,omitempty"`
	Candidates        []Candidate `json:"candidates,omitempty"`
}
