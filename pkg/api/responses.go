package api

import "github.com/mosaiclabs/mosaic/pkg/models"

// CreateJobResponse is returned by POST /api/v1/jobs. Either JobID is
// set and the job is queued, or NeedsConfirmation is true and the
// caller must resubmit with one of the candidate IDs.
type CreateJobResponse struct {
	JobID             string             `json:"job_id,omitempty"`
	Status            string             `json:"status,omitempty"`
	NeedsConfirmation bool               `json:"needs_confirmation,omitempty"`
	Candidates        []models.Candidate `json:"candidates,omitempty"`
}

// CancelResponse is returned by POST /api/v1/jobs/:id/cancel.
type CancelResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// EventsResponse is one page of the persisted event log for a job.
type EventsResponse struct {
	JobID  string             `json:"job_id"`
	Events []*models.JobEvent `json:"events"`
}

// HealthCheck is the status of a single dependency in HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}
