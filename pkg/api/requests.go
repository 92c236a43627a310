package api

// CreateJobRequest is the body of POST /api/v1/jobs.
type CreateJobRequest struct {
	Source         string            `json:"source"`
	Input          map[string]string `json:"input"`
	Options        map[string]any    `json:"options,omitempty"`
	RequestedCards []string          `json:"requested_cards,omitempty"`
}
