package models

import "time"

// EventType enumerates the record kinds in a job's event log.
type EventType string

const (
	EventJobStarted   EventType = "job.started"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"

	EventCardStarted   EventType = "card.started"
	EventCardProgress  EventType = "card.progress"
	EventCardDelta     EventType = "card.delta"
	EventCardAppend    EventType = "card.append"
	EventCardPrefill   EventType = "card.prefill"
	EventCardCompleted EventType = "card.completed"
	EventCardFailed    EventType = "card.failed"
	EventCardCancelled EventType = "card.cancelled"
)

// TerminalJobEvent reports whether t closes the job's event stream.
// Exactly one terminal job event ends every stream.
func TerminalJobEvent(t EventType) bool {
	switch t {
	case EventJobCompleted, EventJobFailed, EventJobCancelled:
		return true
	}
	return false
}

// Stable step tokens used in card.progress payloads. Clients key UI
// affordances off these, so they never change meaning.
const (
	StepFetching  = "fetching"
	StepAnalyzing = "analyzing"
	StepResolving = "resolving"
	StepDegraded  = "degraded"
	StepCacheHit  = "cache_hit"

	StepAIRoleModel = "ai_role_model"
	StepAIRoast     = "ai_roast"
	StepAISummary   = "ai_summary"
)

// TimingStep returns the progress step token carrying per-component
// timing data, e.g. "timing.fetch".
func TimingStep(component string) string {
	return "timing." + component
}

// JobEvent is one append-only record in a job's ordered event log.
// Seq values are contiguous from 1 within a job; records are never
// mutated after append.
type JobEvent struct {
	ID        int64          `json:"-"`
	JobID     string         `json:"job_id"`
	Seq       int64          `json:"seq"`
	CardID    string         `json:"card_id,omitempty"`
	Source    Source         `json:"source"`
	EventType EventType      `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	EmittedAt time.Time      `json:"emitted_at"`
}
