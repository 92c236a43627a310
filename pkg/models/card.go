package models

import (
	"strings"
	"time"
)

// ResourceCardPrefix marks internal resource-fetch cards. Their outputs
// feed user-facing cards and are not part of the report surface.
const ResourceCardPrefix = "resource."

// FullReportCardType is the terminal aggregation card present in every
// plan for sources that expose it.
const FullReportCardType = "full_report"

// CardStatus represents the lifecycle state of a card.
type CardStatus string

const (
	CardStatusPending   CardStatus = "pending"
	CardStatusReady     CardStatus = "ready"
	CardStatusRunning   CardStatus = "running"
	CardStatusCompleted CardStatus = "completed"
	CardStatusFailed    CardStatus = "failed"
	CardStatusCancelled CardStatus = "cancelled"
	CardStatusSkipped   CardStatus = "skipped"
)

// Terminal reports whether the status is final. Terminal states are
// sticky: once reached, a card row never transitions again.
func (s CardStatus) Terminal() bool {
	switch s {
	case CardStatusCompleted, CardStatusFailed, CardStatusCancelled, CardStatusSkipped:
		return true
	}
	return false
}

// CardOutput is the persisted output envelope of a card: structured data
// plus any streamed text accumulated per section.
type CardOutput struct {
	Data   map[string]any    `json:"data"`
	Stream map[string]string `json:"stream,omitempty"`
}

// Merge overlays other on top of the receiver and returns the result:
// keys present in other win, sections in other replace same-named
// sections. Used when a completing card's own output lands on top of
// previously prefilled data.
func (o *CardOutput) Merge(other *CardOutput) *CardOutput {
	if o == nil {
		return other
	}
	if other == nil {
		return o
	}
	merged := &CardOutput{Data: map[string]any{}}
	for k, v := range o.Data {
		merged.Data[k] = v
	}
	for k, v := range other.Data {
		merged.Data[k] = v
	}
	if len(o.Stream) > 0 || len(other.Stream) > 0 {
		merged.Stream = map[string]string{}
		for k, v := range o.Stream {
			merged.Stream[k] = v
		}
		for k, v := range other.Stream {
			merged.Stream[k] = v
		}
	}
	return merged
}

// Card is a unit of work within a job producing one part of the report.
type Card struct {
	ID               string         `json:"id"`
	JobID            string         `json:"job_id"`
	CardType         string         `json:"card_type"`
	Status           CardStatus     `json:"status"`
	DependsOn        []CardDep      `json:"depends_on,omitempty"`
	Priority         int            `json:"priority"`
	ConcurrencyGroup string         `json:"concurrency_group,omitempty"`
	Input            map[string]any `json:"input,omitempty"`
	Output           *CardOutput    `json:"output,omitempty"`
	ErrorKind        ErrorKind      `json:"error_kind,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	AttemptCount     int            `json:"attempt_count"`
	ClaimedBy        string         `json:"-"`
	LastHeartbeatAt  *time.Time     `json:"-"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
}

// Internal reports whether the card is an internal resource node rather
// than part of the user-facing report.
func (c *Card) Internal() bool {
	return strings.HasPrefix(c.CardType, ResourceCardPrefix)
}

// Background reports whether the card runs at background priority.
// Background cards never block job completion.
func (c *Card) Background() bool {
	return c.Priority > 0
}

// IdempotentFetch reports whether the plan declared this card's fetch
// safe to repeat. Timeouts retry only for such cards.
func (c *Card) IdempotentFetch() bool {
	v, _ := c.Input["idempotent"].(bool)
	return v
}
