package events

import (
	"encoding/json"
	"fmt"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

// Typed payload structs for every event the engine emits. Shapes are
// part of the client contract and stay stable across versions; see the
// contract tests in payloads_test.go.
//
// Card is the card-type string: the stable identifier clients route
// deltas and progress into UI slots by. CardType on the started
// payload names the component to mount; the two coincide while card
// types are unique within a job.

// JobStartedPayload is the first event of every job.
type JobStartedPayload struct {
	Source models.Source `json:"source"`
}

// JobFailedPayload terminates a job that could not produce a report.
type JobFailedPayload struct {
	ErrorKind models.ErrorKind `json:"error_kind"`
	Message   string           `json:"message"`
}

// JobCancelledPayload terminates an explicitly cancelled job. Nothing
// follows it in the stream.
type JobCancelledPayload struct {
	Reason string `json:"reason"`
}

// CardStartedPayload announces that a worker picked up a card.
type CardStartedPayload struct {
	Card     string `json:"card"`
	CardType string `json:"card_type"`
}

// CardProgressPayload is a compact progress tick. Step values are
// stable tokens (models.StepFetching etc.); Data carries optional
// structured detail.
type CardProgressPayload struct {
	Card    string         `json:"card"`
	Step    string         `json:"step"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// CardDeltaPayload is one streamed text fragment routed to a section
// of a card field. Concatenating deltas per (card, field, section)
// reproduces the final section text exactly.
type CardDeltaPayload struct {
	Card    string `json:"card"`
	Field   string `json:"field"`
	Section string `json:"section"`
	Format  string `json:"format"`
	Delta   string `json:"delta"`
}

// CardAppendPayload streams list items into a card path as they are
// parsed, with a dedup key so replays and retries stay idempotent.
type CardAppendPayload struct {
	Card     string `json:"card"`
	Path     string `json:"path"`
	Items    []any  `json:"items"`
	DedupKey string `json:"dedup_key"`
	Cursor   string `json:"cursor,omitempty"`
	Partial  bool   `json:"partial,omitempty"`
}

// TimingInfo reports how long producing a payload took.
type TimingInfo struct {
	ElapsedMS int64 `json:"elapsed_ms"`
}

// CardResultPayload is the shared shape of card.prefill and
// card.completed: the output envelope plus routing metadata. Meta
// carries flags like degraded, cache, refined.
type CardResultPayload struct {
	Card     string             `json:"card"`
	Payload  *models.CardOutput `json:"payload"`
	Internal bool               `json:"internal"`
	Timing   TimingInfo         `json:"timing"`
	Meta     map[string]any     `json:"meta,omitempty"`
}

// CardFailedPayload records a terminal card failure, including cards
// skipped because a required dependency failed upstream.
type CardFailedPayload struct {
	Card      string           `json:"card"`
	ErrorKind models.ErrorKind `json:"error_kind"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
}

// CardCancelledPayload records a card stopped by job cancellation.
type CardCancelledPayload struct {
	Card   string `json:"card"`
	Reason string `json:"reason,omitempty"`
}

// CancelReason is the reason string recorded on cancellations driven
// by an explicit cancel request.
const CancelReason = "cancelled by user"

// --- Event constructors ---

// NewJobStarted builds the opening event of a job's stream.
func NewJobStarted(job *models.Job) *models.JobEvent {
	return newEvent(job.ID, "", models.EventJobStarted, JobStartedPayload{Source: job.Source})
}

// NewJobCompleted builds the terminal event of a successful job.
func NewJobCompleted(jobID string) *models.JobEvent {
	return newEvent(jobID, "", models.EventJobCompleted, struct{}{})
}

// NewJobFailed builds the terminal event of a failed job.
func NewJobFailed(jobID string, kind models.ErrorKind, message string) *models.JobEvent {
	return newEvent(jobID, "", models.EventJobFailed, JobFailedPayload{ErrorKind: kind, Message: message})
}

// NewJobCancelled builds the terminal event of a cancelled job.
func NewJobCancelled(jobID, reason string) *models.JobEvent {
	return newEvent(jobID, "", models.EventJobCancelled, JobCancelledPayload{Reason: reason})
}

// NewCardStarted builds the card pickup event.
func NewCardStarted(card *models.Card) *models.JobEvent {
	return newEvent(card.JobID, card.ID, models.EventCardStarted, CardStartedPayload{
		Card:     card.CardType,
		CardType: card.CardType,
	})
}

// NewCardProgress builds a progress tick for a running card.
func NewCardProgress(card *models.Card, step, message string, data map[string]any) *models.JobEvent {
	return newEvent(card.JobID, card.ID, models.EventCardProgress, CardProgressPayload{
		Card:    card.CardType,
		Step:    step,
		Message: message,
		Data:    data,
	})
}

// NewCardDelta builds one streamed text fragment event.
func NewCardDelta(card *models.Card, field, section, format, delta string) *models.JobEvent {
	return newEvent(card.JobID, card.ID, models.EventCardDelta, CardDeltaPayload{
		Card:    card.CardType,
		Field:   field,
		Section: section,
		Format:  format,
		Delta:   delta,
	})
}

// NewCardAppend builds a streamed list-items event.
func NewCardAppend(card *models.Card, payload CardAppendPayload) *models.JobEvent {
	payload.Card = card.CardType
	return newEvent(card.JobID, card.ID, models.EventCardAppend, payload)
}

// NewCardPrefill builds the early-data event carrying cached or
// partial output before the card's own run completes.
func NewCardPrefill(card *models.Card, output *models.CardOutput, elapsedMS int64, meta map[string]any) *models.JobEvent {
	return newEvent(card.JobID, card.ID, models.EventCardPrefill, CardResultPayload{
		Card:     card.CardType,
		Payload:  output,
		Internal: card.Internal(),
		Timing:   TimingInfo{ElapsedMS: elapsedMS},
		Meta:     meta,
	})
}

// NewCardCompleted builds the card completion event. A second
// completion for the same card type is an update carrying the merged
// payload.
func NewCardCompleted(card *models.Card, output *models.CardOutput, elapsedMS int64, meta map[string]any) *models.JobEvent {
	return newEvent(card.JobID, card.ID, models.EventCardCompleted, CardResultPayload{
		Card:     card.CardType,
		Payload:  output,
		Internal: card.Internal(),
		Timing:   TimingInfo{ElapsedMS: elapsedMS},
		Meta:     meta,
	})
}

// NewCardFailed builds the terminal failure event for a card.
func NewCardFailed(card *models.Card, kind models.ErrorKind, message string) *models.JobEvent {
	return newEvent(card.JobID, card.ID, models.EventCardFailed, CardFailedPayload{
		Card:      card.CardType,
		ErrorKind: kind,
		Message:   message,
		Retryable: kind.Retryable(),
	})
}

// NewCardCancelled builds the cancellation event for a card.
func NewCardCancelled(card *models.Card, reason string) *models.JobEvent {
	return newEvent(card.JobID, card.ID, models.EventCardCancelled, CardCancelledPayload{
		Card:   card.CardType,
		Reason: reason,
	})
}

func newEvent(jobID, cardID string, eventType models.EventType, payload any) *models.JobEvent {
	return &models.JobEvent{
		JobID:     jobID,
		CardID:    cardID,
		EventType: eventType,
		Payload:   payloadMap(payload),
	}
}

// payloadMap converts a typed payload into the generic map persisted
// on the event row. Round-tripping through JSON keeps stored and
// replayed payloads byte-identical to live ones.
func payloadMap(payload any) map[string]any {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payload structs are plain data; marshal cannot fail for them.
		panic(fmt.Sprintf("unmarshalable event payload: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("event payload is not an object: %v", err))
	}
	if m == nil {
		m = map[string]any{}
	}
	return m
}
