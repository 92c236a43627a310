package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

// EventStore owns the append-only per-job event log. Sequence numbers
// are assigned under the job row lock, so they are contiguous from 1
// and a reader holding seq N knows exactly which events it has missed.
type EventStore struct {
	db    *sql.DB
	clock models.Clock
}

// NewEventStore creates an event store.
func NewEventStore(db *sql.DB, clock models.Clock) *EventStore {
	return &EventStore{db: db, clock: clock}
}

// AppendTx assigns the next sequence number and inserts the event
// inside the caller's transaction. The job row lock taken here also
// serializes the card transition the caller performed in the same tx,
// making record-then-emit atomic. Seq, Source, EmittedAt, and ID are
// filled in on ev.
func (s *EventStore) AppendTx(ctx context.Context, tx *sql.Tx, ev *models.JobEvent) error {
	var source models.Source
	err := tx.QueryRowContext(ctx,
		`SELECT source FROM jobs WHERE id = $1 FOR UPDATE`, ev.JobID).Scan(&source)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %s: %w", ev.JobID, ErrNotFound)
		}
		return fmt.Errorf("failed to lock job for append: %w", err)
	}
	if ev.Source == "" {
		ev.Source = source
	}

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM job_events WHERE job_id = $1`, ev.JobID).
		Scan(&ev.Seq)
	if err != nil {
		return fmt.Errorf("failed to allocate seq: %w", err)
	}

	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = s.clock.Now().UTC()
	}
	payloadJSON, err := marshalMap(ev.Payload)
	if err != nil {
		return err
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO job_events (job_id, seq, card_id, event_type, payload, emitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		ev.JobID, ev.Seq, ev.CardID, ev.EventType, payloadJSON, ev.EmittedAt).
		Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns events of a job with seq > afterSeq in sequence
// order. A non-positive limit returns everything.
func (s *EventStore) ListEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*models.JobEvent, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.job_id, e.seq, e.card_id, j.source, e.event_type, e.payload, e.emitted_at
		 FROM job_events e
		 JOIN jobs j ON j.id = e.job_id
		 WHERE e.job_id = $1 AND e.seq > $2
		 ORDER BY e.seq ASC
		 LIMIT $3`,
		jobID, afterSeq, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.JobEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastSeq returns the highest sequence number of a job's log, 0 when
// empty.
func (s *EventStore) LastSeq(ctx context.Context, jobID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM job_events WHERE job_id = $1`, jobID).
		Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read last seq: %w", err)
	}
	return seq, nil
}

func scanEvent(row rowScanner) (*models.JobEvent, error) {
	var ev models.JobEvent
	var payloadRaw []byte
	err := row.Scan(&ev.ID, &ev.JobID, &ev.Seq, &ev.CardID, &ev.Source,
		&ev.EventType, &payloadRaw, &ev.EmittedAt)
	if err != nil {
		return nil, err
	}
	ev.Payload, err = unmarshalMap(payloadRaw)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
