package events

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/metrics"
	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/store"
)

// Masker scrubs credentials from outbound event payloads. Implemented
// by pkg/masking; nil disables masking.
type Masker interface {
	MaskEventPayload(payload map[string]any)
}

// BuildFunc performs state mutations inside the event transaction and
// returns the events to append, in order. Returning no events commits
// the mutations without appending anything.
type BuildFunc func(tx *sql.Tx) ([]*models.JobEvent, error)

// Publisher appends events atomically with the state transitions that
// produced them, then fans them out to the in-process bus and the
// cross-process backplane. The append rides the same transaction as
// the card or job mutation, so the log and the rows can never
// disagree.
type Publisher struct {
	db        *sql.DB
	events    *store.EventStore
	bus       *Bus
	backplane Backplane
	mode      config.BackplaneMode
	prefix    string
	masker    Masker
}

// NewPublisher creates a publisher. backplane must not be nil; use
// NoopBackplane for mode none.
func NewPublisher(db *sql.DB, events *store.EventStore, bus *Bus, backplane Backplane, cfg *config.BackplaneConfig, masker Masker) *Publisher {
	return &Publisher{
		db:        db,
		events:    events,
		bus:       bus,
		backplane: backplane,
		mode:      cfg.Mode,
		prefix:    cfg.ChannelPrefix,
		masker:    masker,
	}
}

// PublishTx runs build inside one transaction, appends the returned
// events with contiguous sequence numbers, and notifies the backplane
// transactionally where the driver supports it. After commit the
// events go to the local bus and any post-commit transport. Fan-out
// failures are logged, not returned: the log is the source of truth
// and subscribers backfill from it.
func (p *Publisher) PublishTx(ctx context.Context, build BuildFunc) ([]*models.JobEvent, error) {
	var published []*models.JobEvent
	err := store.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		evs, err := build(tx)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			if p.masker != nil {
				p.masker.MaskEventPayload(ev.Payload)
			}
			if err := p.events.AppendTx(ctx, tx, ev); err != nil {
				return err
			}
			if p.mode != config.BackplaneModeNone {
				payload, err := encodeWire(ev, p.mode == config.BackplaneModeFull)
				if err != nil {
					return err
				}
				if err := p.backplane.NotifyTx(ctx, tx, p.channel(ev.JobID), payload); err != nil {
					return err
				}
			}
		}
		published = evs
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.EventsAppended.Add(float64(len(published)))

	for _, ev := range published {
		p.bus.Publish(ev)
		if p.mode != config.BackplaneModeNone {
			payload, err := encodeWire(ev, p.mode == config.BackplaneModeFull)
			if err != nil {
				continue
			}
			if err := p.backplane.PublishCommitted(ctx, p.channel(ev.JobID), payload); err != nil {
				slog.Warn("Backplane publish failed",
					"job_id", ev.JobID, "seq", ev.Seq, "error", err)
			}
		}
	}
	return published, nil
}

// Publish appends a single event with no accompanying state mutation.
// Used for progress, delta, and append events.
func (p *Publisher) Publish(ctx context.Context, ev *models.JobEvent) error {
	_, err := p.PublishTx(ctx, func(*sql.Tx) ([]*models.JobEvent, error) {
		return []*models.JobEvent{ev}, nil
	})
	return err
}

func (p *Publisher) channel(jobID string) string {
	return JobChannel(p.prefix, jobID)
}
