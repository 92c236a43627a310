// Package events delivers the per-job event log to live subscribers:
// persistence rides the state-transition transaction, fan-out goes
// through an in-process bus plus an optional cross-process backplane
// (PostgreSQL NOTIFY or Redis pub/sub).
//
// Delivery is best-effort everywhere except the log itself. Contiguous
// sequence numbers let a subscriber detect any dropped or reordered
// delivery and backfill from the store, so transports never need to be
// reliable.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

// notifyPayloadLimit is the usable size of a PostgreSQL NOTIFY payload
// (hard limit 8000 bytes; headroom for channel name and framing).
const notifyPayloadLimit = 7900

// JobChannel returns the backplane channel for one job's events.
// Format: "<prefix>:job:<job_id>".
func JobChannel(prefix, jobID string) string {
	return prefix + ":job:" + jobID
}

// wakeupEnvelope is the minimal cross-process notification used in
// wakeup mode and as the fallback when a full event exceeds the NOTIFY
// payload limit. Receivers fetch the real events from the store.
type wakeupEnvelope struct {
	JobID  string `json:"job_id"`
	Seq    int64  `json:"seq"`
	Wakeup bool   `json:"wakeup"`
}

// encodeWire renders the backplane payload for an event. full selects
// the complete wire event; oversized or non-full payloads collapse to
// a wakeup envelope.
func encodeWire(ev *models.JobEvent, full bool) ([]byte, error) {
	if full {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}
		if len(data) <= notifyPayloadLimit {
			return data, nil
		}
	}
	data, err := json.Marshal(wakeupEnvelope{JobID: ev.JobID, Seq: ev.Seq, Wakeup: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal wakeup envelope: %w", err)
	}
	return data, nil
}

// decodeWire parses a backplane payload. Returns the event when the
// payload carried one, or (nil, jobID) for a wakeup envelope.
func decodeWire(payload []byte) (*models.JobEvent, string, error) {
	var probe struct {
		JobID  string `json:"job_id"`
		Wakeup bool   `json:"wakeup"`
		Seq    int64  `json:"seq"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, "", fmt.Errorf("failed to decode notification: %w", err)
	}
	if probe.Wakeup {
		return nil, probe.JobID, nil
	}
	var ev models.JobEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, "", fmt.Errorf("failed to decode event: %w", err)
	}
	return &ev, ev.JobID, nil
}
