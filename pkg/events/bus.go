package events

import (
	"log/slog"
	"sync"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

// busBuffer is the per-subscriber channel depth. A slow subscriber
// overflowing it loses deliveries, which is fine: sequence gaps are
// detected downstream and backfilled from the store.
const busBuffer = 256

// Bus is the in-process event fan-out. Publishing never blocks.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan *models.JobEvent
	nextID int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan *models.JobEvent)}
}

// Subscribe registers for one job's events. The returned cancel
// function must be called to release the subscription; the channel is
// closed by cancel.
func (b *Bus) Subscribe(jobID string) (<-chan *models.JobEvent, func()) {
	ch := make(chan *models.JobEvent, busBuffer)

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[int]chan *models.JobEvent)
	}
	id := b.nextID
	b.nextID++
	b.subs[jobID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.subs[jobID]; ok {
			if _, live := subs[id]; live {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.subs, jobID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers of its job. Full
// buffers drop the delivery rather than block the publisher.
func (b *Bus) Publish(ev *models.JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
			slog.Debug("Dropped bus delivery to slow subscriber",
				"job_id", ev.JobID, "seq", ev.Seq)
		}
	}
}

// SubscriberCount returns the number of live subscriptions for a job.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}
