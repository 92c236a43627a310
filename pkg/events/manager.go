package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/metrics"
	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/store"
)

// pollFallbackInterval is the store polling cadence backing up the
// push transports. With backplane mode none this is the only
// cross-process delivery path.
const pollFallbackInterval = 2 * time.Second

// SubscriberManager turns the raw delivery paths (bus, backplane,
// store) into ordered, gap-free per-job streams for the SSE and
// WebSocket endpoints.
type SubscriberManager struct {
	jobs      *store.JobStore
	events    *store.EventStore
	bus       *Bus
	backplane Backplane
	prefix    string
	pageSize  int

	wmu   sync.Mutex
	wakes map[string]map[int]chan struct{}
	wid   int
}

// NewSubscriberManager creates a manager. Call Route on it from the
// backplane handler: m.backplane.SetHandler(mgr.Route).
func NewSubscriberManager(jobs *store.JobStore, events *store.EventStore, bus *Bus, backplane Backplane, backplaneCfg *config.BackplaneConfig, streamCfg *config.StreamConfig) *SubscriberManager {
	pageSize := streamCfg.ReplayPageSize
	if pageSize <= 0 {
		pageSize = 200
	}
	return &SubscriberManager{
		jobs:      jobs,
		events:    events,
		bus:       bus,
		backplane: backplane,
		prefix:    backplaneCfg.ChannelPrefix,
		pageSize:  pageSize,
		wakes:     make(map[string]map[int]chan struct{}),
	}
}

// Route is the backplane receive handler. Full payloads feed the local
// bus; wakeup envelopes poke streams to backfill from the store.
func (m *SubscriberManager) Route(channel string, payload []byte) {
	ev, jobID, err := decodeWire(payload)
	if err != nil {
		slog.Warn("Undecodable backplane payload", "channel", channel, "error", err)
		return
	}
	if ev != nil {
		m.bus.Publish(ev)
		return
	}
	m.wake(jobID)
}

// Stream is one ordered subscription. C delivers events with strictly
// increasing seq and closes when the job's stream is complete, the
// context ends, or Close is called. Err reports any stream failure
// after C closes.
type Stream struct {
	C <-chan *models.JobEvent

	mu     sync.Mutex
	err    error
	cancel context.CancelFunc
}

// Err returns the stream failure, if any. Valid after C is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the stream early.
func (s *Stream) Close() {
	s.cancel()
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// OpenStream starts an ordered event stream for a job, replaying
// everything after afterSeq and then following live. The stream ends
// once a terminal job event was delivered and no card is still
// running; background refinements therefore keep it open until their
// updates have gone out.
func (m *SubscriberManager) OpenStream(ctx context.Context, jobID string, afterSeq int64) (*Stream, error) {
	if _, err := m.jobs.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan *models.JobEvent, 32)
	s := &Stream{C: out, cancel: cancel}

	busCh, busCancel := m.bus.Subscribe(jobID)
	wakeCh, wakeCancel := m.addWake(jobID)

	channel := JobChannel(m.prefix, jobID)
	if err := m.backplane.Subscribe(streamCtx, channel); err != nil {
		// Not fatal: the polling fallback still delivers.
		slog.Warn("Backplane subscribe failed; relying on polling",
			"job_id", jobID, "error", err)
	}

	metrics.StreamSubscribers.Inc()
	go func() {
		defer close(out)
		defer func() {
			metrics.StreamSubscribers.Dec()
			busCancel()
			wakeCancel()
			if m.bus.SubscriberCount(jobID) == 0 {
				if err := m.backplane.Unsubscribe(context.Background(), channel); err != nil {
					slog.Debug("Backplane unsubscribe failed", "job_id", jobID, "error", err)
				}
			}
			cancel()
		}()
		if err := m.run(streamCtx, jobID, afterSeq, out, busCh, wakeCh); err != nil && streamCtx.Err() == nil {
			s.setErr(err)
		}
	}()
	return s, nil
}

// run is the per-stream state machine: replay, then follow live with
// seq-gap detection and store backfill.
func (m *SubscriberManager) run(ctx context.Context, jobID string, afterSeq int64, out chan<- *models.JobEvent, busCh <-chan *models.JobEvent, wakeCh <-chan struct{}) error {
	last := afterSeq
	terminalSeen := false

	deliver := func(ev *models.JobEvent) error {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		last = ev.Seq
		if models.TerminalJobEvent(ev.EventType) {
			terminalSeen = true
		}
		return nil
	}

	// flush drains everything after last from the store, one page at a
	// time. Covers replay, gap backfill, wakeups, and poll fallback.
	flush := func() error {
		for {
			evs, err := m.events.ListEvents(ctx, jobID, last, m.pageSize)
			if err != nil {
				return fmt.Errorf("failed to backfill events: %w", err)
			}
			for _, ev := range evs {
				if err := deliver(ev); err != nil {
					return err
				}
			}
			if len(evs) < m.pageSize {
				return nil
			}
		}
	}

	// finished reports whether the stream is complete: a terminal job
	// event was delivered and no card can produce further events.
	finished := func() bool {
		if !terminalSeen {
			return false
		}
		cards, err := m.jobs.ListCards(ctx, jobID)
		if err != nil {
			slog.Warn("Card status check failed; closing stream",
				"job_id", jobID, "error", err)
			return true
		}
		for _, c := range cards {
			if !c.Status.Terminal() {
				return false
			}
		}
		return true
	}

	if err := flush(); err != nil {
		return err
	}
	if finished() {
		return nil
	}

	ticker := time.NewTicker(pollFallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-busCh:
			if !ok {
				return nil
			}
			switch {
			case ev.Seq <= last:
				// Duplicate: local publish and backplane loopback both
				// land here.
			case ev.Seq == last+1:
				if err := deliver(ev); err != nil {
					return err
				}
			default:
				// Gap: the bus dropped something. Recover from the log.
				if err := flush(); err != nil {
					return err
				}
			}

		case <-wakeCh:
			if err := flush(); err != nil {
				return err
			}

		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}

		if finished() {
			return nil
		}
	}
}

func (m *SubscriberManager) addWake(jobID string) (chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.wmu.Lock()
	if m.wakes[jobID] == nil {
		m.wakes[jobID] = make(map[int]chan struct{})
	}
	id := m.wid
	m.wid++
	m.wakes[jobID][id] = ch
	m.wmu.Unlock()

	return ch, func() {
		m.wmu.Lock()
		if subs, ok := m.wakes[jobID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.wakes, jobID)
			}
		}
		m.wmu.Unlock()
	}
}

func (m *SubscriberManager) wake(jobID string) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	for _, ch := range m.wakes[jobID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
