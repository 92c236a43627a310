// Package queue schedules card execution. A single claim loop leases
// ready cards from Postgres under the per-group concurrency caps and
// feeds a fixed pool of workers; heartbeat and orphan-sweep loops
// recover work stranded by crashed or partitioned instances.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/metrics"
	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/store"
)

// Scheduler owns the claim loop, the worker pool, and the recovery
// loops for one process. Instances cooperate through the database:
// claims take row locks, group caps take advisory locks, and stale
// heartbeats let any instance reclaim a dead one's cards.
type Scheduler struct {
	workerID string
	cfg      *config.EngineConfig
	jobs     *store.JobStore
	exec     CardExecutor
	clock    models.Clock

	dispatch chan *models.Card
	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	started  bool
	inflight int
	// running tracks in-flight cards by job so a cancel can fire their
	// contexts: job ID -> card ID -> cancel. The cancel func is nil
	// between the claim and the moment a worker picks the card up.
	running map[string]map[string]context.CancelFunc

	orphans orphanState
}

// NewScheduler wires a scheduler. workerID identifies this process in
// card claims and heartbeats; it should be stable for the replica (pod
// name, hostname) so a restart can be told apart from a new peer.
func NewScheduler(workerID string, cfg *config.EngineConfig, jobs *store.JobStore, exec CardExecutor, clock models.Clock) *Scheduler {
	return &Scheduler{
		workerID: workerID,
		cfg:      cfg,
		jobs:     jobs,
		exec:     exec,
		clock:    clock,
		dispatch: make(chan *models.Card),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		running:  make(map[string]map[string]context.CancelFunc),
	}
}

// Start launches the workers and background loops. The context bounds
// the scheduler's lifetime; card hard-timeout contexts derive from it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	slog.Info("Starting scheduler",
		"worker_id", s.workerID,
		"workers", s.cfg.MaxWorkers,
		"claim_batch", s.cfg.ClaimBatchSize,
		"poll_interval", s.cfg.PollInterval)

	for i := 0; i < s.cfg.MaxWorkers; i++ {
		s.wg.Add(1)
		go s.runWorker(ctx, i)
	}
	s.wg.Add(1)
	go s.runDispatch(ctx)
	s.wg.Add(1)
	go s.runHeartbeat(ctx)
	s.wg.Add(1)
	go s.runOrphanSweep(ctx)
	return nil
}

// Stop shuts the scheduler down, waiting up to the graceful-shutdown
// timeout for in-flight cards. Cards still running after that keep
// their claims; an orphan sweep recovers them once their heartbeats
// go stale.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Scheduler stopped", "worker_id", s.workerID)
	case <-time.After(s.cfg.GracefulShutdownTimeout):
		slog.Warn("Scheduler shutdown timed out, cards left for orphan recovery",
			"worker_id", s.workerID, "inflight", s.inflightCount())
	}
}

// Wake nudges the claim loop out of its poll sleep. Called after job
// creation and whenever a slot frees; a wakeup arriving while the loop
// is already claiming is dropped.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// CancelJob fires the context of every in-flight card of the job on
// this instance and reports whether there was any. Cards claimed but
// not yet picked up by a worker are caught by the pre-execution job
// status check instead.
func (s *Scheduler) CancelJob(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cards := s.running[jobID]
	for _, cancel := range cards {
		if cancel != nil {
			cancel()
		}
	}
	return len(cards) > 0
}

// Health reports scheduler state for readiness checks.
func (s *Scheduler) Health() Health {
	s.mu.Lock()
	h := Health{
		WorkerID:   s.workerID,
		Started:    s.started,
		Workers:    s.cfg.MaxWorkers,
		Inflight:   s.inflight,
		ActiveJobs: len(s.running),
	}
	s.mu.Unlock()

	s.orphans.mu.Lock()
	h.LastOrphanSweep = s.orphans.lastSweep
	h.OrphansRequeued = s.orphans.requeued
	h.OrphansExhausted = s.orphans.exhausted
	s.orphans.mu.Unlock()
	return h
}

// runDispatch is the single claim loop feeding the worker pool. Claims
// stay in one goroutine so each batch observes a consistent view of
// the group caps.
func (s *Scheduler) runDispatch(ctx context.Context) {
	defer s.wg.Done()
	log := slog.With("worker_id", s.workerID)
	log.Debug("Claim loop started")

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		fullBatch := false
		if free := s.freeSlots(); free > 0 {
			limit := min(free, s.cfg.ClaimBatchSize)
			n, err := s.claimAndDispatch(ctx, limit)
			if err != nil {
				log.Error("Card claim failed", "error", err)
			}
			fullBatch = n > 0 && n == limit
		}
		if fullBatch {
			// More ready cards are likely waiting.
			continue
		}

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(s.pollDelay()):
		}
	}
}

// claimAndDispatch leases up to limit ready cards and hands them to
// workers. Cards are tracked, and therefore heartbeated, from the
// moment the claim commits rather than from worker pickup.
func (s *Scheduler) claimAndDispatch(ctx context.Context, limit int) (int, error) {
	start := s.clock.Now()
	cards, err := s.jobs.ClaimReadyCards(ctx, s.workerID, s.cfg.ConcurrencyCaps, limit)
	metrics.ClaimDuration.Observe(s.clock.Since(start).Seconds())
	if err != nil {
		return 0, err
	}
	for i, card := range cards {
		s.track(card)
		select {
		case s.dispatch <- card:
		case <-s.stopCh:
			s.untrack(card)
			return i, nil
		case <-ctx.Done():
			s.untrack(card)
			return i, nil
		}
	}
	return len(cards), nil
}

// pollDelay jitters the idle poll interval so replicas do not claim in
// lockstep.
func (s *Scheduler) pollDelay() time.Duration {
	d := s.cfg.PollInterval
	if j := s.cfg.PollIntervalJitter; j > 0 {
		d = d - j + time.Duration(rand.Int64N(int64(2*j)))
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// sleep waits for d, a stop signal, or context cancellation. Reports
// whether the full duration elapsed.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Scheduler) freeSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxWorkers - s.inflight
}

func (s *Scheduler) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *Scheduler) track(card *models.Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cards := s.running[card.JobID]
	if cards == nil {
		cards = make(map[string]context.CancelFunc)
		s.running[card.JobID] = cards
	}
	cards[card.ID] = nil
	s.inflight++
}

// arm records the card's cancel func once a worker owns it. No-op if
// the card was already untracked.
func (s *Scheduler) arm(card *models.Card, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cards, ok := s.running[card.JobID]; ok {
		if _, ok := cards[card.ID]; ok {
			cards[card.ID] = cancel
		}
	}
}

func (s *Scheduler) untrack(card *models.Card) {
	s.mu.Lock()
	if cards, ok := s.running[card.JobID]; ok {
		if _, ok := cards[card.ID]; ok {
			delete(cards, card.ID)
			s.inflight--
		}
		if len(cards) == 0 {
			delete(s.running, card.JobID)
		}
	}
	s.mu.Unlock()
	// The freed slot may admit a waiting ready card.
	s.Wake()
}

func (s *Scheduler) runningCardIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, s.inflight)
	for _, cards := range s.running {
		for id := range cards {
			ids = append(ids, id)
		}
	}
	return ids
}
