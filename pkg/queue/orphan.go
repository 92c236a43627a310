package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

// orphanState tracks recovery-loop counters for health reporting.
type orphanState struct {
	mu        sync.Mutex
	lastSweep time.Time
	requeued  int
	exhausted int
}

// runHeartbeat refreshes last_heartbeat_at for every card this
// instance has in flight, one batched update per interval.
func (s *Scheduler) runHeartbeat(ctx context.Context) {
	defer s.wg.Done()
	for s.sleep(ctx, s.cfg.HeartbeatInterval) {
		ids := s.runningCardIDs()
		if len(ids) == 0 {
			continue
		}
		if err := s.jobs.Heartbeat(ctx, s.workerID, ids); err != nil {
			slog.Warn("Card heartbeat failed",
				"worker_id", s.workerID, "cards", len(ids), "error", err)
		}
	}
}

// runOrphanSweep reclaims cards whose heartbeats went stale. The first
// sweep runs at startup so cards stranded by a crashed run do not wait
// a full interval.
func (s *Scheduler) runOrphanSweep(ctx context.Context) {
	defer s.wg.Done()
	s.sweepOrphans(ctx)
	for s.sleep(ctx, s.cfg.OrphanSweepInterval) {
		s.sweepOrphans(ctx)
	}
}

// sweepOrphans requeues stale running cards that have attempts left
// and fails the rest through the executor, so the usual card.failed
// event and job settlement happen.
func (s *Scheduler) sweepOrphans(ctx context.Context) {
	log := slog.With("worker_id", s.workerID)
	requeued, exhausted, err := s.jobs.ReclaimOrphans(ctx, s.cfg.OrphanThreshold, s.cfg.MaxAttempts)
	if err != nil {
		log.Error("Orphan sweep failed", "error", err)
		return
	}

	for _, card := range exhausted {
		clog := log.With("job_id", card.JobID, "card_type", card.CardType,
			"attempts", card.AttemptCount, "claimed_by", card.ClaimedBy)
		clog.Warn("Orphaned card out of attempts, failing")
		if err := s.exec.Fail(ctx, card, models.ErrKindTimeout, "worker heartbeat lost"); err != nil {
			clog.Warn("Orphan fail did not apply", "error", err)
		}
	}
	if len(requeued) > 0 {
		log.Info("Requeued orphaned cards", "count", len(requeued))
		s.Wake()
	}

	s.orphans.mu.Lock()
	s.orphans.lastSweep = s.clock.Now()
	s.orphans.requeued += len(requeued)
	s.orphans.exhausted += len(exhausted)
	s.orphans.mu.Unlock()
}
