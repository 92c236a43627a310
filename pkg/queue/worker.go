package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

func (s *Scheduler) runWorker(ctx context.Context, n int) {
	defer s.wg.Done()
	log := slog.With("worker_id", s.workerID, "worker", n)
	log.Debug("Card worker started")
	for {
		select {
		case <-s.stopCh:
			log.Debug("Card worker stopped")
			return
		case <-ctx.Done():
			return
		case card := <-s.dispatch:
			s.processCard(ctx, card)
		}
	}
}

// processCard runs one claimed card to a terminal state, retrying
// in-worker on retryable upstream errors. On process shutdown the card
// is left running for orphan recovery instead of being finalized.
func (s *Scheduler) processCard(ctx context.Context, card *models.Card) {
	defer s.untrack(card)

	log := slog.With("worker_id", s.workerID,
		"job_id", card.JobID, "card_type", card.CardType)

	hardTimeout := s.cfg.HardTimeoutFor(card.CardType)
	cardCtx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	// Arm before the status check: a cancel committing after the check
	// finds the card armed and fires cardCtx during execution.
	s.arm(card, cancel)

	job, err := s.jobs.GetJob(ctx, card.JobID)
	if err != nil {
		log.Error("Job lookup failed, leaving card for orphan recovery", "error", err)
		return
	}
	if job.Status.Terminal() {
		log.Info("Job already terminal, cancelling claimed card", "job_status", job.Status)
		if err := s.exec.Cancel(ctx, card); err != nil {
			log.Warn("Card cancel did not apply", "error", err)
		}
		return
	}

	for {
		start := s.clock.Now()
		execErr := s.exec.ExecuteCard(cardCtx, card)
		if execErr == nil {
			log.Debug("Card finished",
				"attempt", card.AttemptCount, "elapsed", s.clock.Since(start))
			return
		}
		if !s.settleFailure(ctx, cardCtx, card, execErr, log) {
			return
		}
	}
}

// settleFailure finalizes a failed attempt and reports whether the
// worker should run the card again.
func (s *Scheduler) settleFailure(ctx, cardCtx context.Context, card *models.Card, execErr error, log *slog.Logger) bool {
	if ctx.Err() != nil {
		// Process shutdown. The claim and its last heartbeat stand;
		// an orphan sweep requeues or fails the card.
		log.Warn("Card interrupted by shutdown, leaving for orphan recovery", "error", execErr)
		return false
	}

	// Finalizers must outlive a card context that died mid-attempt.
	fctx := context.WithoutCancel(ctx)

	switch {
	case errors.Is(cardCtx.Err(), context.Canceled):
		// Job cancellation fired the armed cancel func.
		if err := s.exec.Cancel(fctx, card); err != nil {
			log.Warn("Card cancel did not apply", "error", err)
		}
		return false
	case errors.Is(cardCtx.Err(), context.DeadlineExceeded):
		timeout := s.cfg.HardTimeoutFor(card.CardType)
		log.Warn("Card hit hard timeout", "timeout", timeout)
		msg := fmt.Sprintf("card exceeded %s hard timeout", timeout)
		if err := s.exec.Fail(fctx, card, models.ErrKindTimeout, msg); err != nil {
			log.Warn("Card fail did not apply", "error", err)
		}
		return false
	}

	kind := models.KindOf(execErr)
	retryable := kind.Retryable() ||
		(kind == models.ErrKindTimeout && card.IdempotentFetch())
	if retryable && card.AttemptCount < s.cfg.MaxAttempts {
		attempt, err := s.jobs.IncrementAttempt(fctx, card.ID)
		if err != nil {
			// The card left running state under us; whoever moved it
			// owns the terminal transition.
			log.Warn("Retry bookkeeping failed, abandoning card", "error", err)
			return false
		}
		card.AttemptCount = attempt
		delay := s.retryBackoff(attempt, kind)
		log.Info("Retrying card",
			"kind", kind, "attempt", attempt, "backoff", delay, "error", execErr)
		select {
		case <-cardCtx.Done():
		case <-time.After(delay):
		}
		return true
	}

	log.Warn("Card failed", "kind", kind, "attempt", card.AttemptCount, "error", execErr)
	if err := s.exec.Fail(fctx, card, kind, execErr.Error()); err != nil {
		log.Warn("Card fail did not apply", "error", err)
	}
	return false
}

// retryBackoff is exponential from the configured base with jitter in
// [d/2, 3d/2). Rate-limit kinds wait four times longer.
func (s *Scheduler) retryBackoff(attempt int, kind models.ErrorKind) time.Duration {
	d := s.cfg.RetryBackoffBase
	for i := 2; i < attempt; i++ {
		d *= 2
	}
	if kind == models.ErrKindUpstreamRateLimited {
		d *= 4
	}
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int64N(int64(d)))
}
