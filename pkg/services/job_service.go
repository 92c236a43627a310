// Package services implements the application layer between transports
// and the engine: request validation, job admission, cancellation, and
// read access to snapshots and the event log.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mosaiclabs/mosaic/pkg/events"
	"github.com/mosaiclabs/mosaic/pkg/fetch"
	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/rules"
	"github.com/mosaiclabs/mosaic/pkg/store"
)

// resolverTimeout bounds the synchronous scholar lookup performed
// during job submission, before any card exists to carry a budget.
const resolverTimeout = 10 * time.Second

// Scheduler is the queue surface the job service drives: wakeups when
// new ready cards land and registry cancels when a job is cancelled.
type Scheduler interface {
	Wake()
	CancelJob(jobID string) bool
}

// JobService manages job admission and lifecycle: it validates
// submissions, resolves ambiguous subjects up front, plans the card
// graph, and persists job and cards in one transaction.
type JobService struct {
	jobs     *store.JobStore
	rules    *rules.Engine
	fetchers *fetch.Registry
	pub      *events.Publisher
	sched    Scheduler
}

// NewJobService creates a JobService. sched may be nil when no local
// scheduler runs, for example in tests or single-shot tools.
func NewJobService(jobs *store.JobStore, ruleEngine *rules.Engine, fetchers *fetch.Registry, pub *events.Publisher, sched Scheduler) *JobService {
	return &JobService{
		jobs:     jobs,
		rules:    ruleEngine,
		fetchers: fetchers,
		pub:      pub,
		sched:    sched,
	}
}

// Create validates and admits a new job. When the subject is ambiguous
// it returns a confirmation result carrying candidates instead of
// creating anything; the client resubmits with a concrete identifier.
func (s *JobService) Create(ctx context.Context, req models.CreateJobRequest) (*models.CreateJobResult, error) {
	if req.Source == "" {
		return nil, NewValidationError("source", "required")
	}
	if !models.ValidSource(req.Source) {
		return nil, NewValidationError("source", fmt.Sprintf("unknown source %q", req.Source))
	}
	if len(req.Input) == 0 {
		return nil, NewValidationError("input", "required")
	}

	input := make(map[string]string, len(req.Input))
	for k, v := range req.Input {
		input[k] = strings.TrimSpace(v)
	}

	if req.Source == models.SourceScholar && input["scholar_id"] == "" {
		id, candidates, err := s.resolveScholar(ctx, input)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			return &models.CreateJobResult{NeedsConfirmation: true, Candidates: candidates}, nil
		}
		input["scholar_id"] = id
	}

	descs, err := s.rules.Plan(string(req.Source), req.RequestedCards, input)
	if err != nil {
		return nil, models.WrapKind(models.ErrKindInvalidInput, err)
	}

	job := &models.Job{
		ID:         uuid.NewString(),
		Source:     req.Source,
		SubjectKey: fetch.SubjectKey(req.Source, input),
		UserID:     req.UserID,
		Input:      input,
		Options:    req.Options,
	}
	cards := rules.BuildCards(job.ID, descs)
	if err := s.jobs.CreateJob(ctx, job, cards); err != nil {
		return nil, err
	}

	slog.Info("Job created",
		"job_id", job.ID,
		"source", job.Source,
		"subject_key", job.SubjectKey,
		"cards", len(cards))

	if s.sched != nil {
		s.sched.Wake()
	}
	return &models.CreateJobResult{JobID: job.ID}, nil
}

// resolveScholar turns free-form author input into a stable scholar id
// before the job exists, so ambiguity surfaces synchronously as a
// confirmation prompt rather than a failed job.
func (s *JobService) resolveScholar(ctx context.Context, input map[string]string) (string, []models.Candidate, error) {
	fetcher, err := s.fetchers.For(string(models.SourceScholar))
	if err != nil {
		return "", nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, resolverTimeout)
	defer cancel()

	anyInput := make(map[string]any, len(input))
	for k, v := range input {
		anyInput[k] = v
	}
	payload, err := fetcher.Fetch(rctx, &fetch.Context{
		Card:  &models.Card{CardType: models.ResourceCardPrefix + "scholar.resolve"},
		Input: anyInput,
	})
	if err != nil {
		var amb *fetch.AmbiguousError
		if errors.As(err, &amb) {
			return "", amb.Candidates, nil
		}
		return "", nil, fmt.Errorf("scholar resolution failed: %w", err)
	}
	id, _ := payload["scholar_id"].(string)
	if id == "" {
		return "", nil, models.Kindf(models.ErrKindInternal, "scholar resolver returned no id")
	}
	return id, nil, nil
}

// Cancel cancels a job and every card of it that has not started.
// Running cards are interrupted through the scheduler registry and
// settle on their own; cancelling an already terminal job is a no-op.
func (s *JobService) Cancel(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	evs, err := s.pub.PublishTx(ctx, func(tx *sql.Tx) ([]*models.JobEvent, error) {
		ok, err := s.jobs.CancelJobTx(ctx, tx, jobID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost the race against completion or another cancel.
			return nil, nil
		}

		cancelled, err := s.jobs.CancelPendingCardsTx(ctx, tx, jobID)
		if err != nil {
			return nil, err
		}
		evs := make([]*models.JobEvent, 0, len(cancelled)+1)
		for _, card := range cancelled {
			evs = append(evs, events.NewCardCancelled(card, events.CancelReason))
		}

		comp, err := s.jobs.CheckJobDoneTx(ctx, tx, jobID)
		if err != nil {
			return nil, err
		}
		if comp.Done {
			won, err := s.jobs.FinishJobTx(ctx, tx, jobID, comp.Status, comp.ErrorKind, comp.ErrorMessage)
			if err != nil {
				return nil, err
			}
			if won {
				evs = append(evs, events.NewJobCancelled(jobID, events.CancelReason))
			}
		}
		return evs, nil
	})
	if err != nil {
		return err
	}

	interrupted := false
	if s.sched != nil {
		interrupted = s.sched.CancelJob(jobID)
	}
	slog.Info("Job cancelled",
		"job_id", jobID,
		"events_emitted", len(evs),
		"interrupted_running", interrupted)
	return nil
}

// Snapshot returns the job, its cards, and the last event seq in one
// consistent read.
func (s *JobService) Snapshot(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	return s.jobs.Snapshot(ctx, jobID)
}
