// Package pipeline executes claimed cards. Resource cards run their
// source fetcher (or reuse a cached artifact) and persist the payload;
// user-facing cards shape artifacts into report output or stream it
// from the chat model through the delta router. Every terminal card
// transition rides one transaction with the events it produces, so the
// log and the rows can never disagree.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/mosaiclabs/mosaic/pkg/cache"
	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/events"
	"github.com/mosaiclabs/mosaic/pkg/fetch"
	"github.com/mosaiclabs/mosaic/pkg/llm"
	"github.com/mosaiclabs/mosaic/pkg/metrics"
	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/rules"
	"github.com/mosaiclabs/mosaic/pkg/store"
)

// minLLMBudget is the least soft budget a card needs before starting a
// model call. Below it the handler goes straight to its deterministic
// fallback and defers refinement to a background card.
const minLLMBudget = 3 * time.Second

// CardHandler produces the output of one card type.
type CardHandler func(ctx context.Context, run *Run) (*Result, error)

// Result is a handler's outcome: the output envelope the card
// completes with, plus optional meta flags for the completion event.
type Result struct {
	Output *models.CardOutput
	Meta   map[string]any
}

// Deps bundles the collaborators an Executor needs.
type Deps struct {
	DB        *sql.DB
	Jobs      *store.JobStore
	Artifacts *store.ArtifactStore
	Publisher *events.Publisher
	Rules     *rules.Engine
	Fetchers  *fetch.Registry
	Subjects  *cache.SubjectCache
	LLM       llm.Client
	Clock     models.Clock

	// Engine supplies the soft-budget defaults and operator overrides.
	// May be nil; plans then carry the only budgets.
	Engine *config.EngineConfig
}

// Executor runs cards to completion. One instance serves all workers;
// it holds no per-card state.
type Executor struct {
	jobs      *store.JobStore
	artifacts *store.ArtifactStore
	publisher *events.Publisher
	rules     *rules.Engine
	fetchers  *fetch.Registry
	subjects  *cache.SubjectCache
	llm       llm.Client
	clock     models.Clock
	engine    *config.EngineConfig
	handlers  map[string]CardHandler
}

// NewExecutor creates the executor and registers the built-in handlers
// for every card type the source plans produce.
func NewExecutor(deps Deps) *Executor {
	e := &Executor{
		jobs:      deps.Jobs,
		artifacts: deps.Artifacts,
		publisher: deps.Publisher,
		rules:     deps.Rules,
		fetchers:  deps.Fetchers,
		subjects:  deps.Subjects,
		llm:       deps.LLM,
		clock:     deps.Clock,
		engine:    deps.Engine,
		handlers:  map[string]CardHandler{},
	}

	for _, cardType := range []string{
		"resource.github.profile",
		"resource.github.data",
		"resource.scholar.resolve",
		"resource.scholar.page0",
		"resource.scholar.pages",
		"resource.linkedin.preview",
		"resource.linkedin.raw_profile",
	} {
		e.Register(cardType, e.fetchResource)
	}
	for _, cardType := range []string{
		"resource.github.enrich",
		"resource.scholar.enrich",
		"resource.linkedin.enrich",
	} {
		e.Register(cardType, e.enrichResource)
	}
	e.Register("resource.github.preview", e.githubPreview)
	e.Register("resource.github.best_pr", e.githubBestPR)

	e.Register("profile", e.profileCard)
	e.Register("activity", e.activityCard)
	e.Register("repos", e.reposCard)
	e.Register("publications", e.publicationsCard)
	e.Register("topics", e.topicsCard)
	e.Register("experience", e.experienceCard)
	e.Register("skills", e.skillsCard)
	e.Register("role_model", e.narrativeCard)
	e.Register("roast", e.narrativeCard)
	e.Register("summary", e.narrativeCard)
	e.Register(models.FullReportCardType, e.fullReportCard)

	return e
}

// Register adds or replaces the handler for a card type.
func (e *Executor) Register(cardType string, h CardHandler) {
	e.handlers[cardType] = h
}

// Run carries one card execution through its handler.
type Run struct {
	Job          *models.Job
	Card         *models.Card
	Desc         *models.CardDescriptor
	Started      time.Time
	SoftDeadline time.Time

	exec *Executor
}

// Progress appends a card.progress event. Best effort: a failed append
// never fails the card.
func (r *Run) Progress(ctx context.Context, step, message string, data map[string]any) {
	if err := r.exec.publisher.Publish(ctx, events.NewCardProgress(r.Card, step, message, data)); err != nil {
		slog.Warn("Progress event dropped",
			"job_id", r.Job.ID, "card", r.Card.CardType, "step", step, "error", err)
	}
}

// Artifact returns a resource artifact's payload for this job, or nil
// when it does not exist.
func (r *Run) Artifact(ctx context.Context, artifactType string) map[string]any {
	artifact, err := r.exec.artifacts.Get(ctx, r.Job.ID, artifactType)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Artifact read failed",
				"job_id", r.Job.ID, "type", artifactType, "error", err)
		}
		return nil
	}
	return artifact.Payload
}

// BudgetShort reports whether less than need remains of the card's
// soft budget. Cards without a budget are never short.
func (r *Run) BudgetShort(need time.Duration) bool {
	if r.SoftDeadline.IsZero() {
		return false
	}
	return r.exec.clock.Now().Add(need).After(r.SoftDeadline)
}

// ElapsedMS returns milliseconds since the handler started.
func (r *Run) ElapsedMS() int64 {
	return models.ElapsedMS(r.exec.clock, r.Started)
}

// Task returns the model task name from the card's plan input.
func (r *Run) Task() string {
	task, _ := r.Card.Input["task"].(string)
	return task
}

// ExecuteCard runs one claimed card. The card arrives running; on
// handler success it is completed with all side effects (promotion,
// job closure, cache pointer) applied. On failure the row stays
// running and the classified error returns to the scheduler, which
// owns retry, terminal failure, and cancellation.
func (e *Executor) ExecuteCard(ctx context.Context, card *models.Card) error {
	job, err := e.jobs.GetJob(ctx, card.JobID)
	if err != nil {
		return err
	}
	desc, err := e.rules.Describe(string(job.Source), card.CardType)
	if err != nil {
		return models.WrapKind(models.ErrKindInternal, err)
	}
	handler, ok := e.handlers[card.CardType]
	if !ok {
		return models.Kindf(models.ErrKindInternal, "no handler for card type %q", card.CardType)
	}

	run := &Run{Job: job, Card: card, Desc: desc, Started: e.clock.Now(), exec: e}
	if budget := e.softBudgetFor(desc); budget > 0 {
		run.SoftDeadline = run.Started.Add(budget)
	}

	if err := e.begin(ctx, run); err != nil {
		return err
	}

	res, err := handler(ctx, run)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if res == nil {
		res = &Result{}
	}
	if res.Output == nil {
		res.Output = &models.CardOutput{Data: map[string]any{}}
	}
	return e.complete(ctx, run, res)
}

// softBudgetFor resolves a card's soft budget: the operator override
// wins, then the plan's declared budget, then the engine default.
func (e *Executor) softBudgetFor(desc *models.CardDescriptor) time.Duration {
	if e.engine != nil {
		if d, ok := e.engine.CardBudgets[desc.CardType]; ok && d > 0 {
			return d
		}
	}
	if desc.BudgetMS > 0 {
		return time.Duration(desc.BudgetMS) * time.Millisecond
	}
	if e.engine != nil {
		return e.engine.SoftBudgetDefault
	}
	return 0
}

// begin flips the job to running on first dispatch and announces the
// card. job.started and card.started are each emitted exactly once:
// the job flip picks one winner, and the claim bumps AttemptCount to 1
// on the first attempt, so retries and requeues skip the announcement.
func (e *Executor) begin(ctx context.Context, run *Run) error {
	_, err := e.publisher.PublishTx(ctx, func(tx *sql.Tx) ([]*models.JobEvent, error) {
		flipped, err := e.jobs.MarkJobRunningTx(ctx, tx, run.Job.ID)
		if err != nil {
			return nil, err
		}
		var evs []*models.JobEvent
		if flipped {
			evs = append(evs, events.NewJobStarted(run.Job))
		}
		if run.Card.AttemptCount <= 1 {
			evs = append(evs, events.NewCardStarted(run.Card))
		}
		return evs, nil
	})
	if err != nil {
		return err
	}
	if run.Card.AttemptCount <= 1 {
		metrics.CardsStarted.WithLabelValues(run.Card.CardType).Inc()
	}
	return nil
}

// complete finalizes a successful card: merge the output over any
// prefill, emit the completion (plus a refinement update when this
// card refines another), promote dependents, and close the job when
// it was the last foreground card.
func (e *Executor) complete(ctx context.Context, run *Run, res *Result) error {
	var closed *store.JobCompletion
	_, err := e.publisher.PublishTx(ctx, func(tx *sql.Tx) ([]*models.JobEvent, error) {
		closed = nil
		merged, err := e.jobs.CompleteCardTx(ctx, tx, run.Card.ID, res.Output)
		if err != nil {
			return nil, err
		}
		evs := []*models.JobEvent{
			events.NewCardCompleted(run.Card, merged, run.ElapsedMS(), res.Meta),
		}

		if target, _ := run.Card.Input["refines"].(string); target != "" {
			recompleted, err := e.jobs.RecompleteCardTx(ctx, tx, run.Job.ID, target, res.Output)
			switch {
			case err == nil:
				evs = append(evs, events.NewCardCompleted(
					recompleted, recompleted.Output, run.ElapsedMS(), map[string]any{"refined": true}))
			case errors.Is(err, store.ErrStale):
				// Target failed or was cancelled meanwhile; the
				// refinement's own artifact still exists.
				slog.Warn("Refinement target not completed",
					"job_id", run.Job.ID, "refines", target, "error", err)
			default:
				return nil, err
			}
		}

		more, comp, err := e.settleJobTx(ctx, tx, run.Job.ID)
		if err != nil {
			return nil, err
		}
		closed = comp
		return append(evs, more...), nil
	})
	if err != nil {
		return err
	}
	metrics.CardsFinished.WithLabelValues(run.Card.CardType, string(models.CardStatusCompleted)).Inc()

	if closed != nil && closed.Status == models.JobStatusCompleted {
		job, err := e.jobs.GetJob(ctx, run.Job.ID)
		if err != nil {
			slog.Warn("Completed job reload for subject cache failed", "job_id", run.Job.ID, "error", err)
			return nil
		}
		e.subjects.RecordCompleted(ctx, job)
	}
	return nil
}

// Fail records a terminal card failure after the scheduler gave up on
// retries, then settles the job.
func (e *Executor) Fail(ctx context.Context, card *models.Card, kind models.ErrorKind, message string) error {
	_, err := e.publisher.PublishTx(ctx, func(tx *sql.Tx) ([]*models.JobEvent, error) {
		if err := e.jobs.FailCardTx(ctx, tx, card.ID, kind, message); err != nil {
			return nil, err
		}
		evs := []*models.JobEvent{events.NewCardFailed(card, kind, message)}
		more, _, err := e.settleJobTx(ctx, tx, card.JobID)
		if err != nil {
			return nil, err
		}
		return append(evs, more...), nil
	})
	if err != nil {
		return err
	}
	metrics.CardsFinished.WithLabelValues(card.CardType, string(models.CardStatusFailed)).Inc()
	return nil
}

// Cancel records a cancelled card, then settles the job. The terminal
// job.cancelled event lands once the last running card has stopped.
func (e *Executor) Cancel(ctx context.Context, card *models.Card) error {
	_, err := e.publisher.PublishTx(ctx, func(tx *sql.Tx) ([]*models.JobEvent, error) {
		if err := e.jobs.CancelCardTx(ctx, tx, card.ID); err != nil {
			return nil, err
		}
		evs := []*models.JobEvent{events.NewCardCancelled(card, events.CancelReason)}
		more, _, err := e.settleJobTx(ctx, tx, card.JobID)
		if err != nil {
			return nil, err
		}
		return append(evs, more...), nil
	})
	if err != nil {
		return err
	}
	metrics.CardsFinished.WithLabelValues(card.CardType, string(models.CardStatusCancelled)).Inc()
	return nil
}

// settleJobTx runs after any terminal card transition: promote newly
// unblocked cards, emit failures for cards the skip cascade took out,
// and when every foreground card is terminal, close the job and emit
// its single terminal event. Returns the completion when this call
// closed the job.
func (e *Executor) settleJobTx(ctx context.Context, tx *sql.Tx, jobID string) ([]*models.JobEvent, *store.JobCompletion, error) {
	var evs []*models.JobEvent
	_, skipped, err := e.jobs.PromoteReadyCardsTx(ctx, tx, jobID)
	if err != nil {
		return nil, nil, err
	}
	for _, card := range skipped {
		evs = append(evs, events.NewCardFailed(card, card.ErrorKind, card.ErrorMessage))
	}

	comp, err := e.jobs.CheckJobDoneTx(ctx, tx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if !comp.Done {
		return evs, nil, nil
	}
	won, err := e.jobs.FinishJobTx(ctx, tx, jobID, comp.Status, comp.ErrorKind, comp.ErrorMessage)
	if err != nil {
		return nil, nil, err
	}
	if !won {
		return evs, nil, nil
	}
	switch comp.Status {
	case models.JobStatusFailed:
		evs = append(evs, events.NewJobFailed(jobID, comp.ErrorKind, comp.ErrorMessage))
	case models.JobStatusCancelled:
		evs = append(evs, events.NewJobCancelled(jobID, events.CancelReason))
	default:
		evs = append(evs, events.NewJobCompleted(jobID))
	}
	return evs, comp, nil
}

// applyPrefill persists early data against a future card and emits the
// card.prefill event in the same transaction. A missing or already
// terminal target is a benign race and only logs.
func (e *Executor) applyPrefill(ctx context.Context, run *Run, cardType string, data, meta map[string]any) error {
	prefill := &models.CardOutput{Data: data}
	_, err := e.publisher.PublishTx(ctx, func(tx *sql.Tx) ([]*models.JobEvent, error) {
		target, err := e.jobs.ApplyPrefillTx(ctx, tx, run.Job.ID, cardType, prefill)
		if err != nil {
			return nil, err
		}
		return []*models.JobEvent{
			events.NewCardPrefill(target, prefill, run.ElapsedMS(), meta),
		}, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrStale) {
			slog.Warn("Prefill target unavailable",
				"job_id", run.Job.ID, "target", cardType, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// cardInput assembles a handler's input view: dependency artifact
// payloads in declaration order, with the card's own plan input on
// top.
func (e *Executor) cardInput(ctx context.Context, run *Run) map[string]any {
	input := map[string]any{}
	for _, dep := range run.Card.DependsOn {
		if payload := run.Artifact(ctx, dep.CardType); payload != nil {
			for k, v := range payload {
				input[k] = v
			}
		}
	}
	for k, v := range run.Card.Input {
		input[k] = v
	}
	return input
}

// saveArtifact upserts the card's resource artifact.
func (e *Executor) saveArtifact(ctx context.Context, run *Run, payload map[string]any) error {
	return e.artifacts.Save(ctx, &models.Artifact{
		JobID:   run.Job.ID,
		CardID:  run.Card.ID,
		Type:    run.Card.CardType,
		Payload: payload,
	})
}

func degradedMeta() map[string]any {
	return map[string]any{"degraded": true}
}

// warnDegraded logs a survivable model failure that sent a card down
// its fallback path.
func warnDegraded(run *Run, msg string, err error) {
	slog.Warn(msg,
		"job_id", run.Job.ID, "card", run.Card.CardType, "task", run.Task(), "error", err)
}

// enqueueRefinement creates the deferred background card that refines
// cardType, when the plan declares one. Best effort: the foreground
// card's fallback result stands either way.
func (e *Executor) enqueueRefinement(ctx context.Context, run *Run) {
	desc, err := e.rules.RefinementFor(string(run.Job.Source), run.Card.CardType, run.Job.Input)
	if err != nil {
		if !errors.Is(err, rules.ErrNoRefinement) {
			slog.Warn("Refinement lookup failed",
				"job_id", run.Job.ID, "card", run.Card.CardType, "error", err)
		}
		return
	}
	cards := rules.BuildCards(run.Job.ID, []models.CardDescriptor{*desc})
	if err := e.jobs.CreateCards(ctx, cards); err != nil {
		slog.Warn("Refinement card not created",
			"job_id", run.Job.ID, "card", desc.CardType, "error", err)
		return
	}
	slog.Info("Deferred refinement enqueued",
		"job_id", run.Job.ID, "card", desc.CardType, "refines", run.Card.CardType)
}
