package pipeline

import (
	"context"
	"log/slog"

	"github.com/mosaiclabs/mosaic/pkg/events"
	"github.com/mosaiclabs/mosaic/pkg/fetch"
	"github.com/mosaiclabs/mosaic/pkg/llm"
	"github.com/mosaiclabs/mosaic/pkg/models"
)

// fetchResource runs the source fetcher behind a resource card and
// persists the payload as this job's artifact. A fresh subject-cache
// hit skips the upstream entirely.
func (e *Executor) fetchResource(ctx context.Context, run *Run) (*Result, error) {
	if res, ok := e.reuseArtifact(ctx, run); ok {
		return res, nil
	}

	fetcher, err := e.fetchers.For(string(run.Job.Source))
	if err != nil {
		return nil, err
	}
	fctx := &fetch.Context{
		JobID:        run.Job.ID,
		Card:         run.Card,
		Input:        e.cardInput(ctx, run),
		SoftDeadline: run.SoftDeadline,
		OnProgress: func(step, message string, data map[string]any) error {
			return e.publisher.Publish(ctx, events.NewCardProgress(run.Card, step, message, data))
		},
		OnPrefill: func(cardType string, data, meta map[string]any) error {
			return e.applyPrefill(ctx, run, cardType, data, meta)
		},
	}

	payload, err := fetcher.Fetch(ctx, fctx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// An empty upstream answer still completes the card with an empty
	// object, so dependents can distinguish "nothing there" from "never
	// ran".
	if payload == nil {
		payload = map[string]any{}
	}
	if err := e.saveArtifact(ctx, run, payload); err != nil {
		return nil, err
	}
	run.Progress(ctx, models.TimingStep("fetch"), "", map[string]any{"elapsed_ms": run.ElapsedMS()})
	return &Result{Output: &models.CardOutput{Data: payload}}, nil
}

// enrichResource runs the strict-JSON enrichment task over the source's
// fetched artifacts. Its failure is survivable: user cards hold the
// enrich node as an optional dependency.
func (e *Executor) enrichResource(ctx context.Context, run *Run) (*Result, error) {
	if res, ok := e.reuseArtifact(ctx, run); ok {
		return res, nil
	}

	task := run.Task()
	if task == "" {
		return nil, models.Kindf(models.ErrKindInternal, "enrich card %s has no task", run.Card.CardType)
	}
	run.Progress(ctx, models.StepAnalyzing, "extracting structured signals", nil)

	var enriched map[string]any
	usage, err := llm.GenerateJSON(ctx, e.llm, &llm.GenerateInput{
		Task:     task,
		Messages: enrichMessages(task, e.promptContext(ctx, run)),
	}, &enriched)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if enriched == nil {
		enriched = map[string]any{}
	}
	if err := e.saveArtifact(ctx, run, enriched); err != nil {
		return nil, err
	}
	run.Progress(ctx, models.TimingStep("llm"), "", timingData(run, usage))
	return &Result{Output: &models.CardOutput{Data: enriched}}, nil
}

// githubPreview derives the compact header payload from the profile
// artifact. Pure local work, so no cache consult and no budget.
func (e *Executor) githubPreview(ctx context.Context, run *Run) (*Result, error) {
	profile := asMap(run.Artifact(ctx, "resource.github.profile")["profile"])
	payload := map[string]any{
		"handle":       str(profile, "login"),
		"name":         str(profile, "name"),
		"avatar":       str(profile, "avatar_url"),
		"bio":          str(profile, "bio"),
		"followers":    intOf(profile, "followers"),
		"public_repos": intOf(profile, "public_repos"),
	}
	if err := e.saveArtifact(ctx, run, payload); err != nil {
		return nil, err
	}
	return &Result{Output: &models.CardOutput{Data: payload}}, nil
}

// githubBestPR is the deferred refinement behind the repos card: the
// model call the foreground card skipped when its budget ran short.
// Completion merges into the repos card through the refines edge.
func (e *Executor) githubBestPR(ctx context.Context, run *Run) (*Result, error) {
	run.Progress(ctx, models.StepAnalyzing, "selecting the most valuable pull request", nil)

	pick, usage, err := e.bestPR(ctx, run)
	if err != nil {
		return nil, err
	}
	if err := e.saveArtifact(ctx, run, pick); err != nil {
		return nil, err
	}
	run.Progress(ctx, models.TimingStep("llm"), "", timingData(run, usage))
	return &Result{Output: &models.CardOutput{Data: map[string]any{"best_pr": pick}}}, nil
}

// bestPR runs the best_pr strict-JSON task over the repo listing.
func (e *Executor) bestPR(ctx context.Context, run *Run) (map[string]any, *llm.Usage, error) {
	var pick map[string]any
	usage, err := llm.GenerateJSON(ctx, e.llm, &llm.GenerateInput{
		Task:     run.Task(),
		Messages: bestPRMessages(e.promptContext(ctx, run)),
	}, &pick)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if pick == nil {
		pick = map[string]any{}
	}
	return pick, usage, nil
}

// reuseArtifact copies a prior job's artifact into this one when the
// subject cache points at a fresh completed job for the same subject.
// Every miss or cache error falls through to a normal fetch.
func (e *Executor) reuseArtifact(ctx context.Context, run *Run) (*Result, bool) {
	artifact, err := e.subjects.ArtifactFor(ctx, string(run.Job.Source), run.Job.SubjectKey, run.Card.CardType)
	if err != nil {
		slog.Warn("Subject cache consult failed",
			"job_id", run.Job.ID, "card", run.Card.CardType, "error", err)
		return nil, false
	}
	if artifact == nil {
		return nil, false
	}
	if err := e.saveArtifact(ctx, run, artifact.Payload); err != nil {
		slog.Warn("Cached artifact copy failed",
			"job_id", run.Job.ID, "card", run.Card.CardType, "error", err)
		return nil, false
	}
	run.Progress(ctx, models.StepCacheHit, "reusing a recent fetch for the same subject",
		map[string]any{"from_job": artifact.JobID})
	return &Result{
		Output: &models.CardOutput{Data: artifact.Payload},
		Meta:   map[string]any{"cache": true},
	}, true
}

// timingData builds the payload for a timing.llm progress event.
func timingData(run *Run, usage *llm.Usage) map[string]any {
	data := map[string]any{"elapsed_ms": run.ElapsedMS()}
	if usage != nil {
		data["input_tokens"] = usage.InputTokens
		data["output_tokens"] = usage.OutputTokens
	}
	return data
}
