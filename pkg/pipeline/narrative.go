package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mosaiclabs/mosaic/pkg/events"
	"github.com/mosaiclabs/mosaic/pkg/llm"
	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/stream"
)

var errEmptyStream = errors.New("model stream returned no text")

// narrativeCard streams model prose through the delta router. The
// degradation ladder never fails the card for model trouble: a short
// budget or a dead stream falls back to deterministic text, and an
// interrupted stream completes with the partial text that already
// reached clients. Only cancellation and event append failures
// propagate as errors.
func (e *Executor) narrativeCard(ctx context.Context, run *Run) (*Result, error) {
	spec := run.Desc.Streaming
	if spec == nil {
		return nil, models.Kindf(models.ErrKindInternal, "card %s has no streaming spec", run.Card.CardType)
	}
	pctx := e.promptContext(ctx, run)

	if run.BudgetShort(minLLMBudget) {
		run.Progress(ctx, models.StepDegraded, "budget too low for narrative generation", nil)
		return e.narrativeFallback(ctx, run, spec, pctx, nil)
	}

	run.Progress(ctx, stepForTask(run.Task()), "writing "+run.Card.CardType, nil)

	var emitErr error
	router := stream.NewRouter(spec, func(section, delta string) error {
		err := e.publisher.Publish(ctx, events.NewCardDelta(run.Card, spec.Field, section, spec.Format, delta))
		if err != nil {
			emitErr = err
		}
		return err
	})

	// The soft budget bounds the model call, not the card context:
	// when it fires mid-stream the job keeps going with partial text.
	var cancel context.CancelFunc
	llmCtx := ctx
	if !run.SoftDeadline.IsZero() {
		llmCtx, cancel = context.WithDeadline(ctx, run.SoftDeadline)
	} else {
		llmCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	streamCh, err := e.llm.Generate(llmCtx, &llm.GenerateInput{
		Task:     run.Task(),
		Messages: narrativeMessages(run.Task(), spec, pctx),
	})
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		warnDegraded(run, "Narrative model call failed to start", err)
		return e.narrativeFallback(ctx, run, spec, pctx, err)
	}

	_, usage, err := llm.CollectWithCallback(streamCh, router.Write)
	if emitErr != nil {
		return nil, emitErr
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if err := router.Close(); err != nil {
		return nil, err
	}
	text := router.SectionText()

	if err != nil {
		warnDegraded(run, "Narrative stream interrupted", err)
		if sectionsEmpty(text) {
			return e.narrativeFallback(ctx, run, spec, pctx, err)
		}
		// Clients already hold these deltas; completing with exactly
		// this text keeps the stream and the card in agreement.
		return &Result{
			Output: &models.CardOutput{Data: map[string]any{}, Stream: text},
			Meta:   degradedMeta(),
		}, nil
	}
	if sectionsEmpty(text) {
		warnDegraded(run, "Narrative stream produced no text", errEmptyStream)
		return e.narrativeFallback(ctx, run, spec, pctx, errEmptyStream)
	}

	run.Progress(ctx, models.TimingStep("llm"), "", timingData(run, usage))
	return &Result{Output: &models.CardOutput{Data: map[string]any{}, Stream: text}}, nil
}

// narrativeFallback streams deterministic stand-in text through a
// fresh router, so even the fallback honors the delta contract. Cards
// without a fallback fail with the original cause.
func (e *Executor) narrativeFallback(ctx context.Context, run *Run, spec *models.StreamingSpec, pctx *promptContext, cause error) (*Result, error) {
	text, ok := fallbackNarrative(run.Task(), spec, pctx)
	if !ok {
		if cause == nil {
			cause = models.Kindf(models.ErrKindTimeout, "card %s: budget exhausted before generation", run.Card.CardType)
		}
		return nil, cause
	}

	router := stream.NewRouter(spec, func(section, delta string) error {
		return e.publisher.Publish(ctx, events.NewCardDelta(run.Card, spec.Field, section, spec.Format, delta))
	})
	if err := router.Write(text); err != nil {
		return nil, err
	}
	if err := router.Close(); err != nil {
		return nil, err
	}
	return &Result{
		Output: &models.CardOutput{Data: map[string]any{}, Stream: router.SectionText()},
		Meta:   degradedMeta(),
	}, nil
}

func sectionsEmpty(text map[string]string) bool {
	for _, t := range text {
		if strings.TrimSpace(t) != "" {
			return false
		}
	}
	return true
}

func stepForTask(task string) string {
	switch task {
	case "role_model":
		return models.StepAIRoleModel
	case "roast":
		return models.StepAIRoast
	case "summary":
		return models.StepAISummary
	}
	return models.StepAnalyzing
}

// fallbackNarrative builds the deterministic text for a degraded
// narrative card. The roast has no fallback: templated humor is worse
// than an absent card.
func fallbackNarrative(task string, spec *models.StreamingSpec, pctx *promptContext) (string, bool) {
	switch task {
	case "summary":
		return fallbackSummary(spec, pctx), true
	case "role_model":
		return fallbackRoleModel(pctx), true
	}
	return "", false
}

// fallbackSummary writes one short paragraph per declared section,
// marker lines included, from the fetched figures alone.
func fallbackSummary(spec *models.StreamingSpec, pctx *promptContext) string {
	var b strings.Builder
	for _, section := range spec.Sections {
		fmt.Fprintf(&b, "<!--section:%s-->\n", section)
		b.WriteString(fallbackSection(section, pctx))
		b.WriteString("\n\n")
	}
	if len(spec.Sections) == 0 {
		b.WriteString(fallbackSection("overview", pctx))
		b.WriteString("\n")
	}
	return b.String()
}

func fallbackSection(section string, pctx *promptContext) string {
	switch section {
	case "overview":
		return pctx.subjectLine()
	case "strengths":
		if langs := pctx.topLanguages(3); len(langs) > 0 {
			return fmt.Sprintf("Most of the public work is written in %s.", strings.Join(langs, ", "))
		}
		return "Strength signals were not analyzed for this report."
	case "risks":
		return "Automated analysis was unavailable; figures reflect fetched data only."
	case "impact":
		if cited := pctx.citations(); cited > 0 {
			return fmt.Sprintf("Cited %d times across the indexed publication record.", cited)
		}
		return "Citation impact was not analyzed for this report."
	case "trajectory", "highlights":
		return "See the individual cards for the underlying record."
	}
	return "No analysis available for this section."
}

func fallbackRoleModel(pctx *promptContext) string {
	line := pctx.subjectLine()
	if langs := pctx.topLanguages(1); len(langs) > 0 {
		return fmt.Sprintf("%s\n\nThe comparison step was skipped to keep the report fast. The dominant language in the public record is %s.", line, langs[0])
	}
	return line + "\n\nThe comparison step was skipped to keep the report fast."
}
