package pipeline

import (
	"context"
	"time"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

// profileCard shapes the identity header for any source. Completion
// merges over whatever a fetcher prefilled earlier, so once this card
// lands the header is no longer degraded.
func (e *Executor) profileCard(ctx context.Context, run *Run) (*Result, error) {
	var data map[string]any
	switch run.Job.Source {
	case models.SourceGitHub:
		data = e.githubProfileData(ctx, run)
	case models.SourceScholar:
		data = e.scholarProfileData(ctx, run)
	case models.SourceLinkedIn:
		data = e.linkedinProfileData(ctx, run)
	default:
		return nil, models.Kindf(models.ErrKindInternal, "profile card: unsupported source %s", run.Job.Source)
	}
	return &Result{Output: &models.CardOutput{Data: data}}, nil
}

// fullReportCard assembles the terminal aggregate from every completed
// user-facing card. It waits on all of them as optional dependencies,
// so it runs exactly once, last, with whatever succeeded. An empty
// report fails the card, inheriting the kind of the card that sank the
// run; this is the only path that turns card failures into a failed job.
func (e *Executor) fullReportCard(ctx context.Context, run *Run) (*Result, error) {
	cards, err := e.jobs.ListCards(ctx, run.Job.ID)
	if err != nil {
		return nil, err
	}

	included := map[string]any{}
	var causeKind models.ErrorKind
	var causeMsg string
	for _, card := range cards {
		// Cards arrive in plan order, so the first failure is the root cause.
		if causeKind == "" &&
			(card.Status == models.CardStatusFailed || card.Status == models.CardStatusSkipped) {
			causeKind = card.ErrorKind
			causeMsg = card.ErrorMessage
		}
		if card.Status != models.CardStatusCompleted || card.Internal() || card.CardType == models.FullReportCardType {
			continue
		}
		if card.Output != nil {
			included[card.CardType] = card.Output
		}
	}

	if len(included) == 0 {
		if causeKind == "" {
			causeKind = models.ErrKindInternal
			causeMsg = "no cards produced output"
		}
		return nil, models.Kindf(causeKind, "report has no cards: %s", causeMsg)
	}

	out := map[string]any{
		"source":       run.Job.Source,
		"cards":        included,
		"generated_at": e.clock.Now().UTC().Format(time.RFC3339),
	}
	return &Result{Output: &models.CardOutput{Data: out}}, nil
}
