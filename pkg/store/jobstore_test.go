package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/test/util"
)

func newCard(cardType string, priority int, group string, deps ...models.CardDep) *models.Card {
	return &models.Card{
		ID:               uuid.NewString(),
		CardType:         cardType,
		Priority:         priority,
		ConcurrencyGroup: group,
		DependsOn:        deps,
	}
}

func insertJob(t *testing.T, s *JobStore, source models.Source, cards ...*models.Card) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:         uuid.NewString(),
		Source:     source,
		SubjectKey: string(source) + ":subject-" + uuid.NewString()[:8],
		Input:      map[string]string{"handle": "octocat"},
	}
	for _, c := range cards {
		c.JobID = job.ID
	}
	require.NoError(t, s.CreateJob(context.Background(), job, cards))
	return job
}

func completeCard(t *testing.T, db *sql.DB, s *JobStore, cardID string, output *models.CardOutput) *models.CardOutput {
	t.Helper()
	var merged *models.CardOutput
	err := WithTx(context.Background(), db, func(tx *sql.Tx) error {
		var err error
		merged, err = s.CompleteCardTx(context.Background(), tx, cardID, output)
		return err
	})
	require.NoError(t, err)
	return merged
}

func claimAll(t *testing.T, s *JobStore, caps map[string]int, limit int) []*models.Card {
	t.Helper()
	claimed, err := s.ClaimReadyCards(context.Background(), "worker-1", caps, limit)
	require.NoError(t, err)
	return claimed
}

func TestCreateJobInitialStatuses(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewJobStore(db, models.SystemClock{})
	ctx := context.Background()

	root := newCard("resource.github.profile", 0, "scrape:github")
	dependent := newCard("profile", 0, "", models.Dep("resource.github.profile"))
	optional := newCard("full_report", 0, "", models.OptionalDep("profile"))
	job := insertJob(t, s, models.SourceGitHub, root, dependent, optional)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, map[string]string{"handle": "octocat"}, got.Input)

	cards, err := s.ListCards(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, cards, 3)
	assert.Equal(t, models.CardStatusReady, cards[0].Status)
	assert.Equal(t, models.CardStatusPending, cards[1].Status)
	assert.Equal(t, models.CardStatusPending, cards[2].Status)
	assert.Equal(t, []models.CardDep{models.Dep("resource.github.profile")}, cards[1].DependsOn)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetCardByType(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewJobStore(db, models.SystemClock{})
	ctx := context.Background()

	job := insertJob(t, s, models.SourceGitHub, newCard("profile", 0, ""))

	card, err := s.GetCardByType(ctx, job.ID, "profile")
	require.NoError(t, err)
	assert.Equal(t, "profile", card.CardType)

	_, err = s.GetCardByType(ctx, job.ID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimReadyCardsOrdering(t *testing.T) {
	db := util.SetupTestDatabase(t)
	clock := models.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewJobStore(db, clock)

	insertJob(t, s, models.SourceGitHub,
		newCard("first", 0, ""),
		newCard("second", 0, ""),
		newCard("background", 1, ""))
	clock.Advance(time.Second)
	insertJob(t, s, models.SourceScholar, newCard("urgent", -1, ""))

	claimed := claimAll(t, s, nil, 10)
	require.Len(t, claimed, 4)
	assert.Equal(t, "urgent", claimed[0].CardType)
	assert.Equal(t, "first", claimed[1].CardType)
	assert.Equal(t, "second", claimed[2].CardType)
	assert.Equal(t, "background", claimed[3].CardType)

	for _, c := range claimed {
		assert.Equal(t, models.CardStatusRunning, c.Status)
		assert.Equal(t, "worker-1", c.ClaimedBy)
		assert.Equal(t, 1, c.AttemptCount)
		assert.NotNil(t, c.StartedAt)
	}

	// Everything ready was claimed; nothing left.
	assert.Empty(t, claimAll(t, s, nil, 10))
}

func TestClaimHonorsGroupCaps(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewJobStore(db, models.SystemClock{})
	caps := map[string]int{"llm": 2}

	insertJob(t, s, models.SourceGitHub,
		newCard("role_model", 0, "llm"),
		newCard("roast", 0, "llm"),
		newCard("summary", 0, "llm"),
		newCard("profile", 0, ""))

	claimed := claimAll(t, s, caps, 10)
	require.Len(t, claimed, 3)
	var llm []string
	for _, c := range claimed {
		if c.ConcurrencyGroup == "llm" {
			llm = append(llm, c.CardType)
		}
	}
	assert.Equal(t, []string{"role_model", "roast"}, llm)

	// Group saturated; the third llm card stays ready.
	assert.Empty(t, claimAll(t, s, caps, 10))

	completeCard(t, db, s, claimed[0].ID, &models.CardOutput{Data: map[string]any{"ok": true}})
	next := claimAll(t, s, caps, 10)
	require.Len(t, next, 1)
	assert.Equal(t, "summary", next[0].CardType)
}

func TestClaimRespectsLimitAndJobStatus(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewJobStore(db, models.SystemClock{})
	ctx := context.Background()

	insertJob(t, s, models.SourceGitHub,
		newCard("a", 0, ""), newCard("b", 0, ""), newCard("c", 0, ""))
	cancelled := insertJob(t, s, models.SourceScholar, newCard("d", 0, ""))

	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		flipped, err := s.CancelJobTx(ctx, tx, cancelled.ID)
		require.True(t, flipped)
		return err
	})
	require.NoError(t, err)

	claimed := claimAll(t, s, nil, 2)
	require.Len(t, claimed, 2)
	assert.Equal(t, "a", claimed[0].CardType)
	assert.Equal(t, "b", claimed[1].CardType)

	// The cancelled job's ready card is never handed out.
	rest := claimAll(t, s, nil, 10)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].CardType)
}

func TestCompleteCardMergesOverPrefill(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewJobStore(db, models.SystemClock{})
	ctx := context.Background()

	job := insertJob(t, s, models.SourceGitHub, newCard("profile", 0, ""))
	claimed := claimAll(t, s, nil, 1)
	require.Len(t, claimed, 1)

	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		_, err := s.ApplyPrefillTx(ctx, tx, job.ID, "profile", &models.CardOutput{
			Data: map[string]any{"name": "cached", "avatar": ""},
		})
		return err
	})
	require.NoError(t, err)

	merged := completeCard(t, db, s, claimed[0].ID, &models.CardOutput{
		Data: map[string]any{"name": "The Octocat", "bio": "likes git"},
	})
	assert.Equal(t, "The Octocat", merged.Data["name"])
	assert.Equal(t, "", merged.Data["avatar"])
	assert.Equal(t, "likes git", merged.Data["bio"])

	card, err := s.GetCard(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusCompleted, card.Status)
	assert.Equal(t, "The Octocat", card.Output.Data["name"])

	// Prefill after the card is terminal is a lost race.
	err = WithTx(ctx, db, func(tx *sql.Tx) error {
		_, err := s.ApplyPrefillTx(ctx, tx, job.ID, "profile", &models.CardOutput{
			Data: map[string]any{"name": "late"},
		})
		return err
	})
	assert.ErrorIs(t, err, ErrStale)
}

func TestCompleteCardRequiresRunning(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewJobStore(db, models.SystemClock{})
	ctx := context.Background()

	job := insertJob(t, s, models.SourceScholar, newCard("topics", 0, ""))
	cards, err := s.ListCards(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, cards, 1)

	err = WithTx(ctx, db, func(tx *sql.Tx) error {
		_, err := s.CompleteCardTx(ctx, tx, cards[0].ID, nil)
		return err
	})
	assert.ErrorIs(t, err, ErrStale)
}

func TestPromoteReadyCards(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewJobStore(db, models.SystemClock{})
	ctx := context.Background()

	job := insertJob(t, s, models.SourceGitHub,
		newCard("a", 0, ""),
		newCard("b", 0, "", models.Dep("a")),
		newCard("c", 0, "", models.Dep("b")),
		newCard("d", 0, "", models.OptionalDep("a")))

	claimed := claimAll(t, s, nil, 1)
	require.Len(t, claimed, 1)
	require.Equal(t, "a", claimed[0].CardType)

	var promoted, skipped []*models.Card
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := s.CompleteCardTx(ctx, tx, claimed[0].ID, nil); err != nil {
			return err
		}
		var err error
		promoted, skipped, err = s.PromoteReadyCardsTx(ctx, tx, job.ID)
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, skipped)
	require.Len(t, promoted, 2)
	assert.Equal(t, "b", promoted[0].CardType)
	assert.Equal(t, "d", promoted[1].CardType)

	// c still waits on b.
	card, err := s.GetCardByType(ctx, job.ID, "c")
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusPending, card.Status)
}

func TestSkipCascadePropagatesUpstreamKind(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewJobStore(db, models.SystemClock{})
	ctx := context.Background()

	job := insertJob(t, s, models.SourceGitHub,
		newCard("a", 0, ""),
		newCard("b", 0, "", models.Dep("a")),
		newCard("c", 0, "", models.Dep("b")),
		newCard("d", 0, "", models.OptionalDep("a")))

	claimed := claimAll(t, s, nil, 1)
	require.Len(t, claimed, 1)

	var promoted, skipped []*models.Card
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		if err := s.FailCardTx(ctx, tx, claimed[0].ID, models.ErrKindUpstreamUnavailable, "api down"); err != nil {
			return err
		}
		var err error
		promoted, skipped, err = s.PromoteReadyCardsTx(ctx, tx, job.ID)
		return err
	})
	require.NoError(t, err)

	// b and c cascade to skipped carrying the upstream kind; d only
	// needed a terminal, so it is promoted.
	require.Len(t, skipped, 2)
	assert.Equal(t, "b", skipped[0].CardType)
	assert.Equal(t, "c", skipped[1].CardType)
	for _, c := range skipped {
		assert.Equal(t, models.CardStatusSkipped, c.Status)
		assert.Equal(t, models.ErrKindUpstreamUnavailable, c.ErrorKind)
		assert.Contains(t, c.ErrorMessage, "required dependency")
	}
	require.Len(t, promoted, 1)
	assert.Equal(t, "d", promoted[0].CardType)
}

func TestCheckJobDoneFullReportFailure(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewJobStore(db, models.SystemClock{})
	ctx := context.Background()

	job := insertJob(t, s, models.SourceGitHub,
		newCard("profile", 0, ""),
		newCard("full_report", 0, "", models.OptionalDep("profile")),
		newCard("best_pr", 1, ""))

	claimed := claimAll(t, s, nil, 10)
	require.Len(t, claimed, 2) // profile + background; full_report pending
	completeCard(t, db, s, claimed[0].ID, nil)

	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, _, err := s.PromoteReadyCardsTx(ctx, tx, job.ID); err != nil {
			return err
		}
		comp, err := s.CheckJobDoneTx(ctx, tx, job.ID)
		require.NoError(t, err)
		assert.False(t, comp.Done)
		return err
	})
	require.NoError(t, err)

	reports := claimAll(t, s, nil, 10)
	require.Len(t, reports, 1)
	require.Equal(t, "full_report", reports[0].CardType)

	err = WithTx(ctx, db, func(tx *sql.Tx) error {
		if err := s.FailCardTx(ctx, tx, reports[0].ID, models.ErrKindInternal, "aggregation failed"); err != nil {
			return err
		}
		comp, err := s.CheckJobDoneTx(ctx, tx, job.ID)
		require.NoError(t, err)

		// Background card is still running but never holds the job open.
		assert.True(t, comp.Done)
		assert.Equal(t, models.JobStatusFailed, comp.Status)
		assert.Equal(t, models.ErrKindInternal, comp.ErrorKind)

		won, err := s.FinishJobTx(ctx, tx, job.ID, comp.Status, comp.ErrorKind, comp.ErrorMessage)
		require.NoError(t, err)
		assert.True(t, won)
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.NotNil(t, got.FinishedAt)

	// Finishing again loses the guard.
	err = WithTx(ctx, db, func(tx *sql.Tx) error {
		won, err := s.FinishJobTx(ctx, tx, job.ID, models.JobStatusCompleted, "", "")
		require.NoError(t, err)
		assert.False(t, won)
		return nil
	})
	require.NoError(t, err)
}

func TestCancelFlow(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewJobStore(db, models.SystemClock{})
	ctx := context.Background()

	job := insertJob(t, s, models.SourceGitHub,
		newCard("resource.github.data", 0, ""),
		newCard("repos", 0, "", models.Dep("resource.github.data")))

	claimed := claimAll(t, s, nil, 1)
	require.Len(t, claimed, 1)

	var cancelledCards []*models.Card
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		flipped, err := s.CancelJobTx(ctx, tx, job.ID)
		require.NoError(t, err)
		require.True(t, flipped)

		cancelledCards, err = s.CancelPendingCardsTx(ctx, tx, job.ID)
		require.NoError(t, err)

		comp, err := s.CheckJobDoneTx(ctx, tx, job.ID)
		require.NoError(t, err)
		assert.False(t, comp.Done) // resource card still running
		return nil
	})
	require.NoError(t, err)
	require.Len(t, cancelledCards, 1)
	assert.Equal(t, "repos", cancelledCards[0].CardType)
	assert.Equal(t, models.CardStatusCancelled, cancelledCards[0].Status)

	// The running worker unwinds and the last terminal card closes the job.
	err = WithTx(ctx, db, func(tx *sql.Tx) error {
		if err := s.CancelCardTx(ctx, tx, claimed[0].ID); err != nil {
			return err
		}
		comp, err := s.CheckJobDoneTx(ctx, tx, job.ID)
		require.NoError(t, err)
		require.True(t, comp.Done)
		require.Equal(t, models.JobStatusCancelled, comp.Status)

		won, err := s.FinishJobTx(ctx, tx, job.ID, comp.Status, comp.ErrorKind, comp.ErrorMessage)
		require.NoError(t, err)
		assert.True(t, won)
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.NotNil(t, got.FinishedAt)

	// Second cancel is a no-op.
	err = WithTx(ctx, db, func(tx *sql.Tx) error {
		flipped, err := s.CancelJobTx(ctx, tx, job.ID)
		require.NoError(t, err)
		assert.False(t, flipped)
		return nil
	})
	require.NoError(t, err)
}

func TestHeartbeatAndReclaimOrphans(t *testing.T) {
	db := util.SetupTestDatabase(t)
	clock := models.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewJobStore(db, clock)
	ctx := context.Background()

	insertJob(t, s, models.SourceGitHub, newCard("profile", 0, ""))
	claimed := claimAll(t, s, nil, 1)
	require.Len(t, claimed, 1)
	cardID := claimed[0].ID

	// A live heartbeat keeps the card out of the orphan sweep.
	clock.Advance(90 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, "worker-1", []string{cardID}))
	clock.Advance(90 * time.Second)
	requeued, exhausted, err := s.ReclaimOrphans(ctx, 2*time.Minute, 2)
	require.NoError(t, err)
	assert.Empty(t, requeued)
	assert.Empty(t, exhausted)

	// Silence past the threshold requeues while attempts remain.
	clock.Advance(3 * time.Minute)
	requeued, exhausted, err = s.ReclaimOrphans(ctx, 2*time.Minute, 2)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Empty(t, exhausted)
	assert.Equal(t, models.CardStatusReady, requeued[0].Status)
	assert.Empty(t, requeued[0].ClaimedBy)

	// Second claim exhausts the attempt budget; the card is handed back
	// still running so the caller can fail it with an event.
	claimed = claimAll(t, s, nil, 1)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].AttemptCount)
	clock.Advance(3 * time.Minute)
	requeued, exhausted, err = s.ReclaimOrphans(ctx, 2*time.Minute, 2)
	require.NoError(t, err)
	assert.Empty(t, requeued)
	require.Len(t, exhausted, 1)
	assert.Equal(t, models.CardStatusRunning, exhausted[0].Status)
}

func TestIncrementAttempt(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewJobStore(db, models.SystemClock{})
	ctx := context.Background()

	job := insertJob(t, s, models.SourceGitHub, newCard("profile", 0, ""), newCard("summary", 0, "", models.Dep("profile")))
	claimed := claimAll(t, s, nil, 1)
	require.Len(t, claimed, 1)

	attempts, err := s.IncrementAttempt(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	pending, err := s.GetCardByType(ctx, job.ID, "summary")
	require.NoError(t, err)
	_, err = s.IncrementAttempt(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrStale)
}

func TestRecompleteCardMergesRefinement(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewJobStore(db, models.SystemClock{})
	ctx := context.Background()

	job := insertJob(t, s, models.SourceGitHub, newCard("repos", 0, ""))
	claimed := claimAll(t, s, nil, 1)
	require.Len(t, claimed, 1)
	completeCard(t, db, s, claimed[0].ID, &models.CardOutput{
		Data: map[string]any{"repos": []any{"octoview"}},
	})

	var recompleted *models.Card
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		recompleted, err = s.RecompleteCardTx(ctx, tx, job.ID, "repos", &models.CardOutput{
			Data: map[string]any{"best_pr": map[string]any{"title": "Add search"}},
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, claimed[0].ID, recompleted.ID)
	assert.Equal(t, []any{"octoview"}, recompleted.Output.Data["repos"])
	assert.NotNil(t, recompleted.Output.Data["best_pr"])

	card, err := s.GetCardByType(ctx, job.ID, "repos")
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusCompleted, card.Status)
	assert.NotNil(t, card.Output.Data["best_pr"])

	err = WithTx(ctx, db, func(tx *sql.Tx) error {
		_, err := s.RecompleteCardTx(ctx, tx, job.ID, "missing", nil)
		return err
	})
	assert.ErrorIs(t, err, ErrStale)
}

func TestFindRecentCompletedJob(t *testing.T) {
	db := util.SetupTestDatabase(t)
	clock := models.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewJobStore(db, clock)
	ctx := context.Background()

	job := insertJob(t, s, models.SourceScholar, newCard("topics", 0, ""))
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		won, err := s.FinishJobTx(ctx, tx, job.ID, models.JobStatusCompleted, "", "")
		require.True(t, won)
		return err
	})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	found, err := s.FindRecentCompletedJob(ctx, string(models.SourceScholar), job.SubjectKey, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, job.ID, found.ID)

	_, err = s.FindRecentCompletedJob(ctx, string(models.SourceScholar), job.SubjectKey, 30*time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.FindRecentCompletedJob(ctx, string(models.SourceScholar), "scholar:someone-else", 7*24*time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteJobsOlderThan(t *testing.T) {
	db := util.SetupTestDatabase(t)
	clock := models.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewJobStore(db, clock)
	ctx := context.Background()

	old := insertJob(t, s, models.SourceGitHub, newCard("profile", 0, ""))
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		_, err := s.FinishJobTx(ctx, tx, old.ID, models.JobStatusCompleted, "", "")
		return err
	})
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)
	live := insertJob(t, s, models.SourceGitHub, newCard("profile", 0, ""))

	deleted, err := s.DeleteJobsOlderThan(ctx, clock.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.GetJob(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	cards, err := s.ListCards(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, cards)

	_, err = s.GetJob(ctx, live.ID)
	require.NoError(t, err)
}
