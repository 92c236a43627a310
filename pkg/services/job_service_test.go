package services

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/events"
	"github.com/mosaiclabs/mosaic/pkg/fetch"
	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/rules"
	"github.com/mosaiclabs/mosaic/pkg/store"
	"github.com/mosaiclabs/mosaic/test/util"
)

type fakeScheduler struct {
	mu      sync.Mutex
	wakes   int
	cancels []string
}

func (f *fakeScheduler) Wake() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakes++
}

func (f *fakeScheduler) CancelJob(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, jobID)
	return false
}

func (f *fakeScheduler) wakeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wakes
}

func (f *fakeScheduler) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

type svcHarness struct {
	db      *sql.DB
	jobs    *store.JobStore
	scholar *fetch.ScriptedFetcher
	sched   *fakeScheduler
	svc     *JobService
	evsvc   *EventService
}

func newSvcHarness(t *testing.T) *svcHarness {
	t.Helper()
	db := util.SetupTestDatabase(t)
	clock := models.SystemClock{}
	jobs := store.NewJobStore(db, clock)
	es := store.NewEventStore(db, clock)
	pub := events.NewPublisher(db, es, events.NewBus(), events.NoopBackplane{}, config.DefaultBackplaneConfig(), nil)

	scholar := fetch.NewScriptedFetcher()
	fetchers := fetch.NewRegistry()
	fetchers.Register(string(models.SourceScholar), scholar)

	plans := make(map[string]*config.PlanConfig)
	for source, plan := range config.GetBuiltinConfig().Plans {
		p := plan
		plans[source] = &p
	}
	eng := rules.NewEngine(config.NewPlanRegistry(plans))

	sched := &fakeScheduler{}
	return &svcHarness{
		db:      db,
		jobs:    jobs,
		scholar: scholar,
		sched:   sched,
		svc:     NewJobService(jobs, eng, fetchers, pub, sched),
		evsvc:   NewEventService(jobs, es, config.DefaultStreamConfig()),
	}
}

func (h *svcHarness) jobCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&n))
	return n
}

func TestCreateJobPlansAndPersists(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	res, err := h.svc.Create(ctx, models.CreateJobRequest{
		Source: models.SourceGitHub,
		Input:  map[string]string{"handle": "  OctoCat "},
		UserID: "u-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)
	assert.False(t, res.NeedsConfirmation)

	job, err := h.jobs.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "github:octocat", job.SubjectKey)
	assert.Equal(t, "OctoCat", job.Input["handle"])
	assert.Equal(t, "u-1", job.UserID)

	cards, err := h.jobs.ListCards(ctx, res.JobID)
	require.NoError(t, err)
	assert.Len(t, cards, 11)
	for _, card := range cards {
		want := models.CardStatusPending
		if card.CardType == "resource.github.profile" {
			// The only card without dependencies starts ready.
			want = models.CardStatusReady
		}
		assert.Equal(t, want, card.Status, card.CardType)
	}

	assert.Equal(t, 1, h.sched.wakeCount())
}

func TestCreateJobRequestedSubsetTrimsPlan(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	res, err := h.svc.Create(ctx, models.CreateJobRequest{
		Source:         models.SourceGitHub,
		Input:          map[string]string{"handle": "octocat"},
		RequestedCards: []string{"profile"},
	})
	require.NoError(t, err)

	cards, err := h.jobs.ListCards(ctx, res.JobID)
	require.NoError(t, err)
	types := make([]string, 0, len(cards))
	for _, card := range cards {
		types = append(types, card.CardType)
	}
	assert.ElementsMatch(t, []string{"resource.github.profile", "profile", "full_report"}, types)
}

func TestCreateJobValidation(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  models.CreateJobRequest
	}{
		{"missing source", models.CreateJobRequest{Input: map[string]string{"handle": "x"}}},
		{"unknown source", models.CreateJobRequest{Source: "myspace", Input: map[string]string{"handle": "x"}}},
		{"empty input", models.CreateJobRequest{Source: models.SourceGitHub}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := h.svc.Create(ctx, tc.req)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, IsValidationError(err))
			assert.Equal(t, models.ErrKindInvalidInput, models.KindOf(err))
		})
	}

	t.Run("unrequestable card", func(t *testing.T) {
		_, err := h.svc.Create(ctx, models.CreateJobRequest{
			Source:         models.SourceGitHub,
			Input:          map[string]string{"handle": "octocat"},
			RequestedCards: []string{"resource.github.data"},
		})
		require.Error(t, err)
		assert.False(t, IsValidationError(err))
		assert.Equal(t, models.ErrKindInvalidInput, models.KindOf(err))
	})

	assert.Equal(t, 0, h.jobCount(t))
	assert.Equal(t, 0, h.sched.wakeCount())
}

func TestCreateJobScholarResolvesName(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	h.scholar.ScriptPayload("resource.scholar.resolve", map[string]any{
		"scholar_id": "J4NmcYEAAAAJ",
		"name":       "Sam Doe",
		"resolution": "search",
	})

	res, err := h.svc.Create(ctx, models.CreateJobRequest{
		Source: models.SourceScholar,
		Input:  map[string]string{"content": "Sam Doe, Example University"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)
	assert.False(t, res.NeedsConfirmation)
	assert.Equal(t, []string{"resource.scholar.resolve"}, h.scholar.Calls())

	job, err := h.jobs.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "J4NmcYEAAAAJ", job.Input["scholar_id"])
	assert.Equal(t, "scholar:J4NmcYEAAAAJ", job.SubjectKey)

	cards, err := h.jobs.ListCards(ctx, res.JobID)
	require.NoError(t, err)
	assert.Len(t, cards, 9)
}

func TestCreateJobScholarAmbiguousReturnsCandidates(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	cands := []models.Candidate{
		{ID: "J4NmcYEAAAAJ", Label: "Sam Doe", Detail: "Example University"},
		{ID: "Zt6cnYEAAAAJ", Label: "Sam Doe", Detail: "Other Institute"},
	}
	h.scholar.Script("resource.scholar.resolve", &fetch.ScriptedResult{
		Err: models.WrapKind(models.ErrKindResolverAmbiguous, &fetch.AmbiguousError{Candidates: cands}),
	})

	res, err := h.svc.Create(ctx, models.CreateJobRequest{
		Source: models.SourceScholar,
		Input:  map[string]string{"content": "Sam Doe"},
	})
	require.NoError(t, err)
	assert.True(t, res.NeedsConfirmation)
	assert.Empty(t, res.JobID)
	assert.Equal(t, cands, res.Candidates)

	assert.Equal(t, 0, h.jobCount(t))
	assert.Equal(t, 0, h.sched.wakeCount())
}

func TestCreateJobScholarResolverFailure(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	h.scholar.Script("resource.scholar.resolve", &fetch.ScriptedResult{
		Err: models.Kindf(models.ErrKindInvalidInput, "no scholar profile matched"),
	})

	_, err := h.svc.Create(ctx, models.CreateJobRequest{
		Source: models.SourceScholar,
		Input:  map[string]string{"content": "nobody at all"},
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindInvalidInput, models.KindOf(err))
	assert.Contains(t, err.Error(), "scholar resolution failed")
	assert.Equal(t, 0, h.jobCount(t))
}

func TestCreateJobScholarDirectIDSkipsResolver(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	res, err := h.svc.Create(ctx, models.CreateJobRequest{
		Source: models.SourceScholar,
		Input:  map[string]string{"scholar_id": "J4NmcYEAAAAJ"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)
	assert.Empty(t, h.scholar.Calls())

	job, err := h.jobs.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "scholar:J4NmcYEAAAAJ", job.SubjectKey)
}

func TestCancelJobEmitsAndFinalizes(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	res, err := h.svc.Create(ctx, models.CreateJobRequest{
		Source: models.SourceGitHub,
		Input:  map[string]string{"handle": "octocat"},
	})
	require.NoError(t, err)

	require.NoError(t, h.svc.Cancel(ctx, res.JobID))

	job, err := h.jobs.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.NotNil(t, job.FinishedAt)

	cards, err := h.jobs.ListCards(ctx, res.JobID)
	require.NoError(t, err)
	for _, card := range cards {
		assert.Equal(t, models.CardStatusCancelled, card.Status, card.CardType)
	}

	evs, err := h.evsvc.List(ctx, res.JobID, 0, 50)
	require.NoError(t, err)
	require.Len(t, evs, len(cards)+1)
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	for _, ev := range evs[:len(evs)-1] {
		assert.Equal(t, models.EventCardCancelled, ev.EventType)
	}
	assert.Equal(t, models.EventJobCancelled, evs[len(evs)-1].EventType)

	assert.Equal(t, []string{res.JobID}, h.sched.cancelled())

	// A second cancel is a no-op and emits nothing.
	require.NoError(t, h.svc.Cancel(ctx, res.JobID))
	evs, err = h.evsvc.List(ctx, res.JobID, 0, 50)
	require.NoError(t, err)
	assert.Len(t, evs, len(cards)+1)
}

func TestCancelMissingJob(t *testing.T) {
	h := newSvcHarness(t)

	err := h.svc.Cancel(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSnapshotReturnsJobAndCards(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	res, err := h.svc.Create(ctx, models.CreateJobRequest{
		Source: models.SourceGitHub,
		Input:  map[string]string{"handle": "octocat"},
	})
	require.NoError(t, err)

	snap, err := h.svc.Snapshot(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, res.JobID, snap.Job.ID)
	assert.Len(t, snap.Cards, 11)
	assert.Zero(t, snap.LastSeq)
}
