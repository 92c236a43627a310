package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/store"
)

// seedCancelledJob creates a github job and cancels it, which appends
// one card.cancelled per card plus the terminal job.cancelled.
func seedCancelledJob(t *testing.T, h *svcHarness) (string, int) {
	t.Helper()
	ctx := context.Background()

	res, err := h.svc.Create(ctx, models.CreateJobRequest{
		Source: models.SourceGitHub,
		Input:  map[string]string{"handle": "octocat"},
	})
	require.NoError(t, err)
	require.NoError(t, h.svc.Cancel(ctx, res.JobID))

	cards, err := h.jobs.ListCards(ctx, res.JobID)
	require.NoError(t, err)
	return res.JobID, len(cards) + 1
}

func TestEventListPagesInSeqOrder(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()
	jobID, total := seedCancelledJob(t, h)

	var got []*models.JobEvent
	after := int64(0)
	for {
		page, err := h.evsvc.List(ctx, jobID, after, 5)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		require.LessOrEqual(t, len(page), 5)
		got = append(got, page...)
		after = page[len(page)-1].Seq
	}

	require.Len(t, got, total)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, models.EventJobCancelled, got[len(got)-1].EventType)
}

func TestEventListClampsLimit(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()
	jobID, total := seedCancelledJob(t, h)

	streamCfg := config.DefaultStreamConfig()
	streamCfg.ReplayPageSize = 3
	small := NewEventService(h.jobs, store.NewEventStore(h.db, models.SystemClock{}), streamCfg)

	page, err := small.List(ctx, jobID, 0, 500)
	require.NoError(t, err)
	assert.Len(t, page, 3)

	// A non-positive limit also falls back to the page size.
	page, err = h.evsvc.List(ctx, jobID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, page, total)
}

func TestEventListUnknownJob(t *testing.T) {
	h := newSvcHarness(t)

	_, err := h.evsvc.List(context.Background(), uuid.NewString(), 0, 10)
	require.ErrorIs(t, err, store.ErrNotFound)
}
