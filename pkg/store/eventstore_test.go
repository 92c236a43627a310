package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/test/util"
)

func appendEvent(t *testing.T, db *sql.DB, es *EventStore, ev *models.JobEvent) {
	t.Helper()
	err := WithTx(context.Background(), db, func(tx *sql.Tx) error {
		return es.AppendTx(context.Background(), tx, ev)
	})
	require.NoError(t, err)
}

func TestAppendAssignsContiguousSeq(t *testing.T) {
	db := util.SetupTestDatabase(t)
	clock := models.SystemClock{}
	jobs := NewJobStore(db, clock)
	es := NewEventStore(db, clock)
	ctx := context.Background()

	job := insertJob(t, jobs, models.SourceGitHub, newCard("profile", 0, ""))

	appendEvent(t, db, es, &models.JobEvent{JobID: job.ID, EventType: models.EventJobStarted, Payload: map[string]any{"source": "github"}})
	appendEvent(t, db, es, &models.JobEvent{JobID: job.ID, EventType: models.EventCardStarted, Payload: map[string]any{"card": "profile"}})

	// Several appends inside one transaction still get distinct,
	// ordered sequence numbers.
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		for _, et := range []models.EventType{models.EventCardProgress, models.EventCardCompleted, models.EventJobCompleted} {
			if err := es.AppendTx(ctx, tx, &models.JobEvent{JobID: job.ID, EventType: et}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	events, err := es.ListEvents(ctx, job.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, models.SourceGitHub, ev.Source)
		assert.False(t, ev.EmittedAt.IsZero())
	}
	assert.Equal(t, models.EventJobStarted, events[0].EventType)
	assert.Equal(t, models.EventJobCompleted, events[4].EventType)

	last, err := es.LastSeq(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)
}

func TestAppendUnknownJob(t *testing.T) {
	db := util.SetupTestDatabase(t)
	es := NewEventStore(db, models.SystemClock{})
	ctx := context.Background()

	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		return es.AppendTx(ctx, tx, &models.JobEvent{JobID: "missing", EventType: models.EventJobStarted})
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListEventsAfterSeq(t *testing.T) {
	db := util.SetupTestDatabase(t)
	clock := models.SystemClock{}
	jobs := NewJobStore(db, clock)
	es := NewEventStore(db, clock)
	ctx := context.Background()

	job := insertJob(t, jobs, models.SourceScholar, newCard("topics", 0, ""))
	for i := 0; i < 6; i++ {
		appendEvent(t, db, es, &models.JobEvent{JobID: job.ID, EventType: models.EventCardProgress})
	}

	tail, err := es.ListEvents(ctx, job.ID, 4, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(5), tail[0].Seq)
	assert.Equal(t, int64(6), tail[1].Seq)

	page, err := es.ListEvents(ctx, job.ID, 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(3), page[2].Seq)

	empty, err := es.ListEvents(ctx, job.ID, 99, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	last, err := es.LastSeq(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestSeqIsolatedPerJob(t *testing.T) {
	db := util.SetupTestDatabase(t)
	clock := models.SystemClock{}
	jobs := NewJobStore(db, clock)
	es := NewEventStore(db, clock)

	a := insertJob(t, jobs, models.SourceGitHub, newCard("profile", 0, ""))
	b := insertJob(t, jobs, models.SourceLinkedIn, newCard("profile", 0, ""))

	appendEvent(t, db, es, &models.JobEvent{JobID: a.ID, EventType: models.EventJobStarted})
	appendEvent(t, db, es, &models.JobEvent{JobID: b.ID, EventType: models.EventJobStarted})
	appendEvent(t, db, es, &models.JobEvent{JobID: b.ID, EventType: models.EventCardStarted, CardID: "c-1"})

	evA, err := es.ListEvents(context.Background(), a.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, evA, 1)
	assert.Equal(t, int64(1), evA[0].Seq)

	evB, err := es.ListEvents(context.Background(), b.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, evB, 2)
	assert.Equal(t, int64(2), evB[1].Seq)
	assert.Equal(t, "c-1", evB[1].CardID)
	assert.Equal(t, models.SourceLinkedIn, evB[1].Source)
}
