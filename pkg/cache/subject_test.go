package cache

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/store"
	"github.com/mosaiclabs/mosaic/test/util"
)

func seedJob(t *testing.T, jobs *store.JobStore, source models.Source, subjectKey string) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:         uuid.NewString(),
		Source:     source,
		SubjectKey: subjectKey,
		Input:      map[string]string{"handle": "octocat"},
	}
	card := &models.Card{
		ID:       uuid.NewString(),
		JobID:    job.ID,
		CardType: "resource.github.profile",
	}
	require.NoError(t, jobs.CreateJob(context.Background(), job, []*models.Card{card}))
	return job
}

func finishJob(t *testing.T, db *sql.DB, jobs *store.JobStore, jobID string) {
	t.Helper()
	err := store.WithTx(context.Background(), db, func(tx *sql.Tx) error {
		won, err := jobs.FinishJobTx(context.Background(), tx, jobID, models.JobStatusCompleted, "", "")
		require.True(t, won)
		return err
	})
	require.NoError(t, err)
}

func TestLookupFallsBackToStore(t *testing.T) {
	db := util.SetupTestDatabase(t)
	clock := models.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	jobs := store.NewJobStore(db, clock)
	artifacts := store.NewArtifactStore(db, clock)
	ctx := context.Background()

	c := NewSubjectCache(config.DefaultCacheConfig(), jobs, artifacts, nil, "", clock)

	job := seedJob(t, jobs, models.SourceGitHub, "github:octocat")
	finishJob(t, db, jobs, job.ID)
	clock.Advance(time.Hour)

	found, err := c.Lookup(ctx, string(models.SourceGitHub), "github:octocat")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, job.ID, found.ID)

	found, err = c.Lookup(ctx, string(models.SourceGitHub), "github:someone-else")
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = c.Lookup(ctx, string(models.SourceScholar), "github:octocat")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestLookupIgnoresUnfinishedAndStaleJobs(t *testing.T) {
	db := util.SetupTestDatabase(t)
	clock := models.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	jobs := store.NewJobStore(db, clock)
	artifacts := store.NewArtifactStore(db, clock)
	ctx := context.Background()

	c := NewSubjectCache(config.DefaultCacheConfig(), jobs, artifacts, nil, "", clock)

	seedJob(t, jobs, models.SourceGitHub, "github:running")
	found, err := c.Lookup(ctx, string(models.SourceGitHub), "github:running")
	require.NoError(t, err)
	assert.Nil(t, found)

	stale := seedJob(t, jobs, models.SourceGitHub, "github:stale")
	finishJob(t, db, jobs, stale.ID)
	clock.Advance(8 * 24 * time.Hour)

	found, err = c.Lookup(ctx, string(models.SourceGitHub), "github:stale")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestLookupDisabledByConfig(t *testing.T) {
	db := util.SetupTestDatabase(t)
	clock := models.SystemClock{}
	jobs := store.NewJobStore(db, clock)
	artifacts := store.NewArtifactStore(db, clock)
	ctx := context.Background()

	c := NewSubjectCache(&config.CacheConfig{MaxAgeDays: 0}, jobs, artifacts, nil, "", clock)
	assert.Equal(t, time.Duration(0), c.MaxAge())

	job := seedJob(t, jobs, models.SourceGitHub, "github:octocat")
	finishJob(t, db, jobs, job.ID)

	found, err := c.Lookup(ctx, string(models.SourceGitHub), "github:octocat")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestArtifactForReturnsPriorPayload(t *testing.T) {
	db := util.SetupTestDatabase(t)
	clock := models.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	jobs := store.NewJobStore(db, clock)
	artifacts := store.NewArtifactStore(db, clock)
	ctx := context.Background()

	c := NewSubjectCache(config.DefaultCacheConfig(), jobs, artifacts, nil, "", clock)

	job := seedJob(t, jobs, models.SourceGitHub, "github:octocat")
	require.NoError(t, artifacts.Save(ctx, &models.Artifact{
		JobID:   job.ID,
		Type:    "resource.github.profile",
		Payload: map[string]any{"profile": map[string]any{"login": "octocat"}},
	}))
	finishJob(t, db, jobs, job.ID)
	clock.Advance(time.Hour)

	artifact, err := c.ArtifactFor(ctx, string(models.SourceGitHub), "github:octocat", "resource.github.profile")
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, job.ID, artifact.JobID)
	assert.Contains(t, artifact.Payload, "profile")

	artifact, err = c.ArtifactFor(ctx, string(models.SourceGitHub), "github:octocat", "resource.github.data")
	require.NoError(t, err)
	assert.Nil(t, artifact)

	artifact, err = c.ArtifactFor(ctx, string(models.SourceGitHub), "github:unknown", "resource.github.profile")
	require.NoError(t, err)
	assert.Nil(t, artifact)
}

func TestRecordCompletedWithoutRedisIsNoop(t *testing.T) {
	db := util.SetupTestDatabase(t)
	clock := models.SystemClock{}
	jobs := store.NewJobStore(db, clock)
	artifacts := store.NewArtifactStore(db, clock)

	c := NewSubjectCache(config.DefaultCacheConfig(), jobs, artifacts, nil, "", clock)

	job := seedJob(t, jobs, models.SourceGitHub, "github:octocat")
	c.RecordCompleted(context.Background(), job)
	c.RecordCompleted(context.Background(), nil)
}
