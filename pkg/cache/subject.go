// Package cache implements the subject cache: a new job whose subject
// key matches a recent completed job reuses that job's resource
// artifacts instead of hitting the upstream again.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/store"
)

// pointer is the Redis fast-path record for a subject key.
type pointer struct {
	JobID       string    `json:"job_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// SubjectCache resolves a subject key to the freshest completed job
// within the configured window. Redis holds a best-effort pointer; the
// job store query is authoritative and covers pointer loss entirely.
type SubjectCache struct {
	cfg       *config.CacheConfig
	jobs      *store.JobStore
	artifacts *store.ArtifactStore
	redis     *redis.Client
	prefix    string
	clock     models.Clock
}

// NewSubjectCache creates the cache. client may be nil, in which case
// every lookup goes straight to the store.
func NewSubjectCache(cfg *config.CacheConfig, jobs *store.JobStore, artifacts *store.ArtifactStore, client *redis.Client, prefix string, clock models.Clock) *SubjectCache {
	if prefix == "" {
		prefix = "mosaic"
	}
	return &SubjectCache{
		cfg:       cfg,
		jobs:      jobs,
		artifacts: artifacts,
		redis:     client,
		prefix:    prefix,
		clock:     clock,
	}
}

// MaxAge returns the freshness window. Zero disables reuse.
func (c *SubjectCache) MaxAge() time.Duration {
	if c.cfg == nil || c.cfg.MaxAgeDays <= 0 {
		return 0
	}
	return time.Duration(c.cfg.MaxAgeDays) * 24 * time.Hour
}

// Lookup returns the freshest completed job for the subject, or nil on
// a miss.
func (c *SubjectCache) Lookup(ctx context.Context, source, subjectKey string) (*models.Job, error) {
	maxAge := c.MaxAge()
	if maxAge == 0 || subjectKey == "" {
		return nil, nil
	}

	if job := c.fromRedis(ctx, subjectKey, maxAge); job != nil {
		return job, nil
	}

	job, err := c.jobs.FindRecentCompletedJob(ctx, source, subjectKey, maxAge)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query subject cache: %w", err)
	}
	c.RecordCompleted(ctx, job)
	return job, nil
}

// ArtifactFor returns the prior job's artifact of the given type for a
// subject, or nil when there is no fresh prior job or it lacks the
// artifact.
func (c *SubjectCache) ArtifactFor(ctx context.Context, source, subjectKey, artifactType string) (*models.Artifact, error) {
	job, err := c.Lookup(ctx, source, subjectKey)
	if err != nil || job == nil {
		return nil, err
	}
	artifact, err := c.artifacts.Get(ctx, job.ID, artifactType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return artifact, nil
}

// RecordCompleted writes the Redis pointer for a completed job. Best
// effort: a failed write only costs the fast path.
func (c *SubjectCache) RecordCompleted(ctx context.Context, job *models.Job) {
	if c.redis == nil || job == nil || job.SubjectKey == "" || c.MaxAge() == 0 {
		return
	}
	completedAt := c.clock.Now().UTC()
	if job.FinishedAt != nil {
		completedAt = *job.FinishedAt
	}
	raw, err := json.Marshal(pointer{JobID: job.ID, CompletedAt: completedAt})
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.key(job.SubjectKey), raw, c.MaxAge()).Err(); err != nil {
		slog.Warn("Subject cache pointer write failed", "subject_key", job.SubjectKey, "error", err)
	}
}

// fromRedis follows the pointer and verifies the job it names is still
// a fresh completed job for this subject. Any inconsistency falls back
// to the store.
func (c *SubjectCache) fromRedis(ctx context.Context, subjectKey string, maxAge time.Duration) *models.Job {
	if c.redis == nil {
		return nil
	}
	raw, err := c.redis.Get(ctx, c.key(subjectKey)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("Subject cache pointer read failed", "subject_key", subjectKey, "error", err)
		}
		return nil
	}
	var ptr pointer
	if err := json.Unmarshal([]byte(raw), &ptr); err != nil {
		slog.Warn("Subject cache pointer malformed", "subject_key", subjectKey, "error", err)
		return nil
	}
	if c.clock.Since(ptr.CompletedAt) > maxAge {
		return nil
	}
	job, err := c.jobs.GetJob(ctx, ptr.JobID)
	if err != nil {
		return nil
	}
	if job.Status != models.JobStatusCompleted || job.SubjectKey != subjectKey {
		return nil
	}
	return job
}

func (c *SubjectCache) key(subjectKey string) string {
	return c.prefix + ":subject:" + subjectKey
}
