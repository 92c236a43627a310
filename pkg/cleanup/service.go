// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/store"
)

// Service periodically deletes terminal jobs older than the retention
// window; their cards, artifacts, and events cascade with them.
// Deletion is idempotent and safe to run from multiple instances.
type Service struct {
	config *config.RetentionConfig
	jobs   *store.JobStore
	clock  models.Clock

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, jobs *store.JobStore, clock models.Clock) *Service {
	return &Service{
		config: cfg,
		jobs:   jobs,
		clock:  clock,
	}
}

// Start launches the background cleanup loop. A retention of zero days
// disables it.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	if s.config.JobRetentionDays <= 0 {
		slog.Info("Retention disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"job_retention_days", s.config.JobRetentionDays,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.deleteExpiredJobs(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.deleteExpiredJobs(ctx)
		}
	}
}

func (s *Service) deleteExpiredJobs(ctx context.Context) {
	cutoff := s.clock.Now().AddDate(0, 0, -s.config.JobRetentionDays)
	count, err := s.jobs.DeleteJobsOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: job deletion failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted expired jobs", "count", count)
	}
}
