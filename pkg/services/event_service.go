package services

import (
	"context"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/store"
)

// EventService serves the persisted event log to polling clients.
// Live delivery is the subscriber manager's job; this is the paged
// replay surface behind it.
type EventService struct {
	jobs     *store.JobStore
	events   *store.EventStore
	pageSize int
}

// NewEventService creates an EventService paging by the configured
// replay page size.
func NewEventService(jobs *store.JobStore, es *store.EventStore, streamCfg *config.StreamConfig) *EventService {
	pageSize := streamCfg.ReplayPageSize
	if pageSize < 1 {
		pageSize = config.DefaultStreamConfig().ReplayPageSize
	}
	return &EventService{jobs: jobs, events: es, pageSize: pageSize}
}

// List returns up to limit events of the job with seq greater than
// afterSeq, oldest first. A limit outside (0, pageSize] clamps to the
// configured page size. Unknown jobs return store.ErrNotFound.
func (s *EventService) List(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*models.JobEvent, error) {
	if _, err := s.jobs.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	if limit < 1 || limit > s.pageSize {
		limit = s.pageSize
	}
	return s.events.ListEvents(ctx, jobID, afterSeq, limit)
}
