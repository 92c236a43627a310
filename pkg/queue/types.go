package queue

import (
	"context"
	"time"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

// CardExecutor runs one card attempt and owns every terminal card
// transition, including the events that go with it. The scheduler
// decides when to run, retry, fail, or cancel; the executor decides
// what those transitions mean.
type CardExecutor interface {
	// ExecuteCard runs the card's handler and commits the completed
	// transition. The context carries the card's hard timeout.
	ExecuteCard(ctx context.Context, card *models.Card) error

	// Fail moves a running card to failed and settles the job.
	Fail(ctx context.Context, card *models.Card, kind models.ErrorKind, message string) error

	// Cancel moves a running card to cancelled and settles the job.
	Cancel(ctx context.Context, card *models.Card) error
}

// Health is a point-in-time snapshot of the scheduler, reported by the
// readiness endpoint.
type Health struct {
	WorkerID         string    `json:"worker_id"`
	Started          bool      `json:"started"`
	Workers          int       `json:"workers"`
	Inflight         int       `json:"inflight"`
	ActiveJobs       int       `json:"active_jobs"`
	LastOrphanSweep  time.Time `json:"last_orphan_sweep"`
	OrphansRequeued  int       `json:"orphans_requeued"`
	OrphansExhausted int       `json:"orphans_exhausted"`
}
