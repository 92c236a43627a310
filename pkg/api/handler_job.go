package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

// createJobHandler handles POST /api/v1/jobs. Submission is
// asynchronous: a 202 means the job is queued, not finished. When the
// input is ambiguous the response is a 200 with candidates and no job
// is created.
func (s *Server) createJobHandler(c *echo.Context) error {
	var req CreateJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Source == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "source field is required")
	}
	if len(req.Input) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "input field is required")
	}

	result, err := s.jobService.Create(c.Request().Context(), models.CreateJobRequest{
		Source:         models.Source(req.Source),
		Input:          req.Input,
		Options:        req.Options,
		RequestedCards: req.RequestedCards,
		UserID:         extractUser(c),
	})
	if err != nil {
		return mapServiceError(err)
	}

	if result.NeedsConfirmation {
		return c.JSON(http.StatusOK, &CreateJobResponse{
			NeedsConfirmation: true,
			Candidates:        result.Candidates,
		})
	}
	return c.JSON(http.StatusAccepted, &CreateJobResponse{
		JobID:  result.JobID,
		Status: "queued",
	})
}

// getJobHandler handles GET /api/v1/jobs/:id. The snapshot carries the
// last event sequence so a client can open a stream without a gap.
func (s *Server) getJobHandler(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	snap, err := s.jobService.Snapshot(c.Request().Context(), jobID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// cancelJobHandler handles POST /api/v1/jobs/:id/cancel. Cancellation
// is asynchronous: running cards wind down after the 202.
func (s *Server) cancelJobHandler(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	if err := s.jobService.Cancel(c.Request().Context(), jobID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, &CancelResponse{
		JobID:   jobID,
		Message: "cancellation requested",
	})
}
