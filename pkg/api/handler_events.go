package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// parseAfterSeq reads the after_seq query parameter shared by the
// replay, SSE, and WebSocket endpoints. Zero means "from the start".
func parseAfterSeq(c *echo.Context) (int64, *echo.HTTPError) {
	raw := c.QueryParam("after_seq")
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "after_seq must be a non-negative integer")
	}
	return seq, nil
}

// listEventsHandler handles GET /api/v1/jobs/:id/events, one page of
// the persisted log in sequence order. Clients page by passing the last
// seq they saw as after_seq.
func (s *Server) listEventsHandler(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}
	afterSeq, httpErr := parseAfterSeq(c)
	if httpErr != nil {
		return httpErr
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	evs, err := s.eventService.List(c.Request().Context(), jobID, afterSeq, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &EventsResponse{JobID: jobID, Events: evs})
}
