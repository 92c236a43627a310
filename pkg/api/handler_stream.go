package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// streamHandler handles GET /api/v1/jobs/:id/stream: the job's event
// log as Server-Sent Events, replaying everything after after_seq and
// then following live. The connection closes once the stream manager
// reports the job quiescent, so EventSource auto-reconnect does not
// loop on finished jobs.
func (s *Server) streamHandler(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}
	afterSeq, httpErr := parseAfterSeq(c)
	if httpErr != nil {
		return httpErr
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.streamCfg.MaxStreamDuration)
	defer cancel()

	// Subscribe before committing to the SSE response so an unknown
	// job still gets a plain 404.
	stream, err := s.streams.OpenStream(ctx, jobID, afterSeq)
	if err != nil {
		return mapServiceError(err)
	}
	defer stream.Close()

	w := c.Response()
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Long-lived response: the server-wide write deadline must not
	// apply, and every frame needs an explicit flush.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	heartbeat := time.NewTicker(s.streamCfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var idleCh <-chan time.Time
	var idle *time.Timer
	if s.streamCfg.IdleTimeout > 0 {
		idle = time.NewTimer(s.streamCfg.IdleTimeout)
		defer idle.Stop()
		idleCh = idle.C
	}

	for {
		select {
		case ev, ok := <-stream.C:
			if !ok {
				if err := stream.Err(); err != nil && ctx.Err() == nil {
					_ = writeSSEEvent(w, rc, "error", map[string]string{"message": "stream failed"})
				}
				return nil
			}
			if err := writeSSEEvent(w, rc, string(ev.EventType), ev); err != nil {
				return nil
			}
			if idle != nil {
				idle.Reset(s.streamCfg.IdleTimeout)
			}
		case <-heartbeat.C:
			if err := writeSSEHeartbeat(w, rc); err != nil {
				return nil
			}
		case <-idleCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// writeSSEEvent writes one named SSE frame and flushes it.
func writeSSEEvent(w io.Writer, rc *http.ResponseController, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	return rc.Flush()
}

// writeSSEHeartbeat writes an SSE comment frame to keep intermediaries
// from timing out an otherwise quiet connection.
func writeSSEHeartbeat(w io.Writer, rc *http.ResponseController) error {
	if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
		return err
	}
	return rc.Flush()
}
