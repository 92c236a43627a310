package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsWriteTimeout bounds a single frame write to one client so a stalled
// connection cannot block the stream goroutine.
const wsWriteTimeout = 10 * time.Second

// wsHandler handles GET /api/v1/jobs/:id/ws: the same ordered stream
// as SSE, framed as one JSON text message per event. The client is not
// expected to send anything; inbound frames are drained and dropped.
func (s *Server) wsHandler(c *echo.Context) error {
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

	// Subscribe before the upgrade so an unknown job fails with a
	// regular 404 instead of a post-handshake close.
	stream, err := s.streams.OpenStream(ctx, jobID, afterSeq)
	if err != nil {
		return mapServiceError(err)
	}
	defer stream.Close()

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Origin checks happen at the authenticating proxy in front of
		// this service.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	// Drain client frames; a read error means the peer went away and
	// the write loop should stop.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

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
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if err := writeWS(ctx, conn, data); err != nil {
				return nil
			}
			if idle != nil {
				idle.Reset(s.streamCfg.IdleTimeout)
			}
		case <-heartbeat.C:
			if err := pingWS(ctx, conn); err != nil {
				return nil
			}
		case <-idleCh:
			_ = conn.Close(websocket.StatusNormalClosure, "idle")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func writeWS(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func pingWS(ctx context.Context, conn *websocket.Conn) error {
	pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Ping(pingCtx)
}
