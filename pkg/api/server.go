// Package api exposes the HTTP surface of the engine: job submission
// and lifecycle, event replay, live streaming over SSE and WebSocket,
// and the operational endpoints (health, readiness, metrics).
//
// Handlers stay thin: they bind and validate transport concerns, then
// delegate to the services layer. All domain errors are translated in
// one place (mapServiceError) so handlers never hand-roll status codes.
package api

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/events"
	"github.com/mosaiclabs/mosaic/pkg/metrics"
	"github.com/mosaiclabs/mosaic/pkg/queue"
	"github.com/mosaiclabs/mosaic/pkg/services"
)

// Server hosts the HTTP API.
type Server struct {
	echo         *echo.Echo
	db           *sql.DB
	jobService   *services.JobService
	eventService *services.EventService
	streams      *events.SubscriberManager
	sched        *queue.Scheduler
	streamCfg    *config.StreamConfig

	mu     sync.Mutex
	server *http.Server
}

// NewServer wires the handlers and middleware. sched may be nil when
// this replica serves HTTP only; the health endpoint then skips the
// scheduler check.
func NewServer(db *sql.DB, jobService *services.JobService, eventService *services.EventService,
	streams *events.SubscriberManager, sched *queue.Scheduler, streamCfg *config.StreamConfig) *Server {
	if streamCfg == nil {
		streamCfg = config.DefaultStreamConfig()
	}
	s := &Server{
		db:           db,
		jobService:   jobService,
		eventService: eventService,
		streams:      streams,
		sched:        sched,
		streamCfg:    streamCfg,
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(requestLogger())

	e.POST("/api/v1/jobs", s.createJobHandler)
	e.GET("/api/v1/jobs/:id", s.getJobHandler)
	e.POST("/api/v1/jobs/:id/cancel", s.cancelJobHandler)
	e.GET("/api/v1/jobs/:id/events", s.listEventsHandler)
	e.GET("/api/v1/jobs/:id/stream", s.streamHandler)
	e.GET("/api/v1/jobs/:id/ws", s.wsHandler)

	e.GET("/healthz", s.healthHandler)
	e.GET("/readyz", s.readyHandler)
	e.GET("/metrics", func(c *echo.Context) error {
		metrics.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	s.echo = e
	return s
}

// Start serves on addr and blocks until the listener closes. Returns
// http.ErrServerClosed after a graceful Shutdown.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	return srv.ListenAndServe()
}

// StartWithListener serves on an existing listener, so callers that
// bind port zero know the address before traffic arrives.
func (s *Server) StartWithListener(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	return srv.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight
// requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
