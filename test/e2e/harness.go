// Package e2e provides end-to-end test infrastructure for the mosaic
// analysis pipeline. Each test boots the full engine in-process the way
// cmd/mosaic does: real Postgres, real scheduler and workers, real HTTP
// server on a random local port. Only the edges are scripted: upstream
// fetchers and the model client play canned results so runs are fast
// and deterministic.
package e2e

import (
	"context"
	"database/sql"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mosaiclabs/mosaic/pkg/api"
	"github.com/mosaiclabs/mosaic/pkg/cache"
	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/events"
	"github.com/mosaiclabs/mosaic/pkg/fetch"
	"github.com/mosaiclabs/mosaic/pkg/llm"
	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/pipeline"
	"github.com/mosaiclabs/mosaic/pkg/queue"
	"github.com/mosaiclabs/mosaic/pkg/rules"
	"github.com/mosaiclabs/mosaic/pkg/services"
	"github.com/mosaiclabs/mosaic/pkg/store"
	"github.com/mosaiclabs/mosaic/test/util"
)

// TestApp is one running engine replica under test.
type TestApp struct {
	t *testing.T

	DB        *sql.DB
	Jobs      *store.JobStore
	Events    *store.EventStore
	Artifacts *store.ArtifactStore

	LLM      *llm.ScriptedClient
	GitHub   *fetch.ScriptedFetcher
	Scholar  *fetch.ScriptedFetcher
	LinkedIn *fetch.ScriptedFetcher
	Fetchers *fetch.Registry

	Publisher *events.Publisher
	Streams   *events.SubscriberManager
	Scheduler *queue.Scheduler
	Server    *api.Server

	// BaseURL is the root of the replica's HTTP API, e.g.
	// http://127.0.0.1:49152.
	BaseURL string
}

type testAppConfig struct {
	engine   *config.EngineConfig
	stream   *config.StreamConfig
	plans    *config.PlanRegistry
	llm      *llm.ScriptedClient
	db       *sql.DB
	workerID string
}

// TestAppOption customizes the engine under test.
type TestAppOption func(*testAppConfig)

// defaultTestAppConfig shrinks the production timings so tests converge
// in milliseconds instead of seconds.
func defaultTestAppConfig() *testAppConfig {
	eng := config.DefaultEngineConfig()
	eng.MaxWorkers = 4
	eng.ClaimBatchSize = 4
	eng.PollInterval = 50 * time.Millisecond
	eng.PollIntervalJitter = 25 * time.Millisecond
	eng.RetryBackoffBase = 20 * time.Millisecond
	eng.HeartbeatInterval = 1 * time.Second
	eng.GracefulShutdownTimeout = 5 * time.Second

	stream := config.DefaultStreamConfig()
	stream.HeartbeatInterval = 1 * time.Second

	return &testAppConfig{
		engine:   eng,
		stream:   stream,
		workerID: "e2e-worker",
	}
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) TestAppOption {
	return func(c *testAppConfig) { c.engine.MaxWorkers = n }
}

// WithConcurrencyCap caps one concurrency group across all jobs.
func WithConcurrencyCap(group string, limit int) TestAppOption {
	return func(c *testAppConfig) { c.engine.ConcurrencyCaps[group] = limit }
}

// WithMaxAttempts sets the per-card attempt ceiling for retryable
// failures.
func WithMaxAttempts(n int) TestAppOption {
	return func(c *testAppConfig) { c.engine.MaxAttempts = n }
}

// WithCardBudget overrides one card type's soft budget. Tiny budgets
// force the degradation paths.
func WithCardBudget(cardType string, d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.engine.CardBudgets[cardType] = d }
}

// WithHardTimeout overrides one card type's hard execution timeout.
func WithHardTimeout(cardType string, d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.engine.HardTimeouts[cardType] = d }
}

// WithPlans replaces the builtin plan registry.
func WithPlans(plans *config.PlanRegistry) TestAppOption {
	return func(c *testAppConfig) { c.plans = plans }
}

// WithLLM shares one scripted model across replicas so call counts
// stay meaningful when either replica may claim an LLM card.
func WithLLM(client *llm.ScriptedClient) TestAppOption {
	return func(c *testAppConfig) { c.llm = client }
}

// WithDB shares one database across replicas. The first app owns the
// schema; later apps join it.
func WithDB(db *sql.DB) TestAppOption {
	return func(c *testAppConfig) { c.db = db }
}

// WithWorkerID names the replica; card claims record it.
func WithWorkerID(id string) TestAppOption {
	return func(c *testAppConfig) { c.workerID = id }
}

// NewTestApp boots a full engine replica and registers cleanup in
// reverse boot order. The returned app is already serving HTTP and its
// workers are polling.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	cfg := defaultTestAppConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.plans == nil {
		cfg.plans = builtinPlans()
	}
	if cfg.llm == nil {
		cfg.llm = llm.NewScriptedClient()
	}
	db := cfg.db
	if db == nil {
		db = util.SetupTestDatabase(t)
	}

	clock := models.SystemClock{}
	jobs := store.NewJobStore(db, clock)
	eventStore := store.NewEventStore(db, clock)
	artifacts := store.NewArtifactStore(db, clock)

	bus := events.NewBus()
	backplane := events.NoopBackplane{}
	backplaneCfg := config.DefaultBackplaneConfig()
	publisher := events.NewPublisher(db, eventStore, bus, backplane, backplaneCfg, nil)
	subscribers := events.NewSubscriberManager(jobs, eventStore, bus, backplane, backplaneCfg, cfg.stream)

	app := &TestApp{
		t:         t,
		DB:        db,
		Jobs:      jobs,
		Events:    eventStore,
		Artifacts: artifacts,
		LLM:       cfg.llm,
		GitHub:    fetch.NewScriptedFetcher(),
		Scholar:   fetch.NewScriptedFetcher(),
		LinkedIn:  fetch.NewScriptedFetcher(),
		Publisher: publisher,
		Streams:   subscribers,
	}

	fetchers := fetch.NewRegistry()
	fetchers.Register("github", app.GitHub)
	fetchers.Register("scholar", app.Scholar)
	fetchers.Register("linkedin", app.LinkedIn)
	app.Fetchers = fetchers

	ruleEngine := rules.NewEngine(cfg.plans)
	subjects := cache.NewSubjectCache(config.DefaultCacheConfig(), jobs, artifacts, nil, "", clock)

	executor := pipeline.NewExecutor(pipeline.Deps{
		DB:        db,
		Jobs:      jobs,
		Artifacts: artifacts,
		Publisher: publisher,
		Rules:     ruleEngine,
		Fetchers:  fetchers,
		Subjects:  subjects,
		LLM:       cfg.llm,
		Clock:     clock,
		Engine:    cfg.engine,
	})

	app.Scheduler = queue.NewScheduler(cfg.workerID, cfg.engine, jobs, executor, clock)
	require.NoError(t, app.Scheduler.Start(context.Background()))

	jobService := services.NewJobService(jobs, ruleEngine, fetchers, publisher, app.Scheduler)
	eventService := services.NewEventService(jobs, eventStore, cfg.stream)
	app.Server = api.NewServer(db, jobService, eventService, subscribers, app.Scheduler, cfg.stream)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Server.StartWithListener(ln) }()
	app.BaseURL = "http://" + ln.Addr().String()

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.Server.Shutdown(shutdownCtx); err != nil {
			t.Logf("server shutdown: %v", err)
		}
		app.Scheduler.Stop()
	})

	return app
}

// builtinPlans copies the builtin plan set into a fresh registry so a
// test can mutate its copy without touching the package singleton.
func builtinPlans() *config.PlanRegistry {
	plans := make(map[string]*config.PlanConfig)
	for source, plan := range config.GetBuiltinConfig().Plans {
		p := plan
		plans[source] = &p
	}
	return config.NewPlanRegistry(plans)
}
