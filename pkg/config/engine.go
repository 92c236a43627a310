package config

import "time"

// EngineConfig holds scheduler and worker pool settings.
type EngineConfig struct {
	// MaxWorkers is the number of card workers in the pool.
	MaxWorkers int `yaml:"max_workers"`

	// ClaimBatchSize caps how many ready cards one claim picks up.
	ClaimBatchSize int `yaml:"claim_batch_size"`

	// PollInterval is the idle cadence of the claim loop. Bus wakeups
	// short-circuit the wait.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter randomizes the poll interval by +/- this value
	// to avoid thundering herd across replicas.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// ConcurrencyCaps limits running cards per concurrency group across
	// all jobs. Groups absent from the map are uncapped.
	ConcurrencyCaps map[string]int `yaml:"concurrency_caps"`

	// MaxAttempts is the per-card attempt ceiling for retryable errors.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoffBase seeds the jittered exponential retry backoff.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`

	// SoftBudgetDefault is the per-card soft budget when the plan does
	// not declare one. Past it, cards degrade and defer refinement.
	SoftBudgetDefault time.Duration `yaml:"soft_budget_default"`

	// HardTimeoutDefault bounds a single card execution when the plan
	// does not declare a card-specific hard timeout.
	HardTimeoutDefault time.Duration `yaml:"hard_timeout_default"`

	// CardBudgets overrides the soft budget per card type.
	CardBudgets map[string]time.Duration `yaml:"card_budgets"`

	// HardTimeouts overrides the hard timeout per card type.
	HardTimeouts map[string]time.Duration `yaml:"hard_timeouts"`

	// HeartbeatInterval is how often running workers refresh card
	// heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// OrphanThreshold is the heartbeat age past which a running card is
	// considered orphaned by a dead worker.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// OrphanSweepInterval is the cadence of the orphan recovery loop.
	OrphanSweepInterval time.Duration `yaml:"orphan_sweep_interval"`

	// GracefulShutdownTimeout bounds how long Stop waits for in-flight
	// cards before giving up.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxWorkers:         8,
		ClaimBatchSize:     8,
		PollInterval:       1 * time.Second,
		PollIntervalJitter: 500 * time.Millisecond,
		ConcurrencyCaps: map[string]int{
			"llm":             2,
			"scrape:github":   3,
			"scrape:scholar":  2,
			"scrape:linkedin": 1,
		},
		MaxAttempts:        2,
		RetryBackoffBase:   500 * time.Millisecond,
		SoftBudgetDefault:  30 * time.Second,
		HardTimeoutDefault: 60 * time.Second,
		CardBudgets:        map[string]time.Duration{},
		HardTimeouts: map[string]time.Duration{
			"resource.linkedin.raw_profile": 90 * time.Second,
			"resource.scholar.pages":        90 * time.Second,
		},
		HeartbeatInterval:       5 * time.Second,
		OrphanThreshold:         2 * time.Minute,
		OrphanSweepInterval:     30 * time.Second,
		GracefulShutdownTimeout: 25 * time.Second,
	}
}

// BudgetFor returns the soft budget for a card type.
func (c *EngineConfig) BudgetFor(cardType string) time.Duration {
	if d, ok := c.CardBudgets[cardType]; ok && d > 0 {
		return d
	}
	return c.SoftBudgetDefault
}

// HardTimeoutFor returns the hard execution timeout for a card type.
func (c *EngineConfig) HardTimeoutFor(cardType string) time.Duration {
	if d, ok := c.HardTimeouts[cardType]; ok && d > 0 {
		return d
	}
	return c.HardTimeoutDefault
}

// CapFor returns the concurrency cap for a group, or 0 when the group
// is uncapped.
func (c *EngineConfig) CapFor(group string) int {
	if group == "" {
		return 0
	}
	return c.ConcurrencyCaps[group]
}
