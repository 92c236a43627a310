package config

// Config is the umbrella configuration object returned by Initialize
// and threaded through the application.
type Config struct {
	configDir string

	Engine    *EngineConfig
	Stream    *StreamConfig
	Backplane *BackplaneConfig
	Cache     *CacheConfig
	Retention *RetentionConfig
	Redis     *RedisConfig
	Masking   *MaskingConfig
	LLM       *LLMConfig
	Sources   *SourcesConfig
	Plans     *PlanRegistry
}

// ConfigDir returns the configuration directory path, empty when the
// process runs on built-in defaults.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats contains statistics about loaded configuration.
type Stats struct {
	Plans        int
	CappedGroups int
	MaxWorkers   int
}

// Stats returns configuration statistics for startup logging.
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Plans != nil {
		s.Plans = c.Plans.Len()
	}
	if c.Engine != nil {
		s.CappedGroups = len(c.Engine.ConcurrencyCaps)
		s.MaxWorkers = c.Engine.MaxWorkers
	}
	return s
}

// GetPlan retrieves the card plan for a source. Convenience wrapper
// around PlanRegistry.Get.
func (c *Config) GetPlan(source string) (*PlanConfig, error) {
	return c.Plans.Get(source)
}

// KnownGroups returns every concurrency group referenced by plans or
// capped in the engine config.
func (c *Config) KnownGroups() map[string]bool {
	groups := make(map[string]bool)
	for g := range c.Engine.ConcurrencyCaps {
		groups[g] = true
	}
	for _, source := range c.Plans.Sources() {
		plan, err := c.Plans.Get(source)
		if err != nil {
			continue
		}
		for _, card := range plan.Cards {
			if card.ConcurrencyGroup != "" {
				groups[card.ConcurrencyGroup] = true
			}
		}
		for _, card := range plan.Refinements {
			if card.ConcurrencyGroup != "" {
				groups[card.ConcurrencyGroup] = true
			}
		}
	}
	return groups
}

// KnownCardTypes returns every card type referenced by any plan.
func (c *Config) KnownCardTypes() map[string]bool {
	types := make(map[string]bool)
	for _, source := range c.Plans.Sources() {
		plan, err := c.Plans.Get(source)
		if err != nil {
			continue
		}
		for _, card := range plan.Cards {
			types[card.CardType] = true
		}
		for _, card := range plan.Refinements {
			types[card.CardType] = true
		}
	}
	return types
}

// KnownLLMTasks returns every LLM task name declared in plan inputs.
func (c *Config) KnownLLMTasks() map[string]bool {
	tasks := make(map[string]bool)
	for _, source := range c.Plans.Sources() {
		plan, err := c.Plans.Get(source)
		if err != nil {
			continue
		}
		for _, card := range append(plan.Cards, plan.Refinements...) {
			if task, ok := card.Input["task"].(string); ok && task != "" {
				tasks[task] = true
			}
		}
	}
	return tasks
}
