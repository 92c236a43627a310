package config

import (
	"fmt"
	"sync"
)

// StreamingSpecConfig declares delta routing for a card's LLM output.
type StreamingSpecConfig struct {
	Field    string   `yaml:"field"`
	Format   string   `yaml:"format"`
	Sections []string `yaml:"sections,omitempty"`
	Route    string   `yaml:"route"`
}

// PlanCardConfig describes one card in a source plan.
type PlanCardConfig struct {
	CardType         string               `yaml:"card_type"`
	DependsOn        []string             `yaml:"depends_on,omitempty"`
	OptionalDeps     []string             `yaml:"optional_deps,omitempty"`
	Priority         int                  `yaml:"priority,omitempty"`
	ConcurrencyGroup string               `yaml:"concurrency_group,omitempty"`
	Input            map[string]any       `yaml:"input,omitempty"`
	Streaming        *StreamingSpecConfig `yaml:"streaming,omitempty"`
	BudgetMS         int                  `yaml:"budget_ms,omitempty"`

	// Idempotent declares the card's upstream fetch safe to repeat,
	// which is what makes its timeouts retryable.
	Idempotent bool `yaml:"idempotent,omitempty"`
}

// PlanConfig is the complete card plan for one source. Order matters:
// cards are created in list order, which breaks priority ties during
// claiming.
type PlanConfig struct {
	Cards []PlanCardConfig `yaml:"cards"`

	// Refinements are deferred background cards the executor may
	// enqueue when a budget runs out. They are not part of the initial
	// plan.
	Refinements []PlanCardConfig `yaml:"refinements,omitempty"`
}

// PlanRegistry stores card plans per source with thread-safe access.
type PlanRegistry struct {
	plans map[string]*PlanConfig
	mu    sync.RWMutex
}

// NewPlanRegistry creates a plan registry from the given map.
func NewPlanRegistry(plans map[string]*PlanConfig) *PlanRegistry {
	copied := make(map[string]*PlanConfig, len(plans))
	for k, v := range plans {
		copied[k] = v
	}
	return &PlanRegistry{plans: copied}
}

// Get retrieves the plan for a source.
func (r *PlanRegistry) Get(source string) (*PlanConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plan, ok := r.plans[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, source)
	}
	return plan, nil
}

// Has checks whether a plan exists for a source.
func (r *PlanRegistry) Has(source string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.plans[source]
	return ok
}

// Sources returns the configured source names.
func (r *PlanRegistry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.plans))
	for s := range r.plans {
		out = append(out, s)
	}
	return out
}

// Len returns the number of plans in the registry.
func (r *PlanRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plans)
}

// mergePlans merges built-in and user-defined plans. A user plan
// replaces the built-in plan for the same source wholesale; partial
// plan edits are not supported because card DAG fragments are easy to
// get wrong silently.
func mergePlans(builtin map[string]PlanConfig, user map[string]PlanConfig) map[string]*PlanConfig {
	result := make(map[string]*PlanConfig)
	for source, plan := range builtin {
		planCopy := plan
		result[source] = &planCopy
	}
	for source, plan := range user {
		planCopy := plan
		result[source] = &planCopy
	}
	return result
}
