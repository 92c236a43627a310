package config

import (
	"fmt"
	"strings"
)

// ConfigValidator validates configuration comprehensively with clear
// error messages.
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation, failing at the first
// error. Plans are validated last so cross-references hit validated
// sections.
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateEngine(); err != nil {
		return fmt.Errorf("engine validation failed: %w", err)
	}
	if err := v.validateStream(); err != nil {
		return fmt.Errorf("stream validation failed: %w", err)
	}
	if err := v.validateBackplane(); err != nil {
		return fmt.Errorf("backplane validation failed: %w", err)
	}
	if err := v.validateLLM(); err != nil {
		return fmt.Errorf("llm validation failed: %w", err)
	}
	if err := v.validateSources(); err != nil {
		return fmt.Errorf("sources validation failed: %w", err)
	}
	if err := v.validatePlans(); err != nil {
		return fmt.Errorf("plan validation failed: %w", err)
	}
	return nil
}

func (v *ConfigValidator) validateEngine() error {
	e := v.cfg.Engine
	if e.MaxWorkers < 1 {
		return NewValidationError("engine", "engine", "max_workers", fmt.Errorf("must be at least 1"))
	}
	if e.ClaimBatchSize < 1 {
		return NewValidationError("engine", "engine", "claim_batch_size", fmt.Errorf("must be at least 1"))
	}
	if e.PollInterval <= 0 {
		return NewValidationError("engine", "engine", "poll_interval", fmt.Errorf("must be positive"))
	}
	if e.MaxAttempts < 1 {
		return NewValidationError("engine", "engine", "max_attempts", fmt.Errorf("must be at least 1"))
	}
	for group, cap := range e.ConcurrencyCaps {
		if cap < 0 {
			return NewValidationError("engine", "engine", "concurrency_caps",
				fmt.Errorf("group '%s': cap must not be negative", group))
		}
	}
	if e.SoftBudgetDefault <= 0 {
		return NewValidationError("engine", "engine", "soft_budget_default", fmt.Errorf("must be positive"))
	}
	if e.HardTimeoutDefault < e.SoftBudgetDefault {
		return NewValidationError("engine", "engine", "hard_timeout_default",
			fmt.Errorf("must not be below soft_budget_default"))
	}
	return nil
}

func (v *ConfigValidator) validateStream() error {
	s := v.cfg.Stream
	if s.HeartbeatInterval <= 0 {
		return NewValidationError("stream", "stream", "heartbeat_interval", fmt.Errorf("must be positive"))
	}
	if s.MaxStreamDuration <= 0 {
		return NewValidationError("stream", "stream", "max_stream_duration", fmt.Errorf("must be positive"))
	}
	if s.ReplayPageSize < 1 {
		return NewValidationError("stream", "stream", "replay_page_size", fmt.Errorf("must be at least 1"))
	}
	return nil
}

func (v *ConfigValidator) validateBackplane() error {
	b := v.cfg.Backplane
	if !b.Mode.IsValid() {
		return NewValidationError("backplane", "backplane", "mode",
			fmt.Errorf("%w: %s", ErrInvalidValue, b.Mode))
	}
	if b.Mode != BackplaneModeNone && !b.Driver.IsValid() {
		return NewValidationError("backplane", "backplane", "driver",
			fmt.Errorf("%w: %s", ErrInvalidValue, b.Driver))
	}
	return nil
}

func (v *ConfigValidator) validateLLM() error {
	l := v.cfg.LLM
	if !l.Provider.IsValid() {
		return NewValidationError("llm", "llm", "provider",
			fmt.Errorf("%w: %s", ErrInvalidValue, l.Provider))
	}
	if l.Model == "" {
		return NewValidationError("llm", "llm", "model", ErrMissingRequiredField)
	}
	if l.MaxTokens < 1 {
		return NewValidationError("llm", "llm", "max_tokens", fmt.Errorf("must be at least 1"))
	}
	if l.DefaultTimeout <= 0 {
		return NewValidationError("llm", "llm", "default_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateSources() error {
	for _, source := range v.cfg.Plans.Sources() {
		up := v.cfg.Sources.For(source)
		if up == nil {
			return NewValidationError("sources", source, "", fmt.Errorf("no upstream config for planned source"))
		}
		if up.BaseURL == "" {
			return NewValidationError("sources", source, "base_url", ErrMissingRequiredField)
		}
		if up.RequestTimeout <= 0 {
			return NewValidationError("sources", source, "request_timeout", fmt.Errorf("must be positive"))
		}
		if up.Rate.RPS <= 0 {
			return NewValidationError("sources", source, "rate.rps", fmt.Errorf("must be positive"))
		}
	}
	return nil
}

func (v *ConfigValidator) validatePlans() error {
	if v.cfg.Plans.Len() == 0 {
		return NewValidationError("plan", "plans", "", fmt.Errorf("at least one source plan required"))
	}

	for _, source := range v.cfg.Plans.Sources() {
		plan, err := v.cfg.Plans.Get(source)
		if err != nil {
			return err
		}
		if err := v.validatePlan(source, plan); err != nil {
			return err
		}
	}
	return nil
}

func (v *ConfigValidator) validatePlan(source string, plan *PlanConfig) error {
	if len(plan.Cards) == 0 {
		return NewValidationError("plan", source, "cards", fmt.Errorf("at least one card required"))
	}

	types := make(map[string]bool, len(plan.Cards))
	for _, card := range plan.Cards {
		if card.CardType == "" {
			return NewValidationError("plan", source, "card_type", ErrMissingRequiredField)
		}
		if types[card.CardType] {
			return NewValidationError("plan", source, "cards",
				fmt.Errorf("duplicate card type '%s'", card.CardType))
		}
		types[card.CardType] = true
		if card.Priority < 0 {
			return NewValidationError("plan", source, card.CardType,
				fmt.Errorf("priority must not be negative"))
		}
		if card.Streaming != nil {
			if card.Streaming.Route != "linear" && card.Streaming.Route != "marker" {
				return NewValidationError("plan", source, card.CardType,
					fmt.Errorf("streaming route must be linear or marker, got '%s'", card.Streaming.Route))
			}
			if card.Streaming.Field == "" {
				return NewValidationError("plan", source, card.CardType,
					fmt.Errorf("streaming field required"))
			}
		}
	}

	if !types["full_report"] {
		return NewValidationError("plan", source, "cards",
			fmt.Errorf("terminal full_report card required"))
	}

	// All dependency edges must point at plan cards.
	for _, card := range plan.Cards {
		for _, dep := range append(append([]string{}, card.DependsOn...), card.OptionalDeps...) {
			if !types[dep] {
				return NewValidationError("plan", source, card.CardType,
					fmt.Errorf("dependency '%s' not in plan", dep))
			}
			if dep == card.CardType {
				return NewValidationError("plan", source, card.CardType,
					fmt.Errorf("card depends on itself"))
			}
		}
	}

	if cycle := findCycle(plan.Cards); len(cycle) > 0 {
		return NewValidationError("plan", source, "cards",
			fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> ")))
	}

	for _, card := range plan.Refinements {
		if card.CardType == "" {
			return NewValidationError("plan", source, "refinements", ErrMissingRequiredField)
		}
		if types[card.CardType] {
			return NewValidationError("plan", source, "refinements",
				fmt.Errorf("refinement '%s' collides with a planned card", card.CardType))
		}
		if card.Priority < 1 {
			return NewValidationError("plan", source, card.CardType,
				fmt.Errorf("refinements must run at background priority (>= 1)"))
		}
	}

	return nil
}

// findCycle runs Kahn's algorithm over the card DAG (required plus
// optional edges) and returns the residual cards when a cycle blocks
// completion, empty otherwise.
func findCycle(cards []PlanCardConfig) []string {
	indegree := make(map[string]int, len(cards))
	dependents := make(map[string][]string)
	for _, card := range cards {
		deps := append(append([]string{}, card.DependsOn...), card.OptionalDeps...)
		indegree[card.CardType] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], card.CardType)
		}
	}

	var queue []string
	for t, n := range indegree {
		if n == 0 {
			queue = append(queue, t)
		}
	}

	resolved := 0
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		resolved++
		for _, d := range dependents[t] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if resolved == len(cards) {
		return nil
	}
	var residual []string
	for t, n := range indegree {
		if n > 0 {
			residual = append(residual, t)
		}
	}
	return residual
}
