package config

import "time"

// LLMConfig selects and configures the chat provider used for
// derivation cards.
type LLMConfig struct {
	// Provider picks the adapter.
	Provider LLMProviderType `yaml:"provider"`

	// Model is the provider-specific model identifier.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider endpoint (openai-compatible
	// gateways, test servers). Empty uses the provider default.
	BaseURL string `yaml:"base_url"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// DefaultTimeout is the hard per-call timeout when no task-specific
	// timeout applies.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// TaskTimeouts overrides the hard timeout per LLM task (for example
	// "github.enrich", "roast", "summary", "best_pr").
	TaskTimeouts map[string]time.Duration `yaml:"task_timeouts"`
}

// DefaultLLMConfig returns the built-in LLM defaults.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Provider:       LLMProviderAnthropic,
		Model:          "claude-sonnet-4-5",
		APIKeyEnv:      "ANTHROPIC_API_KEY",
		MaxTokens:      4096,
		Temperature:    0.7,
		DefaultTimeout: 45 * time.Second,
		TaskTimeouts:   map[string]time.Duration{},
	}
}

// TimeoutFor returns the hard timeout for an LLM task.
func (c *LLMConfig) TimeoutFor(task string) time.Duration {
	if d, ok := c.TaskTimeouts[task]; ok && d > 0 {
		return d
	}
	return c.DefaultTimeout
}
