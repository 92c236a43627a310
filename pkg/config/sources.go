package config

import "time"

// RateLimit caps outbound requests to one upstream.
type RateLimit struct {
	// RPS is the sustained requests-per-second allowance.
	RPS float64 `yaml:"rps"`

	// Burst is the short-term burst allowance.
	Burst int `yaml:"burst"`
}

// UpstreamConfig configures one source-specific fetcher.
type UpstreamConfig struct {
	// BaseURL is the upstream API root.
	BaseURL string `yaml:"base_url"`

	// TokenEnv names the environment variable holding an auth token.
	// Empty means unauthenticated access.
	TokenEnv string `yaml:"token_env"`

	// RequestTimeout bounds a single HTTP request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RetryCount is the per-request transport retry budget.
	RetryCount int `yaml:"retry_count"`

	// PageSize is the per-page item count for paged endpoints.
	PageSize int `yaml:"page_size"`

	// Rate caps outbound request rate toward this upstream.
	Rate RateLimit `yaml:"rate"`
}

// SourcesConfig groups the upstream fetcher settings per source.
type SourcesConfig struct {
	GitHub   *UpstreamConfig `yaml:"github"`
	Scholar  *UpstreamConfig `yaml:"scholar"`
	LinkedIn *UpstreamConfig `yaml:"linkedin"`
}

// DefaultSourcesConfig returns the built-in upstream defaults.
func DefaultSourcesConfig() *SourcesConfig {
	return &SourcesConfig{
		GitHub: &UpstreamConfig{
			BaseURL:        "https://api.github.com",
			TokenEnv:       "GITHUB_TOKEN",
			RequestTimeout: 10 * time.Second,
			RetryCount:     2,
			PageSize:       100,
			Rate:           RateLimit{RPS: 5, Burst: 10},
		},
		Scholar: &UpstreamConfig{
			BaseURL:        "https://scholar.google.com",
			RequestTimeout: 15 * time.Second,
			RetryCount:     2,
			PageSize:       20,
			Rate:           RateLimit{RPS: 1, Burst: 2},
		},
		LinkedIn: &UpstreamConfig{
			BaseURL:        "https://www.linkedin.com",
			RequestTimeout: 20 * time.Second,
			RetryCount:     1,
			PageSize:       25,
			Rate:           RateLimit{RPS: 0.5, Burst: 1},
		},
	}
}

// For returns the upstream config for a source name, or nil when the
// source has none.
func (c *SourcesConfig) For(source string) *UpstreamConfig {
	switch source {
	case "github":
		return c.GitHub
	case "scholar":
		return c.Scholar
	case "linkedin":
		return c.LinkedIn
	}
	return nil
}
