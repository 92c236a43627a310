package config

import "time"

// StreamConfig holds subscriber-facing streaming settings shared by the
// SSE and WebSocket endpoints.
type StreamConfig struct {
	// HeartbeatInterval is how long a stream may stay silent before a
	// keep-alive is written.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxStreamDuration bounds the total lifetime of one subscription.
	MaxStreamDuration time.Duration `yaml:"max_stream_duration"`

	// IdleTimeout drops subscriptions that saw no events at all for
	// this long. Zero disables the idle check.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ReplayPageSize is how many events one catch-up page loads.
	ReplayPageSize int `yaml:"replay_page_size"`
}

// DefaultStreamConfig returns the built-in streaming defaults.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		HeartbeatInterval: 15 * time.Second,
		MaxStreamDuration: 5 * time.Minute,
		IdleTimeout:       0,
		ReplayPageSize:    200,
	}
}

// BackplaneConfig holds cross-process event notification settings.
type BackplaneConfig struct {
	Mode   BackplaneMode   `yaml:"mode"`
	Driver BackplaneDriver `yaml:"driver"`

	// ChannelPrefix namespaces backplane channels, useful when several
	// deployments share one Redis or Postgres instance.
	ChannelPrefix string `yaml:"channel_prefix"`
}

// DefaultBackplaneConfig returns the built-in backplane defaults.
func DefaultBackplaneConfig() *BackplaneConfig {
	return &BackplaneConfig{
		Mode:          BackplaneModeFull,
		Driver:        BackplaneDriverPostgres,
		ChannelPrefix: "mosaic",
	}
}

// CacheConfig controls reuse of upstream resource artifacts across jobs
// with the same subject key.
type CacheConfig struct {
	// MaxAgeDays is how fresh a prior completed job must be for its
	// artifacts to satisfy a new job. Zero disables reuse.
	MaxAgeDays int `yaml:"max_age_days"`
}

// DefaultCacheConfig returns the built-in cache defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{MaxAgeDays: 7}
}

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// JobRetentionDays is how many days terminal jobs (with their
	// cards, artifacts, and events) are kept. Zero keeps them forever.
	JobRetentionDays int `yaml:"job_retention_days"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		JobRetentionDays: 30,
		CleanupInterval:  12 * time.Hour,
	}
}

// RedisConfig holds the shared Redis connection settings used by the
// redis backplane driver and the subject cache index.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
}

// DefaultRedisConfig returns the built-in Redis defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:        "localhost:6379",
		PasswordEnv: "REDIS_PASSWORD",
		DB:          0,
	}
}

// MaskingConfig controls credential masking applied to progress
// messages and error strings before they are persisted into events.
type MaskingConfig struct {
	Enabled bool `yaml:"enabled"`

	// ExtraPatterns adds deployment-specific regex patterns on top of
	// the built-in credential set.
	ExtraPatterns []string `yaml:"extra_patterns"`
}

// DefaultMaskingConfig returns the built-in masking defaults.
func DefaultMaskingConfig() *MaskingConfig {
	return &MaskingConfig{Enabled: true}
}
