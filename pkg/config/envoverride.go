package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment keys recognized by the engine regardless of YAML config.
// Parameterized keys carry a normalized group/card/task suffix, e.g.
// CONCURRENCY_CAP_SCRAPE_GITHUB caps the "scrape:github" group.
const (
	EnvMaxWorkers           = "MAX_WORKERS"
	EnvPollIntervalMS       = "POLL_INTERVAL_MS"
	EnvBackplaneMode        = "BACKPLANE_MODE"
	EnvSSEHeartbeatMS       = "SSE_HEARTBEAT_INTERVAL_MS"
	EnvSSEMaxDurationMS     = "SSE_MAX_DURATION_MS"
	EnvCacheMaxAgeDays      = "CACHE_MAX_AGE_DAYS"
	envPrefixConcurrencyCap = "CONCURRENCY_CAP_"
	envPrefixCardBudgetMS   = "CARD_BUDGET_MS_"
	envPrefixLLMTimeoutMS   = "LLM_TIMEOUT_MS_"
)

// applyEnvOverrides layers direct environment settings on top of the
// merged YAML configuration. These are the operational knobs that must
// be tunable without shipping a config file.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvMaxWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxWorkers, err)
		}
		cfg.Engine.MaxWorkers = n
	}
	if d, ok, err := envDurationMS(EnvPollIntervalMS); err != nil {
		return err
	} else if ok {
		cfg.Engine.PollInterval = d
	}
	if v := os.Getenv(EnvBackplaneMode); v != "" {
		cfg.Backplane.Mode = BackplaneMode(v)
	}
	if d, ok, err := envDurationMS(EnvSSEHeartbeatMS); err != nil {
		return err
	} else if ok {
		cfg.Stream.HeartbeatInterval = d
	}
	if d, ok, err := envDurationMS(EnvSSEMaxDurationMS); err != nil {
		return err
	} else if ok {
		cfg.Stream.MaxStreamDuration = d
	}
	if v := os.Getenv(EnvCacheMaxAgeDays); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCacheMaxAgeDays, err)
		}
		cfg.Cache.MaxAgeDays = n
	}

	groups := keysByEnvToken(cfg.KnownGroups())
	cardTypes := keysByEnvToken(cfg.KnownCardTypes())
	tasks := keysByEnvToken(cfg.KnownLLMTasks())

	for _, kv := range os.Environ() {
		idx := strings.IndexByte(kv, '=')
		if idx <= 0 {
			continue
		}
		key, value := kv[:idx], kv[idx+1:]

		switch {
		case strings.HasPrefix(key, envPrefixConcurrencyCap):
			token := strings.TrimPrefix(key, envPrefixConcurrencyCap)
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.Engine.ConcurrencyCaps[resolveToken(token, groups)] = n

		case strings.HasPrefix(key, envPrefixCardBudgetMS):
			token := strings.TrimPrefix(key, envPrefixCardBudgetMS)
			ms, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.Engine.CardBudgets[resolveToken(token, cardTypes)] = time.Duration(ms) * time.Millisecond

		case strings.HasPrefix(key, envPrefixLLMTimeoutMS):
			token := strings.TrimPrefix(key, envPrefixLLMTimeoutMS)
			ms, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.LLM.TaskTimeouts[resolveToken(token, tasks)] = time.Duration(ms) * time.Millisecond
		}
	}

	return nil
}

// keysByEnvToken indexes known identifiers by their normalized env
// token so CONCURRENCY_CAP_SCRAPE_GITHUB can find "scrape:github".
func keysByEnvToken(known map[string]bool) map[string]string {
	byToken := make(map[string]string, len(known))
	for k := range known {
		byToken[NormalizeEnvToken(k)] = k
	}
	return byToken
}

// resolveToken maps an env token back to the identifier it names. An
// unknown token is kept as its lower-cased form so operators can cap
// groups that only appear at runtime.
func resolveToken(token string, byToken map[string]string) string {
	if k, ok := byToken[token]; ok {
		return k
	}
	return strings.ToLower(token)
}

func envDurationMS(key string) (time.Duration, bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}
