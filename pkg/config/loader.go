package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// MosaicYAMLConfig represents the complete mosaic.yaml file structure.
// Every section is optional; omitted sections keep built-in defaults.
type MosaicYAMLConfig struct {
	Engine    *EngineConfig         `yaml:"engine"`
	Stream    *StreamConfig         `yaml:"stream"`
	Backplane *BackplaneConfig      `yaml:"backplane"`
	Cache     *CacheConfig          `yaml:"cache"`
	Retention *RetentionConfig      `yaml:"retention"`
	Redis     *RedisConfig          `yaml:"redis"`
	Masking   *MaskingConfig        `yaml:"masking"`
	LLM       *LLMConfig            `yaml:"llm"`
	Sources   *SourcesConfig        `yaml:"sources"`
	Plans     map[string]PlanConfig `yaml:"plans"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load mosaic.yaml from configDir (skipped when configDir is empty)
//  2. Expand {{.ENV_VAR}} references
//  3. Merge user YAML over built-in defaults
//  4. Apply direct environment overrides (MAX_WORKERS, ... see README)
//  5. Validate everything, fail fast
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"plans", stats.Plans,
		"capped_groups", stats.CappedGroups,
		"max_workers", stats.MaxWorkers)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	var overlay MosaicYAMLConfig
	if configDir != "" {
		if err := loadYAML(configDir, "mosaic.yaml", &overlay); err != nil {
			return nil, NewLoadError("mosaic.yaml", err)
		}
	}

	cfg := &Config{
		configDir: configDir,
		Engine:    DefaultEngineConfig(),
		Stream:    DefaultStreamConfig(),
		Backplane: DefaultBackplaneConfig(),
		Cache:     DefaultCacheConfig(),
		Retention: DefaultRetentionConfig(),
		Redis:     DefaultRedisConfig(),
		Masking:   DefaultMaskingConfig(),
		LLM:       DefaultLLMConfig(),
		Sources:   DefaultSourcesConfig(),
	}

	// Merge user sections over defaults; non-zero user values win.
	sections := []struct {
		dst any
		src any
	}{
		{cfg.Engine, overlay.Engine},
		{cfg.Stream, overlay.Stream},
		{cfg.Backplane, overlay.Backplane},
		{cfg.Cache, overlay.Cache},
		{cfg.Retention, overlay.Retention},
		{cfg.Redis, overlay.Redis},
		{cfg.Masking, overlay.Masking},
		{cfg.LLM, overlay.LLM},
		{cfg.Sources, overlay.Sources},
	}
	for _, s := range sections {
		if isNil(s.src) {
			continue
		}
		if err := mergo.Merge(s.dst, s.src, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config section: %w", err)
		}
	}

	builtin := GetBuiltinConfig()
	cfg.Plans = NewPlanRegistry(mergePlans(builtin.Plans, overlay.Plans))

	return cfg, nil
}

func loadYAML(configDir, filename string, target any) error {
	path := filepath.Join(configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

func isNil(v any) bool {
	switch t := v.(type) {
	case *EngineConfig:
		return t == nil
	case *StreamConfig:
		return t == nil
	case *BackplaneConfig:
		return t == nil
	case *CacheConfig:
		return t == nil
	case *RetentionConfig:
		return t == nil
	case *RedisConfig:
		return t == nil
	case *MaskingConfig:
		return t == nil
	case *LLMConfig:
		return t == nil
	case *SourcesConfig:
		return t == nil
	}
	return v == nil
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}
