// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

// Package config loads the agent's settings. Every knob has a default;
// a missing config file never blocks startup, an invalid one always
// does.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ErrConfigInvalid wraps validation failures. They are fatal before the
// pipeline starts; the agent never runs on a half-understood config.
var ErrConfigInvalid = errors.New("invalid configuration")

// DeltaOverrideConfig switches matching metrics from relative to
// absolute delta thresholds. Matching is by unit, metric-name suffix,
// or both.
type DeltaOverrideConfig struct {
	Unit         string  `mapstructure:"unit"`
	MetricSuffix string  `mapstructure:"metric_suffix"`
	Delta        float64 `mapstructure:"delta"`
}

// Config is the full agent configuration.
type Config struct {
	SamplingIntervalSeconds float64 `mapstructure:"sampling_interval_seconds"`

	// Sources maps source name to enable flag. Sources not mentioned
	// keep their default; a disabled source is never initialized.
	Sources map[string]bool `mapstructure:"sources"`

	// SourceTimeoutSeconds bounds one source's Sample call. Zero means
	// "use the sampling interval".
	SourceTimeoutSeconds   float64 `mapstructure:"source_timeout_seconds"`
	SourceFailureThreshold int     `mapstructure:"source_failure_threshold"`

	DeltaThresholdPercent float64               `mapstructure:"delta_threshold_percent"`
	ForcedResyncTicks     int                   `mapstructure:"forced_resync_ticks"`
	DeltaOverrides        []DeltaOverrideConfig `mapstructure:"delta_overrides"`

	LogDirectory     string `mapstructure:"log_directory"`
	MaxFileSizeBytes int64  `mapstructure:"max_file_size_bytes"`
	Compress         bool   `mapstructure:"compress"`

	ClassificationMinConfidence  float64 `mapstructure:"classification_min_confidence"`
	ClassificationStabilityCount int     `mapstructure:"classification_stability_count"`

	// RulesFile points at an optional YAML rule set that replaces the
	// built-in category table and is hot-reloaded on change.
	RulesFile string `mapstructure:"rules_file"`

	OutboxDirectory string `mapstructure:"outbox_directory"`
	SyncRecipient   string `mapstructure:"sync_recipient"`

	HardwareIDCache string `mapstructure:"hardware_id_cache"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sampling_interval_seconds", 1.0)
	v.SetDefault("sources", map[string]bool{
		"cpu":     true,
		"memory":  true,
		"disk":    true,
		"network": true,
		"gpu":     true,
	})
	v.SetDefault("source_timeout_seconds", 0.0)
	v.SetDefault("source_failure_threshold", 5)
	v.SetDefault("delta_threshold_percent", 2.0)
	v.SetDefault("forced_resync_ticks", 60)
	v.SetDefault("log_directory", "logs")
	v.SetDefault("max_file_size_bytes", int64(50*1024*1024))
	v.SetDefault("compress", true)
	v.SetDefault("classification_min_confidence", 0.5)
	v.SetDefault("classification_stability_count", 3)
	v.SetDefault("outbox_directory", "outbox")
}

// Load reads the config file at path, or runs on pure defaults when
// path is empty. An explicitly named file that does not exist is an
// error; the implicit default file is optional.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("optimetrics")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/optimetrics")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.SamplingIntervalSeconds <= 0 {
		return fmt.Errorf("%w: sampling_interval_seconds must be positive, got %v",
			ErrConfigInvalid, c.SamplingIntervalSeconds)
	}
	if c.SourceTimeoutSeconds < 0 {
		return fmt.Errorf("%w: source_timeout_seconds must not be negative", ErrConfigInvalid)
	}
	if c.SourceFailureThreshold < 1 {
		return fmt.Errorf("%w: source_failure_threshold must be at least 1, got %d",
			ErrConfigInvalid, c.SourceFailureThreshold)
	}
	if c.DeltaThresholdPercent < 0 {
		return fmt.Errorf("%w: delta_threshold_percent must not be negative", ErrConfigInvalid)
	}
	if c.ForcedResyncTicks < 1 {
		return fmt.Errorf("%w: forced_resync_ticks must be at least 1, got %d",
			ErrConfigInvalid, c.ForcedResyncTicks)
	}
	for _, o := range c.DeltaOverrides {
		if o.Unit == "" && o.MetricSuffix == "" {
			return fmt.Errorf("%w: delta override needs a unit or metric_suffix", ErrConfigInvalid)
		}
		if o.Delta <= 0 {
			return fmt.Errorf("%w: delta override threshold must be positive, got %v",
				ErrConfigInvalid, o.Delta)
		}
	}
	if c.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("%w: max_file_size_bytes must be positive, got %d",
			ErrConfigInvalid, c.MaxFileSizeBytes)
	}
	if c.ClassificationMinConfidence <= 0 || c.ClassificationMinConfidence > 1 {
		return fmt.Errorf("%w: classification_min_confidence must be in (0, 1], got %v",
			ErrConfigInvalid, c.ClassificationMinConfidence)
	}
	if c.ClassificationStabilityCount < 1 {
		return fmt.Errorf("%w: classification_stability_count must be at least 1, got %d",
			ErrConfigInvalid, c.ClassificationStabilityCount)
	}
	if c.SyncRecipient != "" && c.OutboxDirectory == "" {
		return fmt.Errorf("%w: sync_recipient set without outbox_directory", ErrConfigInvalid)
	}
	return nil
}

// SamplingInterval returns the tick interval as a duration.
func (c *Config) SamplingInterval() time.Duration {
	return time.Duration(c.SamplingIntervalSeconds * float64(time.Second))
}

// SourceTimeout returns the per-source sample timeout; by default a
// slow source may use up to one full interval.
func (c *Config) SourceTimeout() time.Duration {
	if c.SourceTimeoutSeconds <= 0 {
		return c.SamplingInterval()
	}
	return time.Duration(c.SourceTimeoutSeconds * float64(time.Second))
}

// SourceEnabled reports whether a source should be initialized.
// Sources absent from the map default to enabled, so newly added
// adapters do not need a config change to run.
func (c *Config) SourceEnabled(name string) bool {
	enabled, ok := c.Sources[name]
	if !ok {
		return true
	}
	return enabled
}
