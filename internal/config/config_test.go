// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	// Run from an empty directory so no stray optimetrics.yaml is found.
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer func() { _ = os.Chdir(wd) }()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.SamplingInterval())
	assert.Equal(t, time.Second, cfg.SourceTimeout())
	assert.Equal(t, 5, cfg.SourceFailureThreshold)
	assert.Equal(t, 2.0, cfg.DeltaThresholdPercent)
	assert.Equal(t, 60, cfg.ForcedResyncTicks)
	assert.Equal(t, int64(50*1024*1024), cfg.MaxFileSizeBytes)
	assert.Equal(t, 0.5, cfg.ClassificationMinConfidence)
	assert.Equal(t, 3, cfg.ClassificationStabilityCount)
	assert.True(t, cfg.Compress)
	assert.True(t, cfg.SourceEnabled("cpu"))
	assert.True(t, cfg.SourceEnabled("gpu"))
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sampling_interval_seconds: 0.5
delta_threshold_percent: 5.0
forced_resync_ticks: 10
sources:
  gpu: false
delta_overrides:
  - unit: "°C"
    delta: 1.0
  - metric_suffix: "_temp"
    delta: 0.5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.SamplingInterval())
	assert.Equal(t, 5.0, cfg.DeltaThresholdPercent)
	assert.Equal(t, 10, cfg.ForcedResyncTicks)
	assert.False(t, cfg.SourceEnabled("gpu"))
	assert.True(t, cfg.SourceEnabled("cpu"), "sources not mentioned stay enabled")
	require.Len(t, cfg.DeltaOverrides, 2)
	assert.Equal(t, "°C", cfg.DeltaOverrides[0].Unit)
	assert.Equal(t, "_temp", cfg.DeltaOverrides[1].MetricSuffix)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.SamplingIntervalSeconds = 0 }},
		{"negative threshold", func(c *Config) { c.DeltaThresholdPercent = -1 }},
		{"zero resync", func(c *Config) { c.ForcedResyncTicks = 0 }},
		{"zero file size", func(c *Config) { c.MaxFileSizeBytes = 0 }},
		{"confidence above one", func(c *Config) { c.ClassificationMinConfidence = 1.5 }},
		{"zero stability", func(c *Config) { c.ClassificationStabilityCount = 0 }},
		{"zero failure threshold", func(c *Config) { c.SourceFailureThreshold = 0 }},
		{"override without matcher", func(c *Config) {
			c.DeltaOverrides = []DeltaOverrideConfig{{Delta: 1.0}}
		}},
		{"override without delta", func(c *Config) {
			c.DeltaOverrides = []DeltaOverrideConfig{{Unit: "°C"}}
		}},
		{"recipient without outbox", func(c *Config) {
			c.SyncRecipient = "age1xyz"
			c.OutboxDirectory = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrConfigInvalid)
		})
	}
}

func validConfig() *Config {
	return &Config{
		SamplingIntervalSeconds:      1,
		SourceFailureThreshold:       5,
		DeltaThresholdPercent:        2,
		ForcedResyncTicks:            60,
		MaxFileSizeBytes:             1024,
		ClassificationMinConfidence:  0.5,
		ClassificationStabilityCount: 3,
		OutboxDirectory:              "outbox",
	}
}
