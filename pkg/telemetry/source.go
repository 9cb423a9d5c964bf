// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package telemetry

import (
	"context"

	"github.com/go-logr/logr"
)

// SourceInfo identifies the hardware behind a source. Identifier feeds
// the hardware id hash; none of this influences sampling decisions.
type SourceInfo struct {
	Vendor     string
	Model      string
	Identifier string
}

// Source is a capability-polymorphic adapter around one hardware domain
// (CPU, GPU, memory, disk, network). One instance per domain.
//
// Init reports ErrSourceUnavailable when the hardware or backing tool is
// absent; the sampler then never enables the source. Sample returns the
// metrics observed right now, keyed by bare metric name — the sampler
// qualifies them with the source name. A Sample error covers the whole
// tick for that source; partial results are discarded.
type Source interface {
	Name() string
	Init(ctx context.Context) error
	Info() SourceInfo
	Sample(ctx context.Context) (map[string]MetricValue, error)
	Shutdown() error
}

// SourceConfig carries host path roots so sources can be pointed at
// fixture trees in tests (and at mounted host paths in containers).
type SourceConfig struct {
	ProcPath string
	SysPath  string
	DevPath  string
}

// DefaultSourceConfig returns the standard host paths.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		ProcPath: "/proc",
		SysPath:  "/sys",
		DevPath:  "/dev",
	}
}

// ApplyDefaults fills empty paths with the standard host locations.
func (c *SourceConfig) ApplyDefaults() {
	defaults := DefaultSourceConfig()
	if c.ProcPath == "" {
		c.ProcPath = defaults.ProcPath
	}
	if c.SysPath == "" {
		c.SysPath = defaults.SysPath
	}
	if c.DevPath == "" {
		c.DevPath = defaults.DevPath
	}
}

// BaseSource provides the shared name/logger plumbing for sources.
type BaseSource struct {
	name   string
	logger logr.Logger
	config SourceConfig
}

func NewBaseSource(name string, logger logr.Logger, config SourceConfig) BaseSource {
	config.ApplyDefaults()
	return BaseSource{
		name:   name,
		logger: logger.WithName(name),
		config: config,
	}
}

func (b *BaseSource) Name() string {
	return b.name
}

func (b *BaseSource) Logger() logr.Logger {
	return b.logger
}

func (b *BaseSource) Config() SourceConfig {
	return b.config
}

// Metric is a convenience constructor for values emitted by Sample.
// Timestamp is left zero; the sampler stamps all values with the tick
// timestamp so every metric in a snapshot shares one instant.
func (b *BaseSource) Metric(name string, value float64, unit string) MetricValue {
	return MetricValue{
		Name:   name,
		Value:  value,
		Unit:   unit,
		Source: b.name,
	}
}
