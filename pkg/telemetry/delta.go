// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package telemetry

import (
	"math"
	"strings"

	"github.com/go-logr/logr"
)

// relativeEpsilon floors the denominator of relative-change computations
// so a move away from a zero baseline always registers as significant.
const relativeEpsilon = 1e-9

// DeltaOverride switches a group of metrics from relative to absolute
// delta mode. A metric matches when its unit equals Unit or its name
// ends with MetricSuffix (whichever is set). Absolute mode exists for
// quantities whose baseline sits near zero or whose scale is already
// bounded — temperature in °C, utilization in percent — where relative
// change is meaningless or over-sensitive.
type DeltaOverride struct {
	Unit         string  `mapstructure:"unit" yaml:"unit"`
	MetricSuffix string  `mapstructure:"metric_suffix" yaml:"metric_suffix"`
	Delta        float64 `mapstructure:"delta" yaml:"delta"`
}

func (o DeltaOverride) matches(v MetricValue) bool {
	if o.Unit != "" && v.Unit == o.Unit {
		return true
	}
	if o.MetricSuffix != "" && strings.HasSuffix(v.Name, o.MetricSuffix) {
		return true
	}
	return false
}

// DeltaConfig tunes the persistence filter.
type DeltaConfig struct {
	// ThresholdPercent is the relative change (percent of the last
	// persisted value) a metric must exceed to be written.
	ThresholdPercent float64

	// ForcedResyncTicks bounds the reconstruction gap: once this many
	// ticks have elapsed since the last full write, every metric in the
	// current snapshot is written regardless of delta.
	ForcedResyncTicks int

	// Overrides lists absolute-mode exceptions, checked in order.
	Overrides []DeltaOverride
}

// DefaultDeltaConfig returns the standard filter settings. Percent-scale
// metrics move on percentage points (a 40%→41% utilization change is a
// 1-point move against a 2-point threshold, not a 2.5% relative move),
// and temperatures move on whole degrees.
func DefaultDeltaConfig() DeltaConfig {
	return DeltaConfig{
		ThresholdPercent:  2.0,
		ForcedResyncTicks: 60,
		Overrides: []DeltaOverride{
			{Unit: "%", Delta: 2.0},
			{Unit: "°C", Delta: 1.0},
		},
	}
}

// Candidate is the output of one Filter call: the metrics worth
// persisting this tick. Full marks a write that re-anchors every metric
// in the snapshot (baseline or forced resync).
type Candidate struct {
	Values map[Key]MetricValue
	Full   bool
}

// DeltaFilter decides, per metric, whether a new sample differs enough
// from the last persisted value to warrant a write. It owns the
// LastPersistedState: decisions within a tick are made against the
// previous committed baseline, and the baseline moves only in Commit,
// after the record has actually been accepted by storage. Log rotation
// does not reset it — the delta baseline survives file boundaries.
type DeltaFilter struct {
	config DeltaConfig
	logger logr.Logger

	last           map[Key]float64
	ticksSinceFull int
}

func NewDeltaFilter(logger logr.Logger, config DeltaConfig) *DeltaFilter {
	if config.ThresholdPercent <= 0 {
		config.ThresholdPercent = DefaultDeltaConfig().ThresholdPercent
	}
	if config.ForcedResyncTicks <= 0 {
		config.ForcedResyncTicks = DefaultDeltaConfig().ForcedResyncTicks
	}
	return &DeltaFilter{
		config: config,
		logger: logger.WithName("delta-filter"),
		last:   make(map[Key]float64),
	}
}

// Filter returns the persistence candidate for this tick, or nil when no
// metric moved enough — storage is only touched when there is something
// to say. Filter never mutates the persisted baseline; call Commit once
// the candidate has been written.
func (f *DeltaFilter) Filter(snapshot *Snapshot) *Candidate {
	f.ticksSinceFull++

	if snapshot.Len() == 0 {
		return nil
	}

	forced := f.ticksSinceFull >= f.config.ForcedResyncTicks

	included := make(map[Key]MetricValue)
	for key, value := range snapshot.Values {
		if forced {
			included[key] = value
			continue
		}
		last, seen := f.last[key]
		if !seen || f.significant(value, last) {
			included[key] = value
		}
	}

	if len(included) == 0 {
		return nil
	}

	return &Candidate{
		Values: included,
		Full:   len(included) == snapshot.Len(),
	}
}

// significant reports whether value has moved far enough from the last
// persisted value to be worth a row.
func (f *DeltaFilter) significant(value MetricValue, last float64) bool {
	change := math.Abs(value.Value - last)

	for _, override := range f.config.Overrides {
		if override.matches(value) {
			return change > override.Delta
		}
	}

	relative := change / math.Max(math.Abs(last), relativeEpsilon) * 100
	return relative > f.config.ThresholdPercent
}

// Commit moves the persisted baseline forward for the metrics that were
// actually written. Must be called exactly once per committed record,
// after the storage append succeeded.
func (f *DeltaFilter) Commit(candidate *Candidate) {
	for key, value := range candidate.Values {
		f.last[key] = value.Value
	}
	if candidate.Full {
		f.ticksSinceFull = 0
	}
}

// BaselineAge returns ticks elapsed since the last full write, for
// status logging.
func (f *DeltaFilter) BaselineAge() int {
	return f.ticksSinceFull
}
