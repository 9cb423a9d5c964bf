// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package workload

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/Dex947/OptiMetrics/pkg/telemetry"
)

// Classifier features, derived from snapshot metrics before rule
// matching. Rules reference these names in their range predicates.
const (
	FeatureGPUUtilization        = "gpu_utilization"
	FeatureVRAMPercent           = "vram_percent"
	FeatureGPUEncoderUtilization = "gpu_encoder_utilization"
	FeatureGPUPowerRatio         = "gpu_power_ratio"
	FeatureCPUUtilization        = "cpu_utilization"
	FeatureRAMPercent            = "ram_percent"
	FeatureDiskWriteRateMBps     = "disk_write_rate_mbps"
	FeatureDiskIORateMBps        = "disk_io_rate_mbps"
	FeatureNetActivityKBps       = "net_activity_kbps"
)

// Result is one classification outcome.
type Result struct {
	Category   string
	Confidence float64
}

// Config tunes classification and hysteresis.
type Config struct {
	// MinConfidence is the score below which the vote is "unknown".
	MinConfidence float64

	// StabilityCount is the run of consecutive identical differing votes
	// required before the reported category changes.
	StabilityCount int
}

// DefaultConfig returns the standard classifier settings.
func DefaultConfig() Config {
	return Config{
		MinConfidence:  0.5,
		StabilityCount: 3,
	}
}

// Classifier maps a metric snapshot to a workload category with a
// confidence score. Classification operates purely on the snapshot's
// numeric values and never fails: an empty or unrecognizable snapshot
// yields "unknown" at confidence 0.
//
// Classify is deterministic for a fixed rule set. The rule set can be
// swapped at runtime (rules file hot-reload); Classify and SetRules are
// safe to call from different goroutines.
type Classifier struct {
	config Config
	logger logr.Logger

	mu    sync.RWMutex
	rules *RuleSet
}

func NewClassifier(logger logr.Logger, config Config, rules *RuleSet) *Classifier {
	if config.MinConfidence <= 0 {
		config.MinConfidence = DefaultConfig().MinConfidence
	}
	if config.StabilityCount <= 0 {
		config.StabilityCount = DefaultConfig().StabilityCount
	}
	if rules == nil {
		rules = DefaultRules()
	}
	return &Classifier{
		config: config,
		logger: logger.WithName("classifier"),
		rules:  rules,
	}
}

// SetRules replaces the active rule set.
func (c *Classifier) SetRules(rules *RuleSet) {
	c.mu.Lock()
	c.rules = rules
	c.mu.Unlock()
	c.logger.Info("classifier rules replaced", "categories", len(rules.Categories))
}

// Config returns the classifier settings.
func (c *Classifier) Config() Config {
	return c.config
}

// Classify scores the snapshot against every category and returns the
// best match. Metrics absent from the snapshot are excluded from that
// category's denominator — they count neither for nor against. Ties
// break by rule order (more specific categories listed first).
func (c *Classifier) Classify(snapshot *telemetry.Snapshot) Result {
	features := ExtractFeatures(snapshot)
	if len(features) == 0 {
		return Result{Category: CategoryUnknown, Confidence: 0}
	}

	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()

	best := Result{Category: CategoryUnknown, Confidence: 0}
	for _, category := range rules.Categories {
		score := scoreCategory(features, category.Ranges)
		// Strictly greater: earlier (more specific) categories keep ties.
		if score > best.Confidence {
			best = Result{Category: category.Name, Confidence: score}
		}
	}

	if best.Confidence < c.config.MinConfidence {
		return Result{Category: CategoryUnknown, Confidence: best.Confidence}
	}
	return best
}

// scoreCategory returns the fraction of the category's predicates that
// are satisfied, over the predicates whose feature is present.
func scoreCategory(features map[string]float64, ranges map[string]Range) float64 {
	matched, total := 0, 0
	for feature, r := range ranges {
		value, present := features[feature]
		if !present {
			continue
		}
		total++
		if r.Contains(value) {
			matched++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(matched) / float64(total)
}

// ExtractFeatures reduces a snapshot to the canonical classifier
// features. Derived features (power ratio, combined IO and network
// rates) are computed only when their inputs are all present.
func ExtractFeatures(snapshot *telemetry.Snapshot) map[string]float64 {
	if snapshot == nil || snapshot.Len() == 0 {
		return nil
	}

	features := make(map[string]float64)

	copyFeature := func(feature, source, name string) {
		if v, ok := snapshot.Get(telemetry.Key{Source: source, Name: name}); ok {
			features[feature] = v.Value
		}
	}

	copyFeature(FeatureGPUUtilization, "gpu", "utilization")
	copyFeature(FeatureVRAMPercent, "gpu", "vram_percent")
	copyFeature(FeatureGPUEncoderUtilization, "gpu", "encoder_utilization")
	copyFeature(FeatureCPUUtilization, "cpu", "total_utilization")
	copyFeature(FeatureRAMPercent, "memory", "ram_percent")
	copyFeature(FeatureDiskWriteRateMBps, "disk", "write_rate_mbps")

	if draw, ok := snapshot.Get(telemetry.Key{Source: "gpu", Name: "power_watts"}); ok {
		if limit, ok := snapshot.Get(telemetry.Key{Source: "gpu", Name: "power_limit_watts"}); ok && limit.Value > 0 {
			features[FeatureGPUPowerRatio] = draw.Value / limit.Value
		}
	}

	if read, ok := snapshot.Get(telemetry.Key{Source: "disk", Name: "read_rate_mbps"}); ok {
		if write, ok := snapshot.Get(telemetry.Key{Source: "disk", Name: "write_rate_mbps"}); ok {
			features[FeatureDiskIORateMBps] = read.Value + write.Value
		}
	}

	var net float64
	var netPresent bool
	if recv, ok := snapshot.Get(telemetry.Key{Source: "network", Name: "recv_rate_kbps"}); ok {
		net += recv.Value
		netPresent = true
	}
	if send, ok := snapshot.Get(telemetry.Key{Source: "network", Name: "send_rate_kbps"}); ok {
		net += send.Value
		netPresent = true
	}
	if netPresent {
		features[FeatureNetActivityKBps] = net
	}

	return features
}
