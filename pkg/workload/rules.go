// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package workload

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CategoryUnknown is reported when no category's score clears the
// minimum confidence, and for empty snapshots.
const CategoryUnknown = "unknown"

// CategoryIdle gets special hysteresis treatment: entering idle is
// immediate, leaving it is not.
const CategoryIdle = "idle"

// Range is an inclusive [Min, Max] predicate over one classifier
// feature.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v satisfies the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// CategoryRule defines one workload category as a set of feature-range
// predicates. List order is priority order: when two categories score
// identically, the one listed earlier wins. More specific categories
// (ai_training) are listed before general ones (gaming) on purpose.
type CategoryRule struct {
	Name   string           `yaml:"name"`
	Ranges map[string]Range `yaml:"ranges"`
}

// RuleSet is an ordered list of category rules.
type RuleSet struct {
	Categories []CategoryRule `yaml:"categories"`
}

// Validate rejects rule sets a classifier cannot use.
func (rs *RuleSet) Validate() error {
	if len(rs.Categories) == 0 {
		return fmt.Errorf("rule set has no categories")
	}
	seen := make(map[string]bool)
	for _, cat := range rs.Categories {
		if cat.Name == "" {
			return fmt.Errorf("category with empty name")
		}
		if cat.Name == CategoryUnknown {
			return fmt.Errorf("category name %q is reserved", CategoryUnknown)
		}
		if seen[cat.Name] {
			return fmt.Errorf("duplicate category %q", cat.Name)
		}
		seen[cat.Name] = true
		if len(cat.Ranges) == 0 {
			return fmt.Errorf("category %q has no ranges", cat.Name)
		}
		for feature, r := range cat.Ranges {
			if r.Min > r.Max {
				return fmt.Errorf("category %q feature %q: min %v > max %v",
					cat.Name, feature, r.Min, r.Max)
			}
		}
	}
	return nil
}

// LoadRules reads a rule set from a YAML file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	if err := rs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}
	return &rs, nil
}

// DefaultRules returns the built-in category table. Classification is
// based only on metric shape, never on process names or window titles.
func DefaultRules() *RuleSet {
	return &RuleSet{
		Categories: []CategoryRule{
			{
				Name: "ai_training",
				Ranges: map[string]Range{
					FeatureGPUUtilization: {Min: 80, Max: 100},
					FeatureVRAMPercent:    {Min: 60, Max: 100},
					FeatureCPUUtilization: {Min: 20, Max: 80},
					FeatureGPUPowerRatio:  {Min: 0.6, Max: 1.0},
				},
			},
			{
				Name: "video_editing",
				Ranges: map[string]Range{
					FeatureGPUEncoderUtilization: {Min: 10, Max: 100},
					FeatureDiskWriteRateMBps:     {Min: 5, Max: 500},
					FeatureCPUUtilization:        {Min: 40, Max: 95},
				},
			},
			{
				Name: "cad_3d_modeling",
				Ranges: map[string]Range{
					FeatureGPUUtilization: {Min: 30, Max: 90},
					FeatureCPUUtilization: {Min: 40, Max: 90},
					FeatureRAMPercent:     {Min: 40, Max: 90},
				},
			},
			{
				Name: "gaming",
				Ranges: map[string]Range{
					FeatureGPUUtilization: {Min: 60, Max: 100},
					FeatureCPUUtilization: {Min: 30, Max: 90},
					FeatureVRAMPercent:    {Min: 40, Max: 100},
					FeatureGPUPowerRatio:  {Min: 0.5, Max: 1.0},
				},
			},
			{
				Name: "graphics_design",
				Ranges: map[string]Range{
					FeatureGPUUtilization: {Min: 20, Max: 70},
					FeatureCPUUtilization: {Min: 30, Max: 80},
					FeatureRAMPercent:     {Min: 40, Max: 85},
				},
			},
			{
				Name: "system_maintenance",
				Ranges: map[string]Range{
					FeatureDiskWriteRateMBps: {Min: 10, Max: 500},
					FeatureCPUUtilization:    {Min: 30, Max: 100},
					FeatureGPUUtilization:    {Min: 0, Max: 30},
				},
			},
			{
				Name: "coding_development",
				Ranges: map[string]Range{
					FeatureGPUUtilization: {Min: 0, Max: 30},
					FeatureCPUUtilization: {Min: 10, Max: 60},
					FeatureRAMPercent:     {Min: 30, Max: 80},
				},
			},
			{
				Name: "web_browsing",
				Ranges: map[string]Range{
					FeatureGPUUtilization:  {Min: 0, Max: 40},
					FeatureCPUUtilization:  {Min: 5, Max: 50},
					FeatureNetActivityKBps: {Min: 1, Max: 1000},
				},
			},
			{
				Name: "document_editing",
				Ranges: map[string]Range{
					FeatureGPUUtilization: {Min: 0, Max: 20},
					FeatureCPUUtilization: {Min: 5, Max: 40},
					FeatureRAMPercent:     {Min: 20, Max: 60},
				},
			},
			{
				Name: CategoryIdle,
				Ranges: map[string]Range{
					FeatureGPUUtilization: {Min: 0, Max: 10},
					FeatureCPUUtilization: {Min: 0, Max: 10},
					FeatureDiskIORateMBps: {Min: 0, Max: 1},
				},
			},
		},
	}
}
