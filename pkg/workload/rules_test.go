// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package workload

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesYAML = `
categories:
  - name: render_farm
    ranges:
      gpu_utilization: {min: 90, max: 100}
      cpu_utilization: {min: 50, max: 100}
  - name: idle
    ranges:
      gpu_utilization: {min: 0, max: 5}
      cpu_utilization: {min: 0, max: 5}
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRules(t *testing.T) {
	rules, err := LoadRules(writeRules(t, rulesYAML))
	require.NoError(t, err)
	require.Len(t, rules.Categories, 2)

	assert.Equal(t, "render_farm", rules.Categories[0].Name)
	r := rules.Categories[0].Ranges[FeatureGPUUtilization]
	assert.Equal(t, Range{Min: 90, Max: 100}, r)
}

func TestLoadRulesRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "categories: []"},
		{"unnamed", "categories:\n  - ranges:\n      cpu_utilization: {min: 0, max: 1}"},
		{"reserved name", "categories:\n  - name: unknown\n    ranges:\n      cpu_utilization: {min: 0, max: 1}"},
		{"duplicate", `
categories:
  - name: a
    ranges: {cpu_utilization: {min: 0, max: 1}}
  - name: a
    ranges: {cpu_utilization: {min: 0, max: 1}}
`},
		{"no ranges", "categories:\n  - name: a\n    ranges: {}"},
		{"inverted range", "categories:\n  - name: a\n    ranges:\n      cpu_utilization: {min: 10, max: 1}"},
		{"not yaml", "{{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadRules(writeRules(t, tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestDefaultRulesValid(t *testing.T) {
	require.NoError(t, DefaultRules().Validate())
}

func TestRangeContainsIsInclusive(t *testing.T) {
	r := Range{Min: 60, Max: 100}
	assert.True(t, r.Contains(60))
	assert.True(t, r.Contains(100))
	assert.False(t, r.Contains(59.999))
}

func TestRulesWatcherReloads(t *testing.T) {
	path := writeRules(t, rulesYAML)
	classifier := NewClassifier(testr.New(t), DefaultConfig(), nil)

	watcher, err := NewRulesWatcher(path, classifier, testr.New(t))
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	require.NoError(t, os.WriteFile(path, []byte(`
categories:
  - name: reloaded
    ranges:
      cpu_utilization: {min: 0, max: 100}
`), 0o644))

	require.Eventually(t, func() bool {
		classifier.mu.RLock()
		defer classifier.mu.RUnlock()
		return len(classifier.rules.Categories) == 1 &&
			classifier.rules.Categories[0].Name == "reloaded"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRulesWatcherKeepsOldRulesOnParseError(t *testing.T) {
	path := writeRules(t, rulesYAML)
	rules, err := LoadRules(path)
	require.NoError(t, err)
	classifier := NewClassifier(testr.New(t), DefaultConfig(), rules)

	watcher, err := NewRulesWatcher(path, classifier, testr.New(t))
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	require.NoError(t, os.WriteFile(path, []byte("{{{{ not yaml"), 0o644))

	// Give the watcher time to see the event; the rules must survive.
	time.Sleep(200 * time.Millisecond)
	classifier.mu.RLock()
	defer classifier.mu.RUnlock()
	assert.Equal(t, "render_farm", classifier.rules.Categories[0].Name)
}
