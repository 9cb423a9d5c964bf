// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a scriptable source for sampler tests.
type fakeSource struct {
	name     string
	initErr  error
	sample   func(ctx context.Context) (map[string]MetricValue, error)
	shutdown bool
}

func (f *fakeSource) Name() string                 { return f.name }
func (f *fakeSource) Init(_ context.Context) error { return f.initErr }
func (f *fakeSource) Info() SourceInfo             { return SourceInfo{} }
func (f *fakeSource) Shutdown() error              { f.shutdown = true; return nil }
func (f *fakeSource) Sample(ctx context.Context) (map[string]MetricValue, error) {
	return f.sample(ctx)
}

func staticSample(metrics map[string]float64) func(context.Context) (map[string]MetricValue, error) {
	return func(_ context.Context) (map[string]MetricValue, error) {
		out := make(map[string]MetricValue, len(metrics))
		for name, v := range metrics {
			out[name] = MetricValue{Name: name, Value: v}
		}
		return out, nil
	}
}

func TestSamplerMergesSources(t *testing.T) {
	cpu := &fakeSource{name: "cpu", sample: staticSample(map[string]float64{"total_utilization": 40})}
	mem := &fakeSource{name: "memory", sample: staticSample(map[string]float64{"ram_percent": 60})}

	s := NewSampler(testr.New(t), DefaultSamplerConfig(), []Source{cpu, mem})
	require.ElementsMatch(t, []string{"cpu", "memory"}, s.Init(context.Background()))

	snap := s.Tick(context.Background())
	require.Equal(t, 2, snap.Len())

	v, ok := snap.Get(Key{Source: "cpu", Name: "total_utilization"})
	require.True(t, ok)
	assert.Equal(t, 40.0, v.Value)
	assert.Equal(t, "cpu", v.Source)
	assert.Equal(t, snap.Timestamp, v.Timestamp, "all values share the tick timestamp")
}

func TestSamplerSkipsUnavailableSource(t *testing.T) {
	bad := &fakeSource{name: "gpu", initErr: ErrSourceUnavailable}
	good := &fakeSource{name: "cpu", sample: staticSample(map[string]float64{"total_utilization": 40})}

	s := NewSampler(testr.New(t), DefaultSamplerConfig(), []Source{bad, good})
	assert.Equal(t, []string{"cpu"}, s.Init(context.Background()))

	snap := s.Tick(context.Background())
	assert.Equal(t, 1, snap.Len())

	health := s.Health()
	require.Len(t, health, 2)
	for _, h := range health {
		if h.Name == "gpu" {
			assert.False(t, h.Enabled)
			assert.ErrorIs(t, h.LastError, ErrSourceUnavailable)
		}
	}
}

func TestSamplerIsolatesFailingSource(t *testing.T) {
	flaky := &fakeSource{
		name: "disk",
		sample: func(_ context.Context) (map[string]MetricValue, error) {
			return nil, errors.New("io error")
		},
	}
	steady := &fakeSource{name: "cpu", sample: staticSample(map[string]float64{"total_utilization": 40})}

	s := NewSampler(testr.New(t), SamplerConfig{SourceTimeout: time.Second, FailureThreshold: 3},
		[]Source{flaky, steady})
	s.Init(context.Background())

	// A failing source never aborts the tick for the others, and its
	// metrics are absent rather than stale.
	for i := 0; i < 3; i++ {
		snap := s.Tick(context.Background())
		assert.Equal(t, 1, snap.Len())
		_, ok := snap.Get(Key{Source: "disk", Name: "read_rate_mbps"})
		assert.False(t, ok)
	}

	// Three consecutive failures: disabled for the rest of the process.
	for _, h := range s.Health() {
		if h.Name == "disk" {
			assert.False(t, h.Enabled)
			assert.Equal(t, 3, h.ConsecutiveFailures)
		}
	}
}

func TestSamplerFailureCounterResetsOnSuccess(t *testing.T) {
	failures := 0
	intermittent := &fakeSource{
		name: "disk",
		sample: func(_ context.Context) (map[string]MetricValue, error) {
			failures++
			if failures%2 == 1 {
				return nil, errors.New("io error")
			}
			return map[string]MetricValue{"read_rate_mbps": {Name: "read_rate_mbps", Value: 1}}, nil
		},
	}

	s := NewSampler(testr.New(t), SamplerConfig{SourceTimeout: time.Second, FailureThreshold: 2},
		[]Source{intermittent})
	s.Init(context.Background())

	// Alternating fail/success never reaches the threshold.
	for i := 0; i < 6; i++ {
		s.Tick(context.Background())
	}
	health := s.Health()
	require.Len(t, health, 1)
	assert.True(t, health[0].Enabled)
}

func TestSamplerTimesOutSlowSource(t *testing.T) {
	slow := &fakeSource{
		name: "gpu",
		sample: func(ctx context.Context) (map[string]MetricValue, error) {
			select {
			case <-time.After(5 * time.Second):
				return map[string]MetricValue{"utilization": {Name: "utilization", Value: 1}}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	fast := &fakeSource{name: "cpu", sample: staticSample(map[string]float64{"total_utilization": 40})}

	s := NewSampler(testr.New(t), SamplerConfig{SourceTimeout: 20 * time.Millisecond, FailureThreshold: 5},
		[]Source{slow, fast})
	s.Init(context.Background())

	start := time.Now()
	snap := s.Tick(context.Background())
	elapsed := time.Since(start)

	assert.Equal(t, 1, snap.Len(), "slow source contributes nothing")
	assert.Less(t, elapsed, time.Second, "tick latency bounded by the per-source timeout")

	for _, h := range s.Health() {
		if h.Name == "gpu" {
			assert.ErrorIs(t, h.LastError, ErrSourceTimeout)
		}
	}
}

func TestSamplerShutdownReachesAllSources(t *testing.T) {
	a := &fakeSource{name: "cpu", sample: staticSample(nil)}
	b := &fakeSource{name: "gpu", initErr: ErrSourceUnavailable}

	s := NewSampler(testr.New(t), DefaultSamplerConfig(), []Source{a, b})
	s.Init(context.Background())
	s.Shutdown()

	assert.True(t, a.shutdown)
	assert.True(t, b.shutdown, "even never-enabled sources are torn down")
}
