// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// SamplerConfig tunes per-source isolation.
type SamplerConfig struct {
	// SourceTimeout bounds each source's Sample call within a tick.
	// Zero means "equal to the sampling interval", filled by the caller.
	SourceTimeout time.Duration

	// FailureThreshold is the number of consecutive failures after which
	// a source is disabled for the remainder of the process.
	FailureThreshold int
}

// DefaultSamplerConfig returns the standard isolation settings.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		SourceTimeout:    time.Second,
		FailureThreshold: 5,
	}
}

// SourceHealth is a point-in-time view of one source's standing.
type SourceHealth struct {
	Name                string
	Enabled             bool
	ConsecutiveFailures int
	LastError           error
}

// sourceState tracks one registered source across ticks. Mutated only by
// the single tick in flight, so no locking is needed.
type sourceState struct {
	source   Source
	enabled  bool
	failures int
	lastErr  error
}

// Sampler drives the fixed-interval polling across all registered
// sources. One Tick produces one Snapshot; sources are sampled
// concurrently within the tick and barrier-joined, each under its own
// timeout. A failing source is counted and eventually disabled; its
// metrics are simply absent from the Snapshot, never carried forward
// stale.
type Sampler struct {
	config  SamplerConfig
	logger  logr.Logger
	sources []*sourceState
}

// NewSampler builds a sampler over the given sources. Init must be
// called before the first Tick.
func NewSampler(logger logr.Logger, config SamplerConfig, sources []Source) *Sampler {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultSamplerConfig().FailureThreshold
	}
	if config.SourceTimeout <= 0 {
		config.SourceTimeout = DefaultSamplerConfig().SourceTimeout
	}

	states := make([]*sourceState, 0, len(sources))
	for _, src := range sources {
		states = append(states, &sourceState{source: src})
	}
	return &Sampler{
		config:  config,
		logger:  logger.WithName("sampler"),
		sources: states,
	}
}

// Init initializes every source. A source that fails to initialize is
// never enabled; that is not an error for the sampler as a whole.
// Returns the names of the sources that came up.
func (s *Sampler) Init(ctx context.Context) []string {
	var enabled []string
	for _, st := range s.sources {
		if err := st.source.Init(ctx); err != nil {
			st.enabled = false
			st.lastErr = err
			s.logger.Info("source unavailable, skipping",
				"source", st.source.Name(), "reason", err.Error())
			continue
		}
		st.enabled = true
		info := st.source.Info()
		s.logger.Info("source initialized",
			"source", st.source.Name(), "vendor", info.Vendor, "model", info.Model)
		enabled = append(enabled, st.source.Name())
	}
	return enabled
}

type sampleResult struct {
	state   *sourceState
	metrics map[string]MetricValue
	err     error
}

// Tick samples every enabled source once and returns the merged
// Snapshot. One source raising or hanging never aborts the tick for the
// others; tick latency is bounded by the per-source timeout.
func (s *Sampler) Tick(ctx context.Context) *Snapshot {
	ts := time.Now()
	snapshot := NewSnapshot(ts)

	results := make(chan sampleResult, len(s.sources))
	var wg sync.WaitGroup

	for _, st := range s.sources {
		if !st.enabled {
			continue
		}
		wg.Add(1)
		go func(st *sourceState) {
			defer wg.Done()
			results <- s.sampleOne(ctx, st)
		}(st)
	}

	wg.Wait()
	close(results)

	for res := range results {
		if res.err != nil {
			s.recordFailure(res.state, res.err)
			continue
		}
		res.state.failures = 0
		res.state.lastErr = nil
		name := res.state.source.Name()
		for metricName, value := range res.metrics {
			value.Source = name
			value.Name = metricName
			value.Timestamp = ts
			snapshot.Values[Key{Source: name, Name: metricName}] = value
		}
	}

	return snapshot
}

// sampleOne runs a single source under its timeout. A source that
// overruns keeps running on its goroutine but its result is discarded;
// the buffered channel lets it finish without leaking.
func (s *Sampler) sampleOne(ctx context.Context, st *sourceState) sampleResult {
	sampleCtx, cancel := context.WithTimeout(ctx, s.config.SourceTimeout)
	defer cancel()

	done := make(chan sampleResult, 1)
	go func() {
		metrics, err := st.source.Sample(sampleCtx)
		done <- sampleResult{state: st, metrics: metrics, err: err}
	}()

	select {
	case res := <-done:
		return res
	case <-sampleCtx.Done():
		if ctx.Err() != nil {
			// Shutdown, not a source fault.
			return sampleResult{state: st, err: ctx.Err()}
		}
		return sampleResult{state: st, err: ErrSourceTimeout}
	}
}

func (s *Sampler) recordFailure(st *sourceState, err error) {
	st.failures++
	st.lastErr = err
	s.logger.V(1).Info("source sample failed",
		"source", st.source.Name(), "consecutive", st.failures, "error", err.Error())

	if st.failures >= s.config.FailureThreshold {
		st.enabled = false
		s.logger.Info("source disabled after repeated failures",
			"source", st.source.Name(), "failures", st.failures, "last_error", err.Error())
	}
}

// Health reports the standing of every source, including ones that
// never initialized.
func (s *Sampler) Health() []SourceHealth {
	health := make([]SourceHealth, 0, len(s.sources))
	for _, st := range s.sources {
		health = append(health, SourceHealth{
			Name:                st.source.Name(),
			Enabled:             st.enabled,
			ConsecutiveFailures: st.failures,
			LastError:           st.lastErr,
		})
	}
	return health
}

// Shutdown tears down every source, enabled or not.
func (s *Sampler) Shutdown() {
	for _, st := range s.sources {
		if err := st.source.Shutdown(); err != nil {
			s.logger.Error(err, "source shutdown failed", "source", st.source.Name())
		}
	}
}
