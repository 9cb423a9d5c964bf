// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

// Package pipeline wires the sampling loop: tick the sampler, classify
// the unfiltered snapshot, delta-filter it, and commit whatever
// survives to storage. One tick is in flight at a time.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"github.com/Dex947/OptiMetrics/pkg/logstore"
	"github.com/Dex947/OptiMetrics/pkg/telemetry"
	"github.com/Dex947/OptiMetrics/pkg/workload"
)

// Options for the run loop.
type Options struct {
	// Interval between tick deadlines. A tick that overruns does not
	// queue a backlog; the next tick starts immediately and the schedule
	// re-anchors from there.
	Interval time.Duration

	// HardwareID stamps every committed record.
	HardwareID string

	// StatusInterval spaces the periodic status log line. Zero disables
	// it.
	StatusInterval time.Duration
}

// Status is a point-in-time view of the pipeline for the CLI.
type Status struct {
	Ticks         uint64
	Records       uint64
	Reported      workload.Result
	BaselineAge   int
	ActiveLogFile string
	Sources       []telemetry.SourceHealth
}

// Pipeline owns the single thread of control that mutates the delta
// baseline and the classification state. Everything concurrent
// (per-source sampling, compression, staging) happens behind the
// components it calls.
type Pipeline struct {
	logger     logr.Logger
	sampler    *telemetry.Sampler
	filter     *telemetry.DeltaFilter
	classifier *workload.Classifier
	state      *workload.State
	writer     *logstore.Writer
	opts       Options

	ticks   uint64
	records uint64
}

func New(
	logger logr.Logger,
	sampler *telemetry.Sampler,
	filter *telemetry.DeltaFilter,
	classifier *workload.Classifier,
	state *workload.State,
	writer *logstore.Writer,
	opts Options,
) *Pipeline {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &Pipeline{
		logger:     logger.WithName("pipeline"),
		sampler:    sampler,
		filter:     filter,
		classifier: classifier,
		state:      state,
		writer:     writer,
		opts:       opts,
	}
}

// Run drives ticks until the context is cancelled. Cancellation is
// observed at tick boundaries; the active log file is flushed and
// closed before returning. The only error Run itself produces is a
// fatal storage failure.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.shutdown()

	timer := time.NewTimer(0)
	defer timer.Stop()

	deadline := time.Now()
	lastStatus := deadline

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("shutting down", "ticks", p.ticks, "records", p.records)
			return nil
		case <-timer.C:
		}

		if err := p.runTick(ctx); err != nil {
			return err
		}

		if p.opts.StatusInterval > 0 && time.Since(lastStatus) >= p.opts.StatusInterval {
			p.logStatus()
			lastStatus = time.Now()
		}

		deadline = deadline.Add(p.opts.Interval)
		wait := time.Until(deadline)
		if wait < 0 {
			// Overran the interval: go again now and re-anchor the
			// schedule instead of bursting to catch up.
			deadline = time.Now()
			wait = 0
		}
		timer.Reset(wait)
	}
}

// runTick executes one full tick: sample, classify, filter, commit.
// Classification always sees the raw snapshot so hysteresis stays
// continuous across suppressed ticks.
func (p *Pipeline) runTick(ctx context.Context) error {
	p.ticks++

	snapshot := p.sampler.Tick(ctx)
	vote := p.classifier.Classify(snapshot)
	reported := p.state.Observe(vote)

	candidate := p.filter.Filter(snapshot)
	if candidate == nil {
		return nil
	}

	record := &telemetry.Record{
		Timestamp:  snapshot.Timestamp,
		HardwareID: p.opts.HardwareID,
		Values:     candidate.Values,
		Category:   reported.Category,
		Confidence: reported.Confidence,
	}
	if err := p.writer.Commit(record); err != nil {
		if errors.Is(err, logstore.ErrWriteFailure) {
			p.logger.Error(err, "fatal storage failure, stopping")
			return err
		}
		p.logger.Error(err, "record commit failed, baseline unchanged")
		return nil
	}

	// The baseline moves only after storage accepted the row.
	p.filter.Commit(candidate)
	p.records++
	return nil
}

func (p *Pipeline) logStatus() {
	status := p.Status()
	enabled := 0
	for _, h := range status.Sources {
		if h.Enabled {
			enabled++
		}
	}
	p.logger.Info("pipeline status",
		"ticks", status.Ticks,
		"records", status.Records,
		"category", status.Reported.Category,
		"confidence", status.Reported.Confidence,
		"baseline_age_ticks", status.BaselineAge,
		"sources_enabled", enabled,
		"active_file", status.ActiveLogFile)
}

// Status reports counters and component state for the CLI's test mode.
func (p *Pipeline) Status() Status {
	return Status{
		Ticks:         p.ticks,
		Records:       p.records,
		Reported:      p.state.Reported(),
		BaselineAge:   p.filter.BaselineAge(),
		ActiveLogFile: p.writer.ActivePath(),
		Sources:       p.sampler.Health(),
	}
}

func (p *Pipeline) shutdown() {
	if err := p.writer.Close(); err != nil {
		p.logger.Error(err, "failed to close log writer cleanly")
	}
	p.sampler.Shutdown()
}
