// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/Dex947/OptiMetrics/pkg/telemetry"
)

func init() {
	telemetry.Register("memory", NewMemorySource)
}

// MemorySource reports RAM and swap usage from /proc/meminfo.
// ram_percent uses MemAvailable rather than MemFree so page cache does
// not count as pressure.
type MemorySource struct {
	telemetry.BaseSource

	meminfoPath string
}

func NewMemorySource(logger logr.Logger, config telemetry.SourceConfig) telemetry.Source {
	base := telemetry.NewBaseSource("memory", logger, config)
	return &MemorySource{
		BaseSource:  base,
		meminfoPath: filepath.Join(base.Config().ProcPath, "meminfo"),
	}
}

func (m *MemorySource) Init(_ context.Context) error {
	if _, err := os.Stat(m.meminfoPath); err != nil {
		return fmt.Errorf("%w: cannot read %s: %v", telemetry.ErrSourceUnavailable, m.meminfoPath, err)
	}
	return nil
}

func (m *MemorySource) Info() telemetry.SourceInfo {
	return telemetry.SourceInfo{}
}

func (m *MemorySource) Sample(_ context.Context) (map[string]telemetry.MetricValue, error) {
	info, err := readMeminfo(m.meminfoPath)
	if err != nil {
		return nil, err
	}

	total, ok := info["MemTotal"]
	if !ok || total == 0 {
		return nil, fmt.Errorf("missing MemTotal in %s", m.meminfoPath)
	}
	available := info["MemAvailable"]
	used := total - available

	metrics := map[string]telemetry.MetricValue{
		"ram_percent":  m.Metric("ram_percent", float64(used)/float64(total)*100, "%"),
		"ram_used_mb":  m.Metric("ram_used_mb", float64(used)/1024, "MB"),
		"ram_total_mb": m.Metric("ram_total_mb", float64(total)/1024, "MB"),
	}

	if swapTotal := info["SwapTotal"]; swapTotal > 0 {
		swapUsed := swapTotal - info["SwapFree"]
		metrics["swap_percent"] = m.Metric("swap_percent", float64(swapUsed)/float64(swapTotal)*100, "%")
	}

	return metrics, nil
}

func (m *MemorySource) Shutdown() error {
	return nil
}

// readMeminfo parses /proc/meminfo into kB quantities keyed by field
// name.
func readMeminfo(path string) (map[string]uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	info := make(map[string]uint64)
	for _, line := range strings.Split(string(data), "\n") {
		name, rest, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		info[name] = v
	}
	if len(info) == 0 {
		return nil, fmt.Errorf("no parseable fields in %s", path)
	}
	return info, nil
}
