// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package sources

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/Dex947/OptiMetrics/pkg/telemetry"
)

func init() {
	telemetry.Register("gpu", NewNvidiaGPUSource)
}

// gpuQueryFields is the fixed query handed to nvidia-smi. Order matters:
// parseGPULine indexes into the answer positionally.
var gpuQueryFields = []string{
	"name",
	"utilization.gpu",
	"utilization.encoder",
	"memory.used",
	"memory.total",
	"power.draw",
	"power.limit",
	"temperature.gpu",
}

// NvidiaGPUSource reports GPU utilization, VRAM pressure, encoder load,
// power draw, and temperature by shelling out to nvidia-smi. Hosts
// without the binary (or without an NVIDIA GPU) fail Init with
// ErrSourceUnavailable and are skipped for the lifetime of the process.
//
// On multi-GPU hosts the metrics describe the first GPU; all device
// names still feed Info for hardware identification.
type NvidiaGPUSource struct {
	telemetry.BaseSource

	binPath string
	names   []string

	// runQuery is swapped in tests to avoid needing the real binary.
	runQuery func(ctx context.Context) (string, error)
}

func NewNvidiaGPUSource(logger logr.Logger, config telemetry.SourceConfig) telemetry.Source {
	g := &NvidiaGPUSource{
		BaseSource: telemetry.NewBaseSource("gpu", logger, config),
	}
	g.runQuery = g.execQuery
	return g
}

func (g *NvidiaGPUSource) Init(ctx context.Context) error {
	bin, err := exec.LookPath("nvidia-smi")
	if err != nil && g.binPath == "" {
		return fmt.Errorf("%w: nvidia-smi not found: %v", telemetry.ErrSourceUnavailable, err)
	}
	if g.binPath == "" {
		g.binPath = bin
	}

	out, err := g.runQuery(ctx)
	if err != nil {
		return fmt.Errorf("%w: nvidia-smi query failed: %v", telemetry.ErrSourceUnavailable, err)
	}
	gpus, err := parseGPUOutput(out)
	if err != nil {
		return fmt.Errorf("%w: %v", telemetry.ErrSourceUnavailable, err)
	}
	if len(gpus) == 0 {
		return fmt.Errorf("%w: no NVIDIA GPUs reported", telemetry.ErrSourceUnavailable)
	}

	for _, gpu := range gpus {
		g.names = append(g.names, gpu.name)
	}
	g.Logger().Info("detected NVIDIA GPUs", "count", len(g.names), "primary", g.names[0])
	return nil
}

func (g *NvidiaGPUSource) Info() telemetry.SourceInfo {
	sorted := append([]string(nil), g.names...)
	sort.Strings(sorted)
	info := telemetry.SourceInfo{
		Vendor:     "NVIDIA",
		Identifier: strings.Join(sorted, "|"),
	}
	if len(g.names) > 0 {
		info.Model = g.names[0]
	}
	return info
}

func (g *NvidiaGPUSource) Sample(ctx context.Context) (map[string]telemetry.MetricValue, error) {
	out, err := g.runQuery(ctx)
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi query failed: %w", err)
	}
	gpus, err := parseGPUOutput(out)
	if err != nil {
		return nil, err
	}
	if len(gpus) == 0 {
		return nil, fmt.Errorf("nvidia-smi reported no GPUs")
	}
	gpu := gpus[0]

	metrics := make(map[string]telemetry.MetricValue)
	put := func(name string, v *float64, unit string) {
		if v != nil {
			metrics[name] = g.Metric(name, *v, unit)
		}
	}
	put("utilization", gpu.utilization, "%")
	put("encoder_utilization", gpu.encoderUtil, "%")
	put("power_watts", gpu.powerDraw, "W")
	put("power_limit_watts", gpu.powerLimit, "W")
	put("temperature", gpu.temperature, "°C")

	if gpu.memUsed != nil && gpu.memTotal != nil && *gpu.memTotal > 0 {
		pct := *gpu.memUsed / *gpu.memTotal * 100
		metrics["vram_percent"] = g.Metric("vram_percent", pct, "%")
		metrics["vram_used_mb"] = g.Metric("vram_used_mb", *gpu.memUsed, "MB")
	}

	return metrics, nil
}

func (g *NvidiaGPUSource) Shutdown() error {
	return nil
}

func (g *NvidiaGPUSource) execQuery(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, g.binPath,
		"--query-gpu="+strings.Join(gpuQueryFields, ","),
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// gpuReading holds one GPU's parsed answer. Fields nvidia-smi reports
// as [N/A] stay nil and the matching metric is simply omitted.
type gpuReading struct {
	name        string
	utilization *float64
	encoderUtil *float64
	memUsed     *float64
	memTotal    *float64
	powerDraw   *float64
	powerLimit  *float64
	temperature *float64
}

func parseGPUOutput(out string) ([]gpuReading, error) {
	var gpus []gpuReading
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != len(gpuQueryFields) {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q: want %d fields, got %d",
				line, len(gpuQueryFields), len(fields))
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		gpus = append(gpus, gpuReading{
			name:        fields[0],
			utilization: parseGPUValue(fields[1]),
			encoderUtil: parseGPUValue(fields[2]),
			memUsed:     parseGPUValue(fields[3]),
			memTotal:    parseGPUValue(fields[4]),
			powerDraw:   parseGPUValue(fields[5]),
			powerLimit:  parseGPUValue(fields[6]),
			temperature: parseGPUValue(fields[7]),
		})
	}
	return gpus, nil
}

func parseGPUValue(field string) *float64 {
	if field == "" || strings.Contains(field, "N/A") {
		return nil
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return nil
	}
	return &v
}
