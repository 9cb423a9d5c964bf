// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

// Package sources contains the hardware adapters behind the telemetry
// registry: CPU, memory, disk, and network from procfs/sysfs, plus an
// NVIDIA GPU adapter shelling out to nvidia-smi. Importing this package
// registers every adapter; which of them actually run is decided per
// host by each adapter's Init.
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
	telemetry.Register("cpu", NewCPUSource)
}

// cpuTimes holds the aggregate jiffy counters from the first line of
// /proc/stat.
type cpuTimes struct {
	user, nice, system, idle, iowait, irq, softirq, steal uint64
}

func (t cpuTimes) total() uint64 {
	return t.user + t.nice + t.system + t.idle + t.iowait + t.irq + t.softirq + t.steal
}

func (t cpuTimes) busy() uint64 {
	return t.total() - t.idle - t.iowait
}

// CPUSource reports aggregate CPU utilization, load averages, current
// frequency, and package temperature.
//
// Utilization is derived from the jiffy delta between consecutive
// samples, so the very first tick emits no utilization value. Frequency
// and temperature are best effort: hosts without cpufreq or coretemp
// simply omit those metrics.
type CPUSource struct {
	telemetry.BaseSource

	statPath    string
	loadavgPath string
	freqPath    string
	tempPath    string

	model string
	prev  *cpuTimes
}

func NewCPUSource(logger logr.Logger, config telemetry.SourceConfig) telemetry.Source {
	base := telemetry.NewBaseSource("cpu", logger, config)
	cfg := base.Config()
	return &CPUSource{
		BaseSource:  base,
		statPath:    filepath.Join(cfg.ProcPath, "stat"),
		loadavgPath: filepath.Join(cfg.ProcPath, "loadavg"),
		freqPath:    filepath.Join(cfg.SysPath, "devices/system/cpu/cpu0/cpufreq/scaling_cur_freq"),
	}
}

func (c *CPUSource) Init(_ context.Context) error {
	if _, err := os.Stat(c.statPath); err != nil {
		return fmt.Errorf("%w: cannot read %s: %v", telemetry.ErrSourceUnavailable, c.statPath, err)
	}

	model, err := readCPUModel(filepath.Join(c.Config().ProcPath, "cpuinfo"))
	if err != nil {
		c.Logger().V(1).Info("could not determine CPU model", "error", err)
	}
	c.model = model

	c.tempPath = findCoretempInput(filepath.Join(c.Config().SysPath, "class/hwmon"))
	if c.tempPath == "" {
		c.Logger().V(1).Info("no coretemp hwmon found, temperature disabled")
	}
	return nil
}

func (c *CPUSource) Info() telemetry.SourceInfo {
	return telemetry.SourceInfo{
		Vendor:     "",
		Model:      c.model,
		Identifier: c.model,
	}
}

func (c *CPUSource) Sample(_ context.Context) (map[string]telemetry.MetricValue, error) {
	metrics := make(map[string]telemetry.MetricValue)

	times, err := readCPUTimes(c.statPath)
	if err != nil {
		return nil, err
	}
	if c.prev != nil {
		totalDelta := times.total() - c.prev.total()
		if totalDelta > 0 {
			busyDelta := times.busy() - c.prev.busy()
			utilization := float64(busyDelta) / float64(totalDelta) * 100
			metrics["total_utilization"] = c.Metric("total_utilization", utilization, "%")
		}
	}
	c.prev = &times

	if load1, load5, load15, err := readLoadavg(c.loadavgPath); err == nil {
		metrics["load_1min"] = c.Metric("load_1min", load1, "")
		metrics["load_5min"] = c.Metric("load_5min", load5, "")
		metrics["load_15min"] = c.Metric("load_15min", load15, "")
	}

	if khz, err := readUintFile(c.freqPath); err == nil {
		metrics["frequency_mhz"] = c.Metric("frequency_mhz", float64(khz)/1000, "MHz")
	}

	if c.tempPath != "" {
		if milli, err := readUintFile(c.tempPath); err == nil {
			metrics["package_temp"] = c.Metric("package_temp", float64(milli)/1000, "°C")
		}
	}

	return metrics, nil
}

func (c *CPUSource) Shutdown() error {
	return nil
}

// readCPUTimes parses the aggregate "cpu " line of /proc/stat.
func readCPUTimes(path string) (cpuTimes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cpuTimes{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 || fields[0] != "cpu" {
			continue
		}
		vals := make([]uint64, 8)
		for i := 0; i < 8; i++ {
			v, err := strconv.ParseUint(fields[i+1], 10, 64)
			if err != nil {
				return cpuTimes{}, fmt.Errorf("invalid cpu field %q in %s: %w", fields[i+1], path, err)
			}
			vals[i] = v
		}
		return cpuTimes{
			user: vals[0], nice: vals[1], system: vals[2], idle: vals[3],
			iowait: vals[4], irq: vals[5], softirq: vals[6], steal: vals[7],
		}, nil
	}
	return cpuTimes{}, fmt.Errorf("no aggregate cpu line in %s", path)
}

func readLoadavg(path string) (float64, float64, float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return 0, 0, 0, fmt.Errorf("malformed loadavg in %s", path)
	}
	var loads [3]float64
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid load value %q: %w", fields[i], err)
		}
		loads[i] = v
	}
	return loads[0], loads[1], loads[2], nil
}

func readCPUModel(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "model name") {
			if _, after, found := strings.Cut(line, ":"); found {
				return strings.TrimSpace(after), nil
			}
		}
	}
	return "", fmt.Errorf("no model name in %s", path)
}

// findCoretempInput scans hwmon devices for the coretemp (or k10temp on
// AMD) package sensor and returns its temp1_input path, or "".
func findCoretempInput(hwmonDir string) string {
	entries, err := os.ReadDir(hwmonDir)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		namePath := filepath.Join(hwmonDir, entry.Name(), "name")
		data, err := os.ReadFile(namePath)
		if err != nil {
			continue
		}
		name := strings.TrimSpace(string(data))
		if name != "coretemp" && name != "k10temp" {
			continue
		}
		input := filepath.Join(hwmonDir, entry.Name(), "temp1_input")
		if _, err := os.Stat(input); err == nil {
			return input
		}
	}
	return ""
}

func readUintFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}
