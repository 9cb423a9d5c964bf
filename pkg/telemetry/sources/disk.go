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
	"time"

	"github.com/go-logr/logr"

	"github.com/Dex947/OptiMetrics/pkg/telemetry"
)

func init() {
	telemetry.Register("disk", NewDiskSource)
}

// diskstats sector counts are always in 512-byte units regardless of
// the device's logical block size.
const sectorSize = 512

// DiskSource reports aggregate read/write throughput in MB/s across all
// whole-block devices. Partitions and virtual devices (loop, ram, zram,
// device-mapper) are excluded; the set of whole devices comes from
// /sys/block at Init.
//
// Rates come from the counter delta between consecutive samples, so the
// first tick emits nothing.
type DiskSource struct {
	telemetry.BaseSource

	diskstatsPath string
	devices       map[string]bool
	now           func() time.Time

	prevRead  uint64
	prevWrite uint64
	prevTime  time.Time
}

func NewDiskSource(logger logr.Logger, config telemetry.SourceConfig) telemetry.Source {
	base := telemetry.NewBaseSource("disk", logger, config)
	return &DiskSource{
		BaseSource:    base,
		diskstatsPath: filepath.Join(base.Config().ProcPath, "diskstats"),
		now:           time.Now,
	}
}

func (d *DiskSource) Init(_ context.Context) error {
	if _, err := os.Stat(d.diskstatsPath); err != nil {
		return fmt.Errorf("%w: cannot read %s: %v", telemetry.ErrSourceUnavailable, d.diskstatsPath, err)
	}

	d.devices = listBlockDevices(filepath.Join(d.Config().SysPath, "block"))
	if len(d.devices) == 0 {
		return fmt.Errorf("%w: no block devices found", telemetry.ErrSourceUnavailable)
	}
	d.Logger().V(1).Info("tracking block devices", "count", len(d.devices))
	return nil
}

func (d *DiskSource) Info() telemetry.SourceInfo {
	return telemetry.SourceInfo{}
}

func (d *DiskSource) Sample(_ context.Context) (map[string]telemetry.MetricValue, error) {
	readSectors, writeSectors, err := readDiskstats(d.diskstatsPath, d.devices)
	if err != nil {
		return nil, err
	}
	sampledAt := d.now()

	metrics := make(map[string]telemetry.MetricValue)
	if !d.prevTime.IsZero() {
		elapsed := sampledAt.Sub(d.prevTime).Seconds()
		if elapsed > 0 && readSectors >= d.prevRead && writeSectors >= d.prevWrite {
			readRate := float64(readSectors-d.prevRead) * sectorSize / elapsed / (1024 * 1024)
			writeRate := float64(writeSectors-d.prevWrite) * sectorSize / elapsed / (1024 * 1024)
			metrics["read_rate_mbps"] = d.Metric("read_rate_mbps", readRate, "MB/s")
			metrics["write_rate_mbps"] = d.Metric("write_rate_mbps", writeRate, "MB/s")
		}
	}

	d.prevRead = readSectors
	d.prevWrite = writeSectors
	d.prevTime = sampledAt
	return metrics, nil
}

func (d *DiskSource) Shutdown() error {
	return nil
}

// listBlockDevices returns the whole-disk device names under /sys/block
// minus virtual devices that would double-count real IO.
func listBlockDevices(blockDir string) map[string]bool {
	entries, err := os.ReadDir(blockDir)
	if err != nil {
		return nil
	}
	devices := make(map[string]bool)
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "loop") ||
			strings.HasPrefix(name, "ram") ||
			strings.HasPrefix(name, "zram") ||
			strings.HasPrefix(name, "dm-") ||
			strings.HasPrefix(name, "md") {
			continue
		}
		devices[name] = true
	}
	return devices
}

// readDiskstats sums sectors read (field 6) and written (field 10)
// across the tracked devices.
func readDiskstats(path string, devices map[string]bool) (uint64, uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var readSectors, writeSectors uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 10 {
			continue
		}
		if !devices[fields[2]] {
			continue
		}
		r, err := strconv.ParseUint(fields[5], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid sectors-read for %s: %w", fields[2], err)
		}
		w, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid sectors-written for %s: %w", fields[2], err)
		}
		readSectors += r
		writeSectors += w
	}
	return readSectors, writeSectors, nil
}
