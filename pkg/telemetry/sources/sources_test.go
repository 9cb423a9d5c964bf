// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dex947/OptiMetrics/pkg/telemetry"
)

// writeFixture materializes a fake /proc or /sys entry under root.
func writeFixture(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCPUSourceUtilizationDelta(t *testing.T) {
	proc := t.TempDir()
	sys := t.TempDir()
	writeFixture(t, proc, "stat", "cpu  100 0 100 700 100 0 0 0 0 0\n")
	writeFixture(t, proc, "loadavg", "1.50 0.75 0.25 2/345 6789\n")
	writeFixture(t, proc, "cpuinfo", "processor\t: 0\nmodel name\t: Testor X1 3.2GHz\n")

	src := NewCPUSource(testr.New(t), telemetry.SourceConfig{ProcPath: proc, SysPath: sys})
	require.NoError(t, src.Init(context.Background()))
	assert.Equal(t, "Testor X1 3.2GHz", src.Info().Model)

	// First sample establishes the jiffy baseline: no utilization yet.
	metrics, err := src.Sample(context.Background())
	require.NoError(t, err)
	_, ok := metrics["total_utilization"]
	assert.False(t, ok)
	assert.Equal(t, 1.50, metrics["load_1min"].Value)

	// 200 busy jiffies out of 400 total since the baseline.
	writeFixture(t, proc, "stat", "cpu  250 0 150 800 200 0 0 0 0 0\n")
	metrics, err = src.Sample(context.Background())
	require.NoError(t, err)
	util, ok := metrics["total_utilization"]
	require.True(t, ok)
	assert.InDelta(t, 50.0, util.Value, 0.01)
	assert.Equal(t, "%", util.Unit)
}

func TestCPUSourceUnavailableWithoutProcStat(t *testing.T) {
	src := NewCPUSource(testr.New(t), telemetry.SourceConfig{
		ProcPath: filepath.Join(t.TempDir(), "missing"),
		SysPath:  t.TempDir(),
	})
	err := src.Init(context.Background())
	require.ErrorIs(t, err, telemetry.ErrSourceUnavailable)
}

func TestMemorySourceRAMPercent(t *testing.T) {
	proc := t.TempDir()
	writeFixture(t, proc, "meminfo",
		"MemTotal:       16384000 kB\n"+
			"MemFree:         2048000 kB\n"+
			"MemAvailable:    8192000 kB\n"+
			"SwapTotal:       4096000 kB\n"+
			"SwapFree:        3072000 kB\n")

	src := NewMemorySource(testr.New(t), telemetry.SourceConfig{ProcPath: proc})
	require.NoError(t, src.Init(context.Background()))

	metrics, err := src.Sample(context.Background())
	require.NoError(t, err)
	// Used = total - available, not total - free.
	assert.InDelta(t, 50.0, metrics["ram_percent"].Value, 0.01)
	assert.InDelta(t, 8000.0, metrics["ram_used_mb"].Value, 0.01)
	assert.InDelta(t, 25.0, metrics["swap_percent"].Value, 0.01)
}

func TestDiskSourceRates(t *testing.T) {
	proc := t.TempDir()
	sys := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(sys, "block/sda"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(sys, "block/loop0"), 0o755))

	// sda plus a partition and a loop device; only sda should count.
	writeFixture(t, proc, "diskstats",
		"   8       0 sda 100 0 2048 50 200 0 4096 80 0 100 130\n"+
			"   8       1 sda1 90 0 1900 45 180 0 3800 70 0 90 115\n"+
			"   7       0 loop0 10 0 999999 1 0 0 0 0 0 1 1\n")

	src := NewDiskSource(testr.New(t), telemetry.SourceConfig{ProcPath: proc, SysPath: sys}).(*DiskSource)
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	current := base
	src.now = func() time.Time { return current }

	require.NoError(t, src.Init(context.Background()))

	metrics, err := src.Sample(context.Background())
	require.NoError(t, err)
	assert.Empty(t, metrics, "first sample only seeds the counters")

	// +2048 sectors read, +4096 written over 1 second.
	writeFixture(t, proc, "diskstats",
		"   8       0 sda 150 0 4096 60 300 0 8192 95 0 120 155\n")
	current = base.Add(time.Second)

	metrics, err = src.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, metrics["read_rate_mbps"].Value, 0.001)
	assert.InDelta(t, 2.0, metrics["write_rate_mbps"].Value, 0.001)
}

func TestNetworkSourceRatesSkipLoopback(t *testing.T) {
	proc := t.TempDir()
	writeFixture(t, proc, "net/dev",
		"Inter-|   Receive                                                |  Transmit\n"+
			" face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed\n"+
			"    lo: 5000000    1000    0    0    0     0          0         0  5000000    1000    0    0    0     0       0          0\n"+
			"  eth0: 1024000    2000    0    0    0     0          0         0   512000    1500    0    0    0     0       0          0\n")

	src := NewNetworkSource(testr.New(t), telemetry.SourceConfig{ProcPath: proc}).(*NetworkSource)
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	current := base
	src.now = func() time.Time { return current }

	require.NoError(t, src.Init(context.Background()))

	metrics, err := src.Sample(context.Background())
	require.NoError(t, err)
	assert.Empty(t, metrics)

	// +102400 rx bytes, +51200 tx bytes over 1 second; lo churn ignored.
	writeFixture(t, proc, "net/dev",
		"Inter-|   Receive                                                |  Transmit\n"+
			" face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed\n"+
			"    lo: 9000000    2000    0    0    0     0          0         0  9000000    2000    0    0    0     0       0          0\n"+
			"  eth0: 1126400    2100    0    0    0     0          0         0   563200    1600    0    0    0     0       0          0\n")
	current = base.Add(time.Second)

	metrics, err = src.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 100.0, metrics["recv_rate_kbps"].Value, 0.001)
	assert.InDelta(t, 50.0, metrics["send_rate_kbps"].Value, 0.001)
}

func TestNvidiaGPUSourceParsesQuery(t *testing.T) {
	src := NewNvidiaGPUSource(testr.New(t), telemetry.SourceConfig{}).(*NvidiaGPUSource)
	src.binPath = "nvidia-smi"
	src.runQuery = func(_ context.Context) (string, error) {
		return "NVIDIA GeForce RTX 4080, 87, 12, 8192, 16384, 250.50, 320.00, 71\n", nil
	}

	require.NoError(t, src.Init(context.Background()))
	info := src.Info()
	assert.Equal(t, "NVIDIA", info.Vendor)
	assert.Equal(t, "NVIDIA GeForce RTX 4080", info.Model)

	metrics, err := src.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 87.0, metrics["utilization"].Value)
	assert.Equal(t, 12.0, metrics["encoder_utilization"].Value)
	assert.InDelta(t, 50.0, metrics["vram_percent"].Value, 0.01)
	assert.Equal(t, 250.50, metrics["power_watts"].Value)
	assert.Equal(t, 320.0, metrics["power_limit_watts"].Value)
	assert.Equal(t, 71.0, metrics["temperature"].Value)
}

func TestNvidiaGPUSourceOmitsNAFields(t *testing.T) {
	src := NewNvidiaGPUSource(testr.New(t), telemetry.SourceConfig{}).(*NvidiaGPUSource)
	src.binPath = "nvidia-smi"
	src.runQuery = func(_ context.Context) (string, error) {
		return "NVIDIA T400, 5, [N/A], 512, 2048, [N/A], [N/A], 40\n", nil
	}

	require.NoError(t, src.Init(context.Background()))
	metrics, err := src.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5.0, metrics["utilization"].Value)
	_, ok := metrics["encoder_utilization"]
	assert.False(t, ok)
	_, ok = metrics["power_watts"]
	assert.False(t, ok)
	assert.InDelta(t, 25.0, metrics["vram_percent"].Value, 0.01)
}

func TestAllSourcesRegistered(t *testing.T) {
	registered := telemetry.RegisteredSources()
	for _, name := range []string{"cpu", "memory", "disk", "network", "gpu"} {
		assert.Contains(t, registered, name)
	}
}
