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
	telemetry.Register("network", NewNetworkSource)
}

// NetworkSource reports aggregate receive/transmit throughput in KB/s
// summed across all interfaces except loopback. Rates come from the
// byte-counter delta between consecutive samples; the first tick emits
// nothing.
type NetworkSource struct {
	telemetry.BaseSource

	netdevPath string
	now        func() time.Time

	prevRecv uint64
	prevSend uint64
	prevTime time.Time
}

func NewNetworkSource(logger logr.Logger, config telemetry.SourceConfig) telemetry.Source {
	base := telemetry.NewBaseSource("network", logger, config)
	return &NetworkSource{
		BaseSource: base,
		netdevPath: filepath.Join(base.Config().ProcPath, "net/dev"),
		now:        time.Now,
	}
}

func (n *NetworkSource) Init(_ context.Context) error {
	if _, err := os.Stat(n.netdevPath); err != nil {
		return fmt.Errorf("%w: cannot read %s: %v", telemetry.ErrSourceUnavailable, n.netdevPath, err)
	}
	return nil
}

func (n *NetworkSource) Info() telemetry.SourceInfo {
	return telemetry.SourceInfo{}
}

func (n *NetworkSource) Sample(_ context.Context) (map[string]telemetry.MetricValue, error) {
	recvBytes, sendBytes, err := readNetDev(n.netdevPath)
	if err != nil {
		return nil, err
	}
	sampledAt := n.now()

	metrics := make(map[string]telemetry.MetricValue)
	if !n.prevTime.IsZero() {
		elapsed := sampledAt.Sub(n.prevTime).Seconds()
		if elapsed > 0 && recvBytes >= n.prevRecv && sendBytes >= n.prevSend {
			recvRate := float64(recvBytes-n.prevRecv) / elapsed / 1024
			sendRate := float64(sendBytes-n.prevSend) / elapsed / 1024
			metrics["recv_rate_kbps"] = n.Metric("recv_rate_kbps", recvRate, "KB/s")
			metrics["send_rate_kbps"] = n.Metric("send_rate_kbps", sendRate, "KB/s")
		}
	}

	n.prevRecv = recvBytes
	n.prevSend = sendBytes
	n.prevTime = sampledAt
	return metrics, nil
}

func (n *NetworkSource) Shutdown() error {
	return nil
}

// readNetDev sums rx bytes (field 1) and tx bytes (field 9) across all
// interfaces except lo.
func readNetDev(path string) (uint64, uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var recvBytes, sendBytes uint64
	for _, line := range strings.Split(string(data), "\n") {
		iface, rest, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		iface = strings.TrimSpace(iface)
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 16 {
			continue
		}
		rx, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid rx bytes for %s: %w", iface, err)
		}
		tx, err := strconv.ParseUint(fields[8], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid tx bytes for %s: %w", iface, err)
		}
		recvBytes += rx
		sendBytes += tx
	}
	return recvBytes, sendBytes, nil
}
