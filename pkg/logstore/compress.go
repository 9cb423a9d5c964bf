// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package logstore

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/gzip"
)

const (
	// compressQueueDepth bounds how many retired files can wait for the
	// compression worker before rotation falls back to the retry list.
	compressQueueDepth = 8

	// retiredQueueDepth bounds the announcement channel for consumers of
	// finished files.
	retiredQueueDepth = 16
)

// compressor gzips retired log files on a single background goroutine
// so rotation never blocks the sampling tick. Compression failures are
// recoverable: the file is kept uncompressed, logged, and retried on
// the next rotation.
type compressor struct {
	enabled bool
	logger  logr.Logger

	queue   chan string
	retired chan string
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending []string
	closed  bool
}

func newCompressor(logger logr.Logger, enabled bool) *compressor {
	c := &compressor{
		enabled: enabled,
		logger:  logger.WithName("compressor"),
		queue:   make(chan string, compressQueueDepth),
		retired: make(chan string, retiredQueueDepth),
	}
	if enabled {
		c.wg.Add(1)
		go c.run()
	}
	return c
}

// Enqueue hands a retired file to the worker without blocking. Files
// that failed earlier are re-queued first so they are not forgotten.
func (c *compressor) Enqueue(path string) {
	if !c.enabled {
		c.announce(path)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	retry := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range append(retry, path) {
		select {
		case c.queue <- p:
		default:
			c.holdForRetry(p)
		}
	}
}

func (c *compressor) holdForRetry(path string) {
	c.mu.Lock()
	c.pending = append(c.pending, path)
	c.mu.Unlock()
	c.logger.V(1).Info("compression queue full, deferring", "path", path)
}

func (c *compressor) run() {
	defer c.wg.Done()
	for path := range c.queue {
		gzPath, err := gzipFile(path)
		if err != nil {
			c.logger.Error(err, "failed to compress retired log file, will retry", "path", path)
			c.mu.Lock()
			c.pending = append(c.pending, path)
			c.mu.Unlock()
			continue
		}
		c.logger.V(1).Info("compressed retired log file", "path", gzPath)
		c.announce(gzPath)
	}
}

// announce publishes a finished file path without ever blocking the
// worker; a consumer that is not keeping up misses announcements.
func (c *compressor) announce(path string) {
	select {
	case c.retired <- path:
	default:
	}
}

func (c *compressor) Retired() <-chan string {
	return c.retired
}

// Close drains the queue, waits for in-flight compression, and closes
// the retired channel. Files still on the retry list stay uncompressed
// on disk; the next run picks them up by name.
func (c *compressor) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.queue)
	c.wg.Wait()
	close(c.retired)
}

// gzipFile compresses path to path.gz via a temp file and removes the
// original. The temp-then-rename keeps a crash from leaving a
// truncated .gz next to the source.
func gzipFile(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer src.Close()

	gzPath := path + ".gz"
	tmpPath := gzPath + ".tmp"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", tmpPath, err)
	}

	gz, err := gzip.NewWriterLevel(dst, gzip.BestCompression)
	if err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("initializing gzip writer: %w", err)
	}

	if _, err := io.Copy(gz, src); err != nil {
		_ = gz.Close()
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("compressing %s: %w", path, err)
	}
	if err := gz.Close(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("finalizing %s: %w", tmpPath, err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, gzPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("renaming %s: %w", tmpPath, err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("removing %s after compression: %w", path, err)
	}
	return gzPath, nil
}
