// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

// Package logstore persists metric records as rotating, compressed CSV
// files. The row format is flat and append-only: one row per committed
// record, one column per known metric key, blank cells for metrics not
// sampled that tick (blank and zero must stay distinguishable).
package logstore

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/Dex947/OptiMetrics/pkg/telemetry"
)

// ErrWriteFailure wraps unrecoverable filesystem errors (disk full,
// permission denied). The pipeline treats it as fatal: no silent data
// loss past logging it once.
var ErrWriteFailure = errors.New("log write failure")

const dateKeyLayout = "2006-01-02"

// Config tunes the rolling writer.
type Config struct {
	// Dir is the directory log files are written to.
	Dir string

	// MaxFileBytes rotates the active file once its size crosses this
	// threshold. A file may exceed it only by its final record.
	MaxFileBytes int64

	// HardwareID tags file names; the first 8 characters are used.
	HardwareID string

	// Compress gzips retired files in the background.
	Compress bool
}

// DefaultConfig returns the standard storage settings.
func DefaultConfig() Config {
	return Config{
		Dir:          "logs",
		MaxFileBytes: 50 * 1024 * 1024,
		Compress:     true,
	}
}

// countingWriter tracks bytes actually handed to the file so rotation
// decisions do not depend on stat calls.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Writer appends records to the active log file and rotates it on size
// or day boundaries. Exactly one file is writable at a time; rotation
// closes the current file, hands it to the background compressor, and
// opens a new deterministically named one. Writer is driven by the
// single pipeline goroutine and needs no locking.
type Writer struct {
	config Config
	logger logr.Logger

	file     *os.File
	counter  *countingWriter
	csv      *csv.Writer
	path     string
	dateKey  string
	seq      int
	columns  []string
	colIndex map[string]int

	compressor *compressor
}

// NewWriter creates the log directory and the background compressor.
// The first file is opened lazily on the first Commit so an agent that
// never has anything to say leaves no empty files behind.
func NewWriter(logger logr.Logger, config Config) (*Writer, error) {
	if config.MaxFileBytes <= 0 {
		config.MaxFileBytes = DefaultConfig().MaxFileBytes
	}
	if config.Dir == "" {
		config.Dir = DefaultConfig().Dir
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create log directory %s: %v", ErrWriteFailure, config.Dir, err)
	}

	w := &Writer{
		config:     config,
		logger:     logger.WithName("logstore"),
		compressor: newCompressor(logger, config.Compress),
	}
	return w, nil
}

// Commit appends exactly one row for the record. Absent metrics are
// written as blank cells. Returns an ErrWriteFailure-wrapped error on
// unrecoverable filesystem errors.
func (w *Writer) Commit(record *telemetry.Record) error {
	dateKey := record.Timestamp.Format(dateKeyLayout)

	if w.needsRotation(record, dateKey) {
		if err := w.rotate(record, dateKey); err != nil {
			return err
		}
	}

	row := make([]string, len(w.columns)+4)
	row[0] = record.Timestamp.Format(time.RFC3339Nano)
	row[1] = record.HardwareID
	for key, value := range record.Values {
		idx, ok := w.colIndex[key.String()]
		if !ok {
			// Unreachable after rotation extended the column set.
			continue
		}
		row[2+idx] = strconv.FormatFloat(value.Value, 'f', -1, 64)
	}
	row[len(row)-2] = record.Category
	row[len(row)-1] = strconv.FormatFloat(record.Confidence, 'f', 3, 64)

	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("%w: appending to %s: %v", ErrWriteFailure, w.path, err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("%w: flushing %s: %v", ErrWriteFailure, w.path, err)
	}
	return nil
}

// needsRotation checks the three triggers: no open file yet, a date or
// size boundary, or a record carrying metric keys the active file's
// header does not know.
func (w *Writer) needsRotation(record *telemetry.Record, dateKey string) bool {
	if w.file == nil {
		return true
	}
	if dateKey != w.dateKey {
		return true
	}
	if w.counter.n >= w.config.MaxFileBytes {
		return true
	}
	for key := range record.Values {
		if _, known := w.colIndex[key.String()]; !known {
			return true
		}
	}
	return false
}

// rotate closes the active file, queues it for compression, and opens a
// new file whose header covers the union of all previously seen metric
// columns and the incoming record's keys.
func (w *Writer) rotate(record *telemetry.Record, dateKey string) error {
	if w.file != nil {
		retired := w.path
		if err := w.closeFile(); err != nil {
			return err
		}
		w.compressor.Enqueue(retired)
		if dateKey == w.dateKey {
			w.seq++
		} else {
			w.seq = 0
		}
	}
	w.dateKey = dateKey

	w.mergeColumns(record)
	return w.openFile()
}

// mergeColumns extends the column universe with the record's keys,
// keeping the overall order sorted.
func (w *Writer) mergeColumns(record *telemetry.Record) {
	known := make(map[string]bool, len(w.columns))
	for _, col := range w.columns {
		known[col] = true
	}
	changed := false
	for _, key := range record.SortedKeys() {
		if !known[key.String()] {
			w.columns = append(w.columns, key.String())
			changed = true
		}
	}
	if changed || w.colIndex == nil {
		sort.Strings(w.columns)
		w.colIndex = make(map[string]int, len(w.columns))
		for i, col := range w.columns {
			w.colIndex[col] = i
		}
	}
}

func (w *Writer) openFile() error {
	path := w.nextPath()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrWriteFailure, path, err)
	}

	w.file = file
	w.counter = &countingWriter{w: file}
	w.csv = csv.NewWriter(w.counter)
	w.path = path

	header := make([]string, 0, len(w.columns)+4)
	header = append(header, "timestamp", "hardware_id")
	header = append(header, w.columns...)
	header = append(header, "category", "confidence")
	if err := w.csv.Write(header); err != nil {
		return fmt.Errorf("%w: writing header to %s: %v", ErrWriteFailure, path, err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("%w: writing header to %s: %v", ErrWriteFailure, path, err)
	}

	w.logger.Info("opened log file", "path", path, "columns", len(w.columns))
	return nil
}

// nextPath picks the first unused deterministic name for the current
// date, advancing the sequence suffix past files left by earlier runs.
func (w *Writer) nextPath() string {
	hwid := w.config.HardwareID
	if len(hwid) > 8 {
		hwid = hwid[:8]
	}
	if hwid == "" {
		hwid = "local"
	}
	for {
		name := fmt.Sprintf("metrics_%s_%s.csv", hwid, w.dateKey)
		if w.seq > 0 {
			name = fmt.Sprintf("metrics_%s_%s_%d.csv", hwid, w.dateKey, w.seq)
		}
		path := filepath.Join(w.config.Dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		w.seq++
	}
}

func (w *Writer) closeFile() error {
	w.csv.Flush()
	flushErr := w.csv.Error()
	closeErr := w.file.Close()
	w.file = nil
	w.csv = nil
	w.counter = nil
	if flushErr != nil {
		return fmt.Errorf("%w: flushing %s: %v", ErrWriteFailure, w.path, flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrWriteFailure, w.path, closeErr)
	}
	return nil
}

// ActivePath returns the path of the file currently being written, or
// "" before the first commit.
func (w *Writer) ActivePath() string {
	return w.path
}

// Retired announces the paths of compressed retired files so an
// external uploader can stage them. The channel is never blocked on by
// the writer; a slow consumer loses announcements, not data.
func (w *Writer) Retired() <-chan string {
	return w.compressor.Retired()
}

// Close flushes and closes the active file and drains the compression
// queue. The final file is left uncompressed; it is the resume target
// after a restart.
func (w *Writer) Close() error {
	var err error
	if w.file != nil {
		err = w.closeFile()
	}
	w.compressor.Close()
	return err
}
