// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package logstore

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/Dex947/OptiMetrics/pkg/telemetry"
)

// ReadRecords parses a log file (plain or gzip-compressed) back into
// records. Blank cells come back as absent metric keys, not zeros.
// Units are not stored in the CSV and are left empty on the way out.
func ReadRecords(path string) ([]telemetry.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", path, err)
		}
		defer gz.Close()
		reader = gz
	}

	cr := csv.NewReader(reader)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}
	if len(header) < 4 || header[0] != "timestamp" || header[1] != "hardware_id" {
		return nil, fmt.Errorf("%s: unrecognized header", path)
	}
	metricCols := header[2 : len(header)-2]

	var records []telemetry.Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s line %d: %w", path, line, err)
		}

		record, err := parseRow(header, metricCols, row)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func parseRow(header, metricCols, row []string) (telemetry.Record, error) {
	if len(row) != len(header) {
		return telemetry.Record{}, fmt.Errorf("expected %d fields, got %d", len(header), len(row))
	}

	ts, err := time.Parse(time.RFC3339Nano, row[0])
	if err != nil {
		return telemetry.Record{}, fmt.Errorf("parsing timestamp %q: %w", row[0], err)
	}

	record := telemetry.Record{
		Timestamp:  ts,
		HardwareID: row[1],
		Values:     make(map[telemetry.Key]telemetry.MetricValue),
		Category:   row[len(row)-2],
	}

	confidence, err := strconv.ParseFloat(row[len(row)-1], 64)
	if err != nil {
		return telemetry.Record{}, fmt.Errorf("parsing confidence %q: %w", row[len(row)-1], err)
	}
	record.Confidence = confidence

	for i, col := range metricCols {
		cell := row[2+i]
		if cell == "" {
			continue
		}
		value, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return telemetry.Record{}, fmt.Errorf("parsing column %q value %q: %w", col, cell, err)
		}
		key := parseColumn(col)
		record.Values[key] = telemetry.MetricValue{
			Name:      key.Name,
			Value:     value,
			Source:    key.Source,
			Timestamp: ts,
		}
	}
	return record, nil
}

// parseColumn splits a "source.name" column back into a key. Metric
// names may themselves contain dots, so only the first separator
// counts.
func parseColumn(col string) telemetry.Key {
	source, name, found := strings.Cut(col, ".")
	if !found {
		return telemetry.Key{Name: col}
	}
	return telemetry.Key{Source: source, Name: name}
}
