// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package telemetry

import (
	"errors"
	"sort"
	"time"
)

// Taxonomy of source failures. Sampler counts transient failures and
// timeouts per source; unavailable sources are never enabled at all.
var (
	// ErrSourceUnavailable means the source could not initialize on this
	// host (missing hardware, missing tool, unreadable /proc entry). The
	// source is skipped for the lifetime of the process.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSourceTimeout means a single Sample call exceeded the per-source
	// timeout. Treated as a transient failure.
	ErrSourceTimeout = errors.New("source sample timed out")
)

// MetricValue is a single measurement taken during one sampling tick.
// Immutable once produced.
type MetricValue struct {
	Name      string
	Value     float64
	Unit      string
	Source    string
	Timestamp time.Time
}

// Key identifies a metric across ticks. Two values with the same Key are
// successive observations of the same quantity.
type Key struct {
	Source string
	Name   string
}

// String renders the key as "source.name", the form used for CSV column
// headers and classifier rule matching.
func (k Key) String() string {
	return k.Source + "." + k.Name
}

// Snapshot holds every metric collected in one sampling tick. All values
// share the snapshot's timestamp. The tick that produced a Snapshot owns
// it until it is handed to the delta filter; after that it is read-only.
type Snapshot struct {
	Timestamp time.Time
	Values    map[Key]MetricValue
}

// NewSnapshot returns an empty snapshot stamped with ts.
func NewSnapshot(ts time.Time) *Snapshot {
	return &Snapshot{
		Timestamp: ts,
		Values:    make(map[Key]MetricValue),
	}
}

// Len returns the number of metrics in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Values)
}

// Get returns the value for key, if present.
func (s *Snapshot) Get(key Key) (MetricValue, bool) {
	if s == nil {
		return MetricValue{}, false
	}
	v, ok := s.Values[key]
	return v, ok
}

// SortedKeys returns the snapshot's keys ordered by (source, name) so
// that iteration order is stable across ticks.
func (s *Snapshot) SortedKeys() []Key {
	if s == nil {
		return nil
	}
	keys := make([]Key, 0, len(s.Values))
	for k := range s.Values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Source != keys[j].Source {
			return keys[i].Source < keys[j].Source
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

// Record is the unit written to storage: the metrics that survived delta
// filtering for one tick, plus the classifier's output for that tick.
type Record struct {
	Timestamp  time.Time
	HardwareID string
	Values     map[Key]MetricValue
	Category   string
	Confidence float64
}

// SortedKeys returns the record's metric keys in (source, name) order.
func (r *Record) SortedKeys() []Key {
	keys := make([]Key, 0, len(r.Values))
	for k := range r.Values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Source != keys[j].Source {
			return keys[i].Source < keys[j].Source
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}
