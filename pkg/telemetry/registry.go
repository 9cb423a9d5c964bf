// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package telemetry

import (
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// NewSource creates a source instance with the provided logger and
// configuration.
type NewSource func(logger logr.Logger, config SourceConfig) Source

var (
	registry       = make(map[string]NewSource)
	registryLogger = stdr.New(log.New(os.Stderr, "[telemetry.registry] ", log.LstdFlags))
)

// Register adds a source factory to the global registry under name.
// Called from init() functions in the sources package so the pipeline can
// instantiate sources selected by configuration. Panics on duplicates.
func Register(name string, factory NewSource) {
	if factory == nil {
		panic(fmt.Sprintf("nil factory for source %q", name))
	}
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("source %q already registered", name))
	}
	registry[name] = factory
	registryLogger.V(1).Info("registered source", "name", name)
}

// GetFactory retrieves the factory for name.
func GetFactory(name string) (NewSource, error) {
	factory, exists := registry[name]
	if !exists {
		return nil, fmt.Errorf("source %q not found", name)
	}
	return factory, nil
}

// RegisteredSources returns the names of all registered sources, sorted.
func RegisteredSources() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetRegistryLogger replaces the fallback registry logger. Call before
// any sources are registered.
func SetRegistryLogger(logger logr.Logger) {
	registryLogger = logger
}
