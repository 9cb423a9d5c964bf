// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

// Package hostid derives a stable, anonymous identifier for the machine
// from its hardware inventory. The identifier survives reboots and OS
// reinstalls as long as the CPU, GPUs, and motherboard stay the same,
// and carries no serial numbers or user-identifying data.
package hostid

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Length of the identifier in hex characters (128 bits of the hash).
const idLength = 32

var idPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Components is the hardware inventory the identifier is derived from.
// Empty fields are allowed; they hash as empty strings so a machine
// without a discrete GPU still gets a stable id.
type Components struct {
	CPUModel string
	GPUs     []string
	Board    string
}

// Fingerprint renders the canonical pre-hash form. GPU names are sorted
// so enumeration order (which can change across driver versions) does
// not change the id.
func (c Components) Fingerprint() string {
	gpus := append([]string(nil), c.GPUs...)
	sort.Strings(gpus)
	return fmt.Sprintf("CPU:%s||GPU:%s||MB:%s",
		strings.TrimSpace(c.CPUModel),
		strings.Join(gpus, "|"),
		strings.TrimSpace(c.Board))
}

// Derive hashes the inventory into the 32-hex-character identifier.
func Derive(c Components) string {
	sum := blake3.Sum256([]byte(c.Fingerprint()))
	return hex.EncodeToString(sum[:])[:idLength]
}

// ReadBoard returns "vendor:name" from the DMI tree, or "" when DMI is
// not exposed (VMs, containers).
func ReadBoard(sysPath string) string {
	dmiDir := filepath.Join(sysPath, "class/dmi/id")
	vendor := readDMIField(filepath.Join(dmiDir, "board_vendor"))
	name := readDMIField(filepath.Join(dmiDir, "board_name"))
	if vendor == "" && name == "" {
		return ""
	}
	return vendor + ":" + name
}

func readDMIField(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Load returns the cached identifier from cachePath, deriving and
// caching a fresh one when the cache is absent or corrupted. The cache
// keeps the id stable even if a hardware probe later fails (a GPU
// adapter breaking must not fork the machine's history).
func Load(cachePath string, c Components) (string, error) {
	if data, err := os.ReadFile(cachePath); err == nil {
		cached := strings.TrimSpace(string(data))
		if idPattern.MatchString(cached) {
			return cached, nil
		}
	}

	id := Derive(c)
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return id, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.WriteFile(cachePath, []byte(id+"\n"), 0o600); err != nil {
		return id, fmt.Errorf("failed to cache hardware id: %w", err)
	}
	return id, nil
}

// DefaultCachePath places the cache in the user's home directory, the
// same spot regardless of where the agent runs from.
func DefaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".optimetrics_hwid"
	}
	return filepath.Join(home, ".optimetrics_hwid")
}
