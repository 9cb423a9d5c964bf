// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package cloudsync

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStagerEncryptsIntoOutbox(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	dir := t.TempDir()
	outbox := filepath.Join(dir, "outbox")
	logPath := filepath.Join(dir, "metrics_abcdef01_2026-03-14.csv.gz")
	plaintext := []byte("timestamp,hardware_id,cpu.total_utilization,category,confidence\n")
	require.NoError(t, os.WriteFile(logPath, plaintext, 0o644))

	stager, err := NewStager(testr.New(t), Config{
		OutboxDir: outbox,
		Recipient: identity.Recipient().String(),
	})
	require.NoError(t, err)
	require.NotNil(t, stager)
	defer stager.Close()

	stager.Stage(logPath)

	staged := filepath.Join(outbox, "metrics_abcdef01_2026-03-14.csv.gz.age")
	require.Eventually(t, func() bool {
		_, err := os.Stat(staged)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	// The original must be untouched and the ciphertext must decrypt
	// back to it with the matching identity.
	original, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, plaintext, original)

	f, err := os.Open(staged)
	require.NoError(t, err)
	defer f.Close()
	dec, err := age.Decrypt(f, identity)
	require.NoError(t, err)
	decrypted, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestStagerDisabledWithoutRecipient(t *testing.T) {
	stager, err := NewStager(testr.New(t), Config{OutboxDir: t.TempDir()})
	require.NoError(t, err)
	assert.Nil(t, stager)

	// A nil stager is safe to use.
	stager.Stage("whatever.csv")
	stager.Watch(make(chan string))
	stager.Close()
}

func TestStagerRejectsBadRecipient(t *testing.T) {
	_, err := NewStager(testr.New(t), Config{
		OutboxDir: t.TempDir(),
		Recipient: "not-an-age-key",
	})
	require.Error(t, err)
}

func TestStagerWatchForwardsAnnouncements(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	dir := t.TempDir()
	outbox := filepath.Join(dir, "outbox")
	logPath := filepath.Join(dir, "retired.csv.gz")
	require.NoError(t, os.WriteFile(logPath, []byte("data"), 0o644))

	stager, err := NewStager(testr.New(t), Config{
		OutboxDir: outbox,
		Recipient: identity.Recipient().String(),
	})
	require.NoError(t, err)
	defer stager.Close()

	retired := make(chan string, 1)
	stager.Watch(retired)
	retired <- logPath
	close(retired)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(outbox, "retired.csv.gz.age"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}
