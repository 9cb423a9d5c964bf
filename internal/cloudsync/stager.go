// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

// Package cloudsync stages finished log files for upload. Files are
// encrypted to the operator's age recipient and copied into an outbox
// directory; the actual transport (rclone, rsync, a cron job) is
// whatever the operator points at the outbox. The local plaintext log
// is never touched.
package cloudsync

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// stageQueueDepth bounds how many files can wait for encryption before
// announcements start being dropped. Dropped files are not lost: they
// remain on disk and can be re-staged by hand.
const stageQueueDepth = 16

// Config for the staging worker.
type Config struct {
	// OutboxDir receives the encrypted copies.
	OutboxDir string

	// Recipient is the age X25519 public key files are encrypted to.
	// Empty disables staging entirely.
	Recipient string
}

// Stager encrypts retired log files into the outbox on a single
// background goroutine.
type Stager struct {
	logger    logr.Logger
	outbox    string
	recipient age.Recipient

	queue chan string
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewStager validates the recipient key and creates the outbox. A nil
// Stager is returned (without error) when no recipient is configured;
// its methods are safe no-ops.
func NewStager(logger logr.Logger, config Config) (*Stager, error) {
	if config.Recipient == "" {
		return nil, nil
	}

	recipient, err := age.ParseX25519Recipient(config.Recipient)
	if err != nil {
		return nil, errors.Wrap(err, "invalid age recipient")
	}
	if config.OutboxDir == "" {
		return nil, errors.New("outbox directory not configured")
	}
	if err := os.MkdirAll(config.OutboxDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create outbox %s", config.OutboxDir)
	}

	s := &Stager{
		logger:    logger.WithName("cloudsync"),
		outbox:    config.OutboxDir,
		recipient: recipient,
		queue:     make(chan string, stageQueueDepth),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Watch forwards file announcements into the staging queue until the
// channel closes or the stager shuts down.
func (s *Stager) Watch(retired <-chan string) {
	if s == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.done:
				return
			case path, ok := <-retired:
				if !ok {
					return
				}
				s.Stage(path)
			}
		}
	}()
}

// Stage queues one file for encryption without blocking.
func (s *Stager) Stage(path string) {
	if s == nil {
		return
	}
	select {
	case s.queue <- path:
	default:
		s.logger.Info("staging queue full, skipping file for now", "path", path)
	}
}

func (s *Stager) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case path := <-s.queue:
			if err := s.stageFile(path); err != nil {
				s.logger.Error(err, "failed to stage file", "path", path)
				continue
			}
			s.logger.V(1).Info("staged file for upload", "path", path)
		}
	}
}

// stageFile encrypts path into outbox/<base>.age via a temp file so a
// crash never leaves a half-written ciphertext in the outbox.
func (s *Stager) stageFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer src.Close()

	finalPath := filepath.Join(s.outbox, filepath.Base(path)+".age")
	tmpPath := finalPath + ".tmp"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "creating %s", tmpPath)
	}

	enc, err := age.Encrypt(dst, s.recipient)
	if err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "initializing encryption")
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "encrypting %s", path)
	}
	if err := enc.Close(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "finalizing encryption")
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "closing %s", tmpPath)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "renaming %s", tmpPath)
	}
	return nil
}

// Close drains nothing: queued-but-unstarted files stay on disk for the
// next run. In-flight encryption is allowed to finish.
func (s *Stager) Close() {
	if s == nil {
		return
	}
	close(s.done)
	s.wg.Wait()
}
