// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package workload

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// RulesWatcher hot-reloads a classifier's rule set when the rules file
// changes on disk. A file that fails to parse is logged and ignored;
// the classifier keeps the previous rules.
type RulesWatcher struct {
	path       string
	classifier *Classifier
	watcher    *fsnotify.Watcher
	logger     logr.Logger
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewRulesWatcher starts watching path. The containing directory is
// watched rather than the file itself so editors that replace the file
// (rename-over-write) still trigger a reload.
func NewRulesWatcher(path string, classifier *Classifier, logger logr.Logger) (*RulesWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch rules directory: %w", err)
	}

	rw := &RulesWatcher{
		path:       path,
		classifier: classifier,
		watcher:    watcher,
		logger:     logger.WithName("rules-watcher"),
		done:       make(chan struct{}),
	}

	rw.wg.Add(1)
	go rw.processEvents()

	return rw, nil
}

func (rw *RulesWatcher) processEvents() {
	defer rw.wg.Done()
	for {
		select {
		case <-rw.done:
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			rw.handleEvent(event)
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Error(err, "filesystem watcher error")
		}
	}
}

func (rw *RulesWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(rw.path) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	rw.logger.V(1).Info("rules file event", "file", event.Name, "op", event.Op.String())

	rules, err := LoadRules(rw.path)
	if err != nil {
		rw.logger.Error(err, "failed to reload rules, keeping previous set", "path", rw.path)
		return
	}
	rw.classifier.SetRules(rules)
}

// Close stops the watcher.
func (rw *RulesWatcher) Close() error {
	close(rw.done)
	err := rw.watcher.Close()
	rw.wg.Wait()
	return err
}
