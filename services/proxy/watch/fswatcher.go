// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/langproxy/pkg/logging"
	"github.com/AleutianAI/langproxy/services/proxy/generated"
)

// BatchFunc receives a debounced batch of events.
type BatchFunc func(events []Event)

// FSWatcherOptions configures an FSWatcher.
type FSWatcherOptions struct {
	// Debounce is the quiet period before a batch is delivered.
	// Default: 200ms
	Debounce time.Duration

	// BufferSize is the capacity of the pending-change channel.
	// Default: 1024
	BufferSize int

	Logger *logging.Logger
}

// DefaultFSWatcherOptions returns the defaults.
func DefaultFSWatcherOptions() FSWatcherOptions {
	return FSWatcherOptions{
		Debounce:   200 * time.Millisecond,
		BufferSize: 1024,
	}
}

// FSWatcher produces watched-file batches from disk for editors that do not
// register file watchers themselves.
//
// # Description
//
// Watches Root recursively, skipping generated.ExcludedDirs. Events are
// collected until Debounce passes without a new one, reduced to the latest
// event per path, and delivered to the BatchFunc.
//
// # Thread Safety
//
// Safe for concurrent use. The BatchFunc is called from a single goroutine.
type FSWatcher struct {
	root     string
	watcher  *fsnotify.Watcher
	onBatch  BatchFunc
	debounce time.Duration
	logger   *logging.Logger

	changes  chan Event
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	watching bool
}

// NewFSWatcher creates a watcher for root. Call Start to begin.
func NewFSWatcher(root string, onBatch BatchFunc, opts *FSWatcherOptions) (*FSWatcher, error) {
	o := DefaultFSWatcherOptions()
	if opts != nil {
		if opts.Debounce > 0 {
			o.Debounce = opts.Debounce
		}
		if opts.BufferSize > 0 {
			o.BufferSize = opts.BufferSize
		}
		o.Logger = opts.Logger
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &FSWatcher{
		root:     root,
		watcher:  watcher,
		onBatch:  onBatch,
		debounce: o.Debounce,
		logger:   o.Logger.With("component", "fswatcher"),
		changes:  make(chan Event, o.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start registers the directory tree and starts delivering batches until ctx
// ends or Stop is called.
func (w *FSWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops watching. Pending changes are flushed. Idempotent.
func (w *FSWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether the watcher is active.
func (w *FSWatcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

func (w *FSWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && generated.ExcludedDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Debug("cannot watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *FSWatcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for dir := filepath.Dir(rel); dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
		if generated.ExcludedDirs[filepath.Base(dir)] {
			return true
		}
	}
	return generated.ExcludedDirs[filepath.Base(rel)]
}

func (w *FSWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.ignored(ev.Name) {
				continue
			}

			select {
			case w.changes <- NewEvent(ev.Name, convertOp(ev.Op)):
			default:
				w.logger.Warn("watch buffer full, dropping event", "path", ev.Name)
			}

			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.addRecursive(ev.Name)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// convertOp maps fsnotify operations onto change kinds. A rename is the
// disappearance of the old name.
func convertOp(op fsnotify.Op) Kind {
	switch {
	case op.Has(fsnotify.Create):
		return KindCreated
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return KindDeleted
	default:
		return KindChanged
	}
}

func (w *FSWatcher) debounceLoop(ctx context.Context) {
	var batch []Event
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			deduped := dedupe(batch)
			if w.onBatch != nil {
				w.onBatch(deduped)
			}
			batch = batch[:0]
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case e := <-w.changes:
			batch = append(batch, e)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// dedupe keeps the latest event per URI, in first-seen order.
func dedupe(events []Event) []Event {
	seen := make(map[string]int, len(events))
	result := make([]Event, 0, len(events))
	for _, e := range events {
		if idx, ok := seen[string(e.URI)]; ok {
			result[idx] = e
			continue
		}
		seen[string(e.URI)] = len(result)
		result = append(result, e)
	}
	return result
}
