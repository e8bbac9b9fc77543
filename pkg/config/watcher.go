// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/logger"
)

// Change is emitted by a Watcher after the layered files were reloaded.
type Change struct {
	// Path is the file whose event triggered the reload.
	Path string
	// Settings holds the merged settings after the reload. Nil when Err is set.
	Settings map[string]interface{}
	Err      error
}

// Watcher reloads a Manager when one of its layer files changes on disk.
type Watcher struct {
	manager  *Manager
	debounce time.Duration
	logger   *zap.Logger

	fs      *fsnotify.Watcher
	events  chan Change
	mu      sync.Mutex
	running bool
	stop    context.CancelFunc
	done    chan struct{}
}

// NewWatcher watches the files of manager. Events within debounce of the
// previous reload of the same file are coalesced.
func NewWatcher(manager *Manager, debounce time.Duration) (*Watcher, error) {
	if manager == nil {
		return nil, errors.New("manager cannot be nil")
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		manager:  manager,
		debounce: debounce,
		logger:   logger.Named("config"),
		fs:       fs,
		events:   make(chan Change, 8),
	}, nil
}

// Events delivers reload results. It is closed when the watcher stops.
func (w *Watcher) Events() <-chan Change {
	return w.events
}

// Start watches the manager's working directory until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("watcher is already running")
	}
	dir := w.manager.options.WorkDir
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	ctx, w.stop = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.running = true
	go w.watch(ctx)
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.stop()
	done := w.done
	w.mu.Unlock()

	<-done
	return w.fs.Close()
}

func (w *Watcher) watched() map[string]struct{} {
	files := make(map[string]struct{}, 3)
	for _, layer := range []Layer{BaseLayer, EnvironmentFileLayer, OverrideFileLayer} {
		if layer == EnvironmentFileLayer && w.manager.options.EnvironmentName == "" {
			continue
		}
		files[filepath.Clean(w.manager.filePathFor(layer))] = struct{}{}
	}
	return files
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	files := w.watched()
	last := make(map[string]time.Time)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			path := filepath.Clean(event.Name)
			if _, ok := files[path]; !ok {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if t, seen := last[path]; seen && time.Since(t) < w.debounce {
				continue
			}
			last[path] = time.Now()
			w.emit(ctx, w.reload(path))

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) reload(path string) Change {
	if err := w.manager.Load(); err != nil {
		return Change{Path: path, Err: err}
	}
	w.logger.Info("configuration reloaded", zap.String("file", path))
	return Change{Path: path, Settings: w.manager.AllSettings()}
}

func (w *Watcher) emit(ctx context.Context, c Change) {
	select {
	case w.events <- c:
	case <-ctx.Done():
	}
}
