// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 500 * time.Millisecond

// Watcher reapplies the server table whenever the config file changes.
// The containing directory is watched rather than the file itself, so
// editors that save by rename do not break the watch.
type Watcher struct {
	manager *Manager
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	debounce time.Duration
	timerMu  sync.Mutex
	timers   map[string]*time.Timer

	ctx      context.Context
	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(m *Manager, path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		manager:  m,
		path:     abs,
		logger:   logger,
		watcher:  fsw,
		debounce: watchDebounce,
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. ctx bounds the reconnects triggered by
// reloads as well as the watch loop itself.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	w.ctx = ctx
	w.started = true
	w.logger.Info("Watching config file", zap.String("path", w.path))
	go w.watchLoop(ctx)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", zap.Error(err))
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.debounceReload(event.Name)
}

// debounceReload delays the reload until changes settle, collapsing
// editor save bursts into one pass.
func (w *Watcher) debounceReload(key string) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if timer, exists := w.timers[key]; exists {
		timer.Stop()
	}
	w.timers[key] = time.AfterFunc(w.debounce, func() {
		w.reload()
		w.timerMu.Lock()
		delete(w.timers, key)
		w.timerMu.Unlock()
	})
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Error("Config reload failed, keeping current servers",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}
	ctx := w.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	w.logger.Info("Config changed, reconciling servers",
		zap.Int("server_count", len(cfg.Servers)))
	w.manager.ApplyConfig(ctx, *cfg)
}

// Stop ends the watch. Idempotent; waits briefly for the loop to
// drain.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.started {
			select {
			case <-w.doneCh:
			case <-time.After(5 * time.Second):
				w.logger.Warn("Config watcher stop timed out")
			}
		}
		err = w.watcher.Close()
	})
	return err
}
