// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/raceboard/pkg/logging"
)

// ChangeHandler receives the freshly loaded configuration after the
// file changes on disk. Handlers decide which keys they honor; only the
// dynamic subset (read_only, log level) takes effect without restart.
type ChangeHandler func(cfg *Config)

// Watcher reloads the config file on change with debouncing. Editors
// often write a config file several times in quick succession (truncate,
// write, rename); the debounce window collapses those into one reload.
type Watcher struct {
	path     string
	handler  ChangeHandler
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the config file at path. Call Start
// to begin watching; the watcher stops when the context is canceled.
func NewWatcher(path string, handler ChangeHandler, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     logging.ExpandPath(path),
		handler:  handler,
		logger:   logger,
		debounce: 200 * time.Millisecond,
		watcher:  fw,
	}, nil
}

// Start watches the config file's directory (watching the file itself
// breaks on rename-style saves) and reloads on change.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.watcher.Close()
		return err
	}

	go func() {
		defer w.watcher.Close()
		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(w.debounce)
					timerC = timer.C
				} else {
					timer.Reset(w.debounce)
				}

			case <-timerC:
				timer = nil
				timerC = nil
				cfg, err := Load(w.path)
				if err != nil {
					w.logger.Warn("config reload failed, keeping current settings",
						"path", w.path, "error", err)
					continue
				}
				w.logger.Info("config reloaded", "path", w.path)
				w.handler(cfg)

			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
