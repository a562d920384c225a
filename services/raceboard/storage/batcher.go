// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"log/slog"
	"sync/atomic"
	"time"

	badger "github.com/AleutianAI/raceboard/services/raceboard/storage/badger"
)

// flusher syncs the value log when enough writes accumulate or the
// interval elapses with writes pending. Writes themselves commit
// asynchronously; the flusher bounds how much a crash can lose.
type flusher struct {
	db       *badger.DB
	batch    int64
	interval time.Duration
	logger   *slog.Logger
	onFlush  func(took time.Duration, err error)

	writes      atomic.Int64
	lastFlush   atomic.Int64 // unix nanos
	lastLatency atomic.Int64 // nanos
	failures    atomic.Uint64

	kick   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

func newFlusher(db *badger.DB, batch int, interval time.Duration, logger *slog.Logger) *flusher {
	return &flusher{
		db:       db,
		batch:    int64(batch),
		interval: interval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (f *flusher) start() {
	go f.run()
}

// stop halts the loop and performs a final sync so a clean shutdown
// loses nothing.
func (f *flusher) stop() {
	close(f.stopCh)
	<-f.doneCh
	f.flushNow()
}

// noteWrites records n completed writes and kicks an early flush once
// the batch threshold is crossed.
func (f *flusher) noteWrites(n int) {
	if f.writes.Add(int64(n)) >= f.batch {
		select {
		case f.kick <- struct{}{}:
		default:
		}
	}
}

func (f *flusher) pending() int64 {
	return f.writes.Load()
}

func (f *flusher) lastFlushTime() time.Time {
	ns := f.lastFlush.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (f *flusher) lastFlushLatency() time.Duration {
	return time.Duration(f.lastLatency.Load())
}

func (f *flusher) failureCount() uint64 {
	return f.failures.Load()
}

func (f *flusher) run() {
	defer close(f.doneCh)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-f.kick:
			f.flushNow()
		case <-ticker.C:
			if f.writes.Load() > 0 {
				f.flushNow()
			}
		}
	}
}

// flushNow syncs immediately and updates the health counters.
func (f *flusher) flushNow() error {
	pending := f.writes.Swap(0)
	start := time.Now()
	err := f.db.Sync()
	took := time.Since(start)

	f.lastFlush.Store(start.UnixNano())
	f.lastLatency.Store(int64(took))
	if f.onFlush != nil {
		f.onFlush(took, err)
	}
	if err != nil {
		f.failures.Add(1)
		// Writes stay unsynced; put the count back so the next cycle
		// retries.
		f.writes.Add(pending)
		f.logger.Error("value log sync failed",
			slog.String("error", err.Error()),
			slog.Duration("took", took))
		return err
	}
	return nil
}
