// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/shellgate/internal/metrics"
)

// Recorder accepts audit records without blocking the caller.
type Recorder interface {
	Record(r Record)
}

// Nop discards every record.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(Record) {}

// Writer inserts records on a background goroutine. When its buffer is
// full, new records are dropped and counted.
type Writer struct {
	store  *Store
	ch     chan Record
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewWriter starts a writer with the given buffer size.
func NewWriter(store *Store, buffer int, logger *slog.Logger) *Writer {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store:  store,
		ch:     make(chan Record, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Record queues r for insertion.
func (w *Writer) Record(r Record) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	select {
	case w.ch <- r:
	default:
		metrics.RecordAuditDropped()
		w.logger.Warn("audit buffer full, dropping record", "session", r.Session, "decision", r.Decision)
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	for r := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.store.Insert(ctx, r); err != nil {
			w.logger.Error("failed to write audit record", "error", err)
		}
		cancel()
	}
}

// Close stops accepting records and waits for queued ones to be written,
// or for ctx to end.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.ch)
		w.mu.Unlock()
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
