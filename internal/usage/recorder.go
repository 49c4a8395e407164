package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder accepts usage entries for async persistence.
type Recorder interface {
	// Record queues an entry. Non-blocking; a full buffer drops the entry
	// with a warning rather than stalling the request path.
	Record(entry *Entry)

	// Close flushes remaining entries and releases the store.
	Close() error
}

// BufferedRecorder collects entries in a channel and flushes them to
// storage in batches, either when the batch is full or on a timer.
type BufferedRecorder struct {
	store         Store
	buffer        chan *Entry
	done          chan struct{}
	wg            sync.WaitGroup
	writes        sync.WaitGroup // tracks in-flight Record calls
	flushInterval time.Duration
	closed        atomic.Bool
}

// NewRecorder creates a buffered recorder and starts its flush goroutine.
func NewRecorder(store Store, cfg Config) *BufferedRecorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	r := &BufferedRecorder{
		store:         store,
		buffer:        make(chan *Entry, cfg.BufferSize),
		done:          make(chan struct{}),
		flushInterval: cfg.FlushInterval,
	}

	r.wg.Add(1)
	go r.flushLoop()

	return r
}

// Record queues an entry for async writing.
func (r *BufferedRecorder) Record(entry *Entry) {
	if entry == nil {
		return
	}
	if r.closed.Load() {
		return
	}

	// Track this call so Close cannot close the buffer mid-send.
	r.writes.Add(1)
	defer r.writes.Done()

	if r.closed.Load() {
		return
	}

	select {
	case r.buffer <- entry:
	default:
		slog.Warn("usage buffer full, dropping entry",
			"request_id", entry.RequestID,
			"model", entry.Model,
		)
	}
}

// Close stops the recorder, flushes remaining entries and closes the store.
// Idempotent.
func (r *BufferedRecorder) Close() error {
	if r.closed.Swap(true) {
		return nil
	}

	r.writes.Wait()
	close(r.done)
	r.wg.Wait()

	return r.store.Close()
}

func (r *BufferedRecorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, BatchFlushThreshold)

	for {
		select {
		case entry := <-r.buffer:
			batch = append(batch, entry)
			if len(batch) >= BatchFlushThreshold {
				r.flushBatch(batch)
				batch = make([]*Entry, 0, BatchFlushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flushBatch(batch)
				batch = make([]*Entry, 0, BatchFlushThreshold)
			}

		case <-r.done:
			// closed flag is already set, so no new sends can race the
			// channel close.
			close(r.buffer)
			for entry := range r.buffer {
				batch = append(batch, entry)
			}
			if len(batch) > 0 {
				r.flushBatch(batch)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := r.store.Flush(ctx); err != nil {
				slog.Error("failed to flush usage store", "error", err)
			}
			cancel()
			return
		}
	}
}

func (r *BufferedRecorder) flushBatch(batch []*Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := r.store.WriteBatch(ctx, batch); err != nil {
		slog.Error("failed to write usage batch",
			"error", err,
			"count", len(batch),
		)
	}
}

// NoopRecorder is used when usage recording is disabled.
type NoopRecorder struct{}

func (NoopRecorder) Record(_ *Entry) {}

func (NoopRecorder) Close() error { return nil }
