package repository

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultLogBuffer = 256
	logWriteTimeout  = 5 * time.Second
)

type logJob struct {
	name string
	fn   func(ctx context.Context) error
	done chan struct{}
}

// LogWriter applies request-log and usage writes on a single background goroutine, so writes
// never block the response path and an entry is always appended before its completion update.
type LogWriter struct {
	logs   *RequestLogRepository
	usage  *UsageRepository
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan logJob
	wg     sync.WaitGroup
}

func NewLogWriter(logs *RequestLogRepository, usage *UsageRepository, logger *slog.Logger, buffer int) *LogWriter {
	if buffer <= 0 {
		buffer = DefaultLogBuffer
	}

	w := &LogWriter{
		logs:   logs,
		usage:  usage,
		logger: logger,
		jobs:   make(chan logJob, buffer),
	}

	w.wg.Add(1)
	go w.run()

	return w
}

func (w *LogWriter) run() {
	defer w.wg.Done()

	for job := range w.jobs {
		if job.fn != nil {
			ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
			if err := job.fn(ctx); err != nil {
				w.logger.Warn("Failed to write request log", "op", job.name, "error", err)
			}
			cancel()
		}
		if job.done != nil {
			close(job.done)
		}
	}
}

func (w *LogWriter) submit(job logJob) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return
	}

	select {
	case w.jobs <- job:
	default:
		w.logger.Warn("Request log buffer full, dropping write", "op", job.name)
	}
}

// Append queues a new log entry.
func (w *LogWriter) Append(entry RequestLog) {
	w.submit(logJob{name: "append", fn: func(ctx context.Context) error {
		return w.logs.Add(ctx, entry)
	}})
}

// Complete queues an update of an earlier entry.
func (w *LogWriter) Complete(id string, fn func(*RequestLog)) {
	w.submit(logJob{name: "complete", fn: func(ctx context.Context) error {
		return w.logs.Update(ctx, id, fn)
	}})
}

func (w *LogWriter) RecordUsage(rec UsageRecord) {
	if w.usage == nil {
		return
	}
	w.submit(logJob{name: "usage", fn: func(ctx context.Context) error {
		return w.usage.Record(ctx, rec)
	}})
}

// Flush waits until every write queued before the call has been applied.
func (w *LogWriter) Flush(ctx context.Context) error {
	done := make(chan struct{})

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	select {
	case w.jobs <- logJob{name: "flush", done: done}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending writes and stops the worker.
func (w *LogWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()

	w.wg.Wait()
}
