package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"vnidsd/internal/logging"
	"vnidsd/internal/model"
	"vnidsd/internal/queue"
)

const (
	reconnectBackoff = 1 * time.Second
	waitTimeout      = 100 * time.Millisecond
)

// Worker owns the socket reader and the parsing loop: it ensures the
// connection, waits for readiness, drains buffered lines, and routes each
// one to either the latest-stats slot or the event queue.
type Worker struct {
	logger *logging.Logger
	path   string
	q      *queue.Queue

	r *reader

	latestStats atomic.Pointer[model.Stats]

	linesRead   atomic.Int64
	parseErrors atomic.Int64
}

// New creates a Worker reading NDJSON lines from the Unix domain socket at
// path and pushing parsed security events onto q.
func New(logger *logging.Logger, path string, q *queue.Queue) *Worker {
	return &Worker{
		logger: logger,
		path:   path,
		q:      q,
		r:      newReader(path),
	}
}

// Run loops until ctx is canceled: ensure connected (backoff ~1s on
// failure), wait for readiness with a ~100ms timeout, drain available
// lines. It is meant to run on its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if !w.r.connected() {
			if err := w.r.connect(); err != nil {
				w.logger.LogIngestEvent("connect_failed", "path", w.path, "error", err)
				if !sleepCtx(ctx, reconnectBackoff) {
					return
				}
				continue
			}
			w.logger.LogIngestEvent("connected", "path", w.path)
		}

		switch w.r.wait(waitTimeout) {
		case stateReady:
			w.drain()
		case stateTimeout:
			// Nothing buffered yet; loop back around.
		case stateError:
			w.logger.LogIngestEvent("disconnected", "path", w.path)
			w.r.closeConn()
			if !sleepCtx(ctx, reconnectBackoff) {
				return
			}
		}
	}
}

// drain consumes every complete line currently buffered.
func (w *Worker) drain() {
	for {
		line, ok := w.r.readLine()
		if !ok {
			return
		}
		w.handleLine(line)
	}
}

func (w *Worker) handleLine(line []byte) {
	if len(line) == 0 {
		return
	}
	w.linesRead.Add(1)

	ev, st, isStats, err := parseLine(line)
	if err != nil {
		w.parseErrors.Add(1)
		w.logger.LogIngestEvent("parse_error", "error", err)
		return
	}
	if isStats {
		w.latestStats.Store(&st)
		return
	}
	if ev.ID == "" {
		// A recognized-but-ignored event_type (flow): not an error, not a
		// stats snapshot, nothing to push.
		return
	}

	if !w.q.Push(ev) {
		w.logger.LogIngestEvent("queue_full", "event_id", ev.ID)
	}
}

// LatestStats returns the most recently parsed stats snapshot, or the zero
// value if none has been received yet.
func (w *Worker) LatestStats() model.Stats {
	p := w.latestStats.Load()
	if p == nil {
		return model.Stats{}
	}
	return *p
}

// Stats returns the lifetime lines-read, parse-error, and line-too-long
// drop counters.
func (w *Worker) Stats() (linesRead, parseErrors, linesDropped int64) {
	return w.linesRead.Load(), w.parseErrors.Load(), w.r.linesDropped.Load()
}

// Close releases the underlying socket connection, if any.
func (w *Worker) Close() error {
	return w.r.close()
}

// sleepCtx sleeps for d or returns false early if ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
