// Package dispatcher drains the event queue into the bounded store and
// fans matching events out to registered callbacks, per spec.md §4.4.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"vnidsd/internal/logging"
	"vnidsd/internal/model"
	"vnidsd/internal/queue"
	"vnidsd/internal/store"
)

// batchSize is the maximum number of events drained per iteration.
const batchSize = 100

// idleSleep is how long the dispatcher thread sleeps when a batch yields
// nothing, before polling the queue again.
const idleSleep = 10 * time.Millisecond

// CallbackFunc receives a matched event. It runs on the dispatcher's
// single thread and must not re-enter dispatcher APIs (register, stop).
type CallbackFunc func(model.Event)

// callback pairs a registered function with its filter.
type callback struct {
	fn          CallbackFunc
	user        string
	kindFilter  int // 0 means any kind; otherwise 1+model.Kind
	minSeverity model.Severity
}

// maxCallbacks bounds the registered-callback list, per spec.md's
// resource limits table.
const maxCallbacks = 16

// Dispatcher owns the queue-drain thread: store writes plus filtered
// callback fan-out.
type Dispatcher struct {
	logger *logging.Logger
	q      *queue.Queue
	s      *store.Store

	mu        sync.Mutex
	callbacks []callback

	dispatched   atomic.Int64
	storeErrors  atomic.Int64
	callbackRuns atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Dispatcher draining q into s.
func New(logger *logging.Logger, q *queue.Queue, s *store.Store) *Dispatcher {
	return &Dispatcher{
		logger: logger,
		q:      q,
		s:      s,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// RegisterCallback adds a callback matched against kindFilter (0 = any
// kind, otherwise 1+model.Kind) and minSeverity (delivered iff
// event.Severity <= minSeverity — lower enum value is more severe, so
// this is an "at least as severe" filter). It returns false if the
// callback list is already at maxCallbacks.
func (d *Dispatcher) RegisterCallback(fn CallbackFunc, user string, kindFilter int, minSeverity model.Severity) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.callbacks) >= maxCallbacks {
		return false
	}
	d.callbacks = append(d.callbacks, callback{fn: fn, user: user, kindFilter: kindFilter, minSeverity: minSeverity})
	return true
}

// Start runs the dispatcher loop until ctx is canceled or Stop is called.
// It blocks until the loop has drained the queue and exited.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.doneCh)
	for {
		select {
		case <-ctx.Done():
			d.drainRemaining()
			return
		case <-d.stopCh:
			d.drainRemaining()
			return
		default:
		}

		n := d.runBatch()
		if n == 0 {
			select {
			case <-ctx.Done():
				d.drainRemaining()
				return
			case <-d.stopCh:
				d.drainRemaining()
				return
			case <-time.After(idleSleep):
			}
		}
	}
}

// Stop signals the loop to drain and exit, and blocks until it has.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

// runBatch pops up to batchSize events and processes each; it returns the
// number processed.
func (d *Dispatcher) runBatch() int {
	n := 0
	for n < batchSize {
		e, ok := d.q.Pop()
		if !ok {
			break
		}
		d.process(e)
		n++
	}
	return n
}

// drainRemaining pops and processes whatever is left in the queue, with
// no batch cap, satisfying the shutdown-drains invariant of spec.md §4.4.
func (d *Dispatcher) drainRemaining() {
	for {
		e, ok := d.q.Pop()
		if !ok {
			return
		}
		d.process(e)
	}
}

func (d *Dispatcher) process(e model.Event) {
	if err := d.s.Insert(e); err != nil {
		d.storeErrors.Add(1)
		d.logger.Error("dispatcher store insert failed", "error", err, "event_id", e.ID)
	}

	d.mu.Lock()
	cbs := d.callbacks
	d.mu.Unlock()

	for _, cb := range cbs {
		if !matches(cb, e) {
			continue
		}
		cb.fn(e)
		d.callbackRuns.Add(1)
	}

	d.dispatched.Add(1)
}

func matches(cb callback, e model.Event) bool {
	if cb.kindFilter != 0 && cb.kindFilter != int(e.Kind)+1 {
		return false
	}
	return e.Severity <= cb.minSeverity
}

// Stats returns the lifetime dispatched-event, store-error, and
// callback-invocation counters.
func (d *Dispatcher) Stats() (dispatched, storeErrors, callbackRuns int64) {
	return d.dispatched.Load(), d.storeErrors.Load(), d.callbackRuns.Load()
}
