// Package queue implements the bounded lock-free multi-producer/single-
// consumer event queue described in spec.md §4.2: an intrusive linked list
// with a stub node in the Vyukov style, atomic head/tail/size, and
// drop-on-full semantics instead of blocking producers.
package queue

import (
	"sync/atomic"

	"vnidsd/internal/model"
)

// node is a single queue element. Once linked into the list its payload is
// immutable; the consumer owns a node's lifetime once it has been popped.
type node struct {
	next  atomic.Pointer[node]
	event model.Event
}

// Queue is a bounded MPSC queue of model.Event values.
type Queue struct {
	head atomic.Pointer[node] // consumer-owned
	tail atomic.Pointer[node] // contended by producers

	cap  int64
	size atomic.Int64

	pushed  atomic.Int64
	popped  atomic.Int64
	dropped atomic.Int64
}

// New creates an empty queue with the given capacity.
func New(capacity int64) *Queue {
	stub := &node{}
	q := &Queue{cap: capacity}
	q.head.Store(stub)
	q.tail.Store(stub)
	return q
}

// Push enqueues an event. It returns false, incrementing the dropped
// counter, when the queue is at capacity — producers never block.
func (q *Queue) Push(e model.Event) bool {
	if q.size.Load() >= q.cap {
		q.dropped.Add(1)
		return false
	}

	n := &node{event: e}
	prev := q.tail.Swap(n)
	prev.next.Store(n)

	q.size.Add(1)
	q.pushed.Add(1)
	return true
}

// Pop dequeues the oldest event. It returns false when the queue is empty.
// Pop must only be called from a single consumer goroutine.
func (q *Queue) Pop() (model.Event, bool) {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return model.Event{}, false
	}

	e := next.event
	q.head.Store(next)
	q.size.Add(-1)
	q.popped.Add(1)
	return e, true
}

// Len returns an approximate current length; producers and the consumer may
// race with this read.
func (q *Queue) Len() int64 {
	return q.size.Load()
}

// Drain pops every currently-available event and returns them in FIFO
// order; the popped events count toward the popped counter, in line with
// the "pushed = popped + drained" invariant of spec.md P1.
func (q *Queue) Drain() []model.Event {
	var out []model.Event
	for {
		e, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

// Stats returns the lifetime push, pop, and drop counters.
func (q *Queue) Stats() (pushed, popped, dropped int64) {
	return q.pushed.Load(), q.popped.Load(), q.dropped.Load()
}
