// Package ringchan provides a bounded channel that never blocks producers.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a buffered channel with overwrite-oldest semantics.
//
// Producers (the manager's state machines) must never stall on a slow consumer,
// so when the buffer is full the oldest element is discarded:
//
//	rc := ringchan.New[Diagnostic](64)
//	rc.Send(d)            // never blocks
//	d, ok := rc.TryReceive()
//
// Readers may also range over C().
type RingChannel[T any] struct {
	ch      chan T
	sendMu  sync.Mutex // serialises drop-oldest so a concurrent Send cannot block
	closed  atomic.Bool
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
//
// Reads from C bypass the Processed metric.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// It reports whether an element was dropped. Send after Close is a no-op.
func (rc *RingChannel[T]) Send(v T) bool {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()

	if rc.closed.Load() {
		return false
	}

	dropped := false
	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return dropped
		default:
		}

		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
			dropped = true
		default:
			// a reader emptied a slot in between; retry the send
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()

	if rc.closed.Load() {
		return false
	}

	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.metrics.Written, 1)
		return true
	default:
		return false
	}
}

// TryReceive returns the oldest element without blocking.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			atomic.AddInt64(&rc.metrics.Processed, 1)
		}
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

// Drain removes and returns every buffered element, oldest first.
func (rc *RingChannel[T]) Drain() []T {
	var out []T
	for {
		v, ok := rc.TryReceive()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. Later sends are dropped silently.
func (rc *RingChannel[T]) Close() {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()

	if rc.closed.CompareAndSwap(false, true) {
		close(rc.ch)
	}
}

// GetMetrics returns a snapshot of the counters.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}

// Metrics counts traffic through a RingChannel.
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
}
