// Package ringchan provides a bounded channel that overwrites its oldest
// element instead of blocking the producer. The session layer uses it as the
// live-chart sample buffer: a slow reader sees the most recent samples.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
//	rc := ringchan.New[codec.Sample](256)
//	rc.Send(s)                 // never blocks
//	for s := range rc.C() { }  // reads like a normal channel
type RingChannel[T any] struct {
	ch chan T
	// mu serializes writers so that drop-then-insert is atomic.
	mu      sync.Mutex
	closed  bool
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Reads through C bypass the
// Processed metric.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full. It
// reports whether an element was dropped. Sending after Close is a no-op.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}
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
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
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

// TryReceive attempts a non-blocking receive.
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

// Drain returns every buffered element in order.
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

func (rc *RingChannel[T]) Len() int { return len(rc.ch) }

func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the underlying channel. It is safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.closed {
		rc.closed = true
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
