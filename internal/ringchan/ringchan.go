// Package ringchan provides a bounded channel that never blocks its producer.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// Chan is a buffered channel with overwrite-oldest semantics. When full,
// Send discards the oldest buffered value to make room.
//
// Consumers read from C like any other channel. Send after Close is a no-op,
// so a producer may outlive its consumers.
type Chan[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	sent    atomic.Int64
	dropped atomic.Int64
}

// New creates a Chan with the given capacity.
func New[T any](capacity int) *Chan[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Chan[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (c *Chan[T]) C() <-chan T {
	return c.ch
}

// Send inserts v, dropping the oldest value if the buffer is full.
// It reports whether a value was dropped.
func (c *Chan[T]) Send(v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	dropped := false
	select {
	case c.ch <- v:
	default:
		select {
		case <-c.ch:
			c.dropped.Add(1)
			dropped = true
		default:
		}
		// Only Send writes, and it holds mu, so there is room now.
		c.ch <- v
	}
	c.sent.Add(1)
	return dropped
}

// TryReceive returns the next value without blocking.
func (c *Chan[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-c.ch:
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

func (c *Chan[T]) Len() int { return len(c.ch) }

func (c *Chan[T]) Cap() int { return cap(c.ch) }

// Sent is the number of values accepted by Send.
func (c *Chan[T]) Sent() int64 { return c.sent.Load() }

// Dropped is the number of values discarded to make room.
func (c *Chan[T]) Dropped() int64 { return c.dropped.Load() }

// Close closes the receive side. Calling it more than once is safe.
func (c *Chan[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}
