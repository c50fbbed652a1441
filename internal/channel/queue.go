// Package channel provides a bounded, non-blocking event queue.
package channel

import (
	"context"
	"sync"
	"sync/atomic"
)

// DropQueue is a bounded queue whose producers never block. When the buffer
// is full the value is dropped and counted. Close is safe against
// concurrent TrySend.
type DropQueue[T any] struct {
	ch     chan T
	mu     sync.RWMutex
	closed bool

	sends   atomic.Int64
	drops   atomic.Int64
	receive atomic.Int64
}

// NewDropQueue creates a queue with the given capacity (minimum 1).
func NewDropQueue[T any](size int) *DropQueue[T] {
	if size < 1 {
		size = 1
	}
	return &DropQueue[T]{ch: make(chan T, size)}
}

// TrySend enqueues v without blocking. It returns false when the queue is
// full or closed.
func (q *DropQueue[T]) TrySend(v T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.drops.Add(1)
		return false
	}

	select {
	case q.ch <- v:
		q.sends.Add(1)
		return true
	default:
		q.drops.Add(1)
		return false
	}
}

// Receive blocks until a value is available, the queue is closed and
// drained (ok=false), or ctx is done.
func (q *DropQueue[T]) Receive(ctx context.Context) (T, bool, error) {
	select {
	case v, ok := <-q.ch:
		if ok {
			q.receive.Add(1)
		}
		return v, ok, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// Chan returns the underlying channel for select statements.
func (q *DropQueue[T]) Chan() <-chan T {
	return q.ch
}

// Len returns the current number of buffered items.
func (q *DropQueue[T]) Len() int {
	return len(q.ch)
}

// Close stops accepting values. Buffered values can still be received.
func (q *DropQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Stats returns queue statistics.
func (q *DropQueue[T]) Stats() DropQueueStats {
	return DropQueueStats{
		Capacity: cap(q.ch),
		Length:   len(q.ch),
		Sends:    q.sends.Load(),
		Drops:    q.drops.Load(),
		Receives: q.receive.Load(),
	}
}

// DropQueueStats contains queue statistics.
type DropQueueStats struct {
	Capacity int   `json:"capacity"`
	Length   int   `json:"length"`
	Sends    int64 `json:"sends"`
	Drops    int64 `json:"drops"`
	Receives int64 `json:"receives"`
}
