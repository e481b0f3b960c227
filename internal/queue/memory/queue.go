// Package memory provides a bounded in-process queue used to hand pending
// worker invocations to the dispatcher.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO with context-aware operations. Items enqueued
// before Close are still handed out by Dequeue.
type Queue[T any] struct {
	ch        chan T
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes item, blocking while the queue is full.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, blocking until one is available, the context
// ends, or the queue is closed and empty.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return zero, ErrClosed
		}
	}
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close rejects further enqueues. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
