package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

type invocation struct {
	appJobID string
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue[invocation](1)
	result := make(chan invocation, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	if err := q.Enqueue(context.Background(), invocation{appJobID: "app-1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.appJobID != "app-1" {
			t.Fatalf("expected app-1, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue[invocation](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qDequeue.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	qEnqueue := NewQueue[invocation](1)
	if err := qEnqueue.Enqueue(context.Background(), invocation{appJobID: "primed"}); err != nil {
		t.Fatalf("failed to prime queue: %v", err)
	}
	if qEnqueue.Len() != 1 {
		t.Fatalf("expected one queued item, got %d", qEnqueue.Len())
	}
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := qEnqueue.Enqueue(ctx, invocation{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := NewQueue[invocation](2)
	if err := q.Enqueue(context.Background(), invocation{appJobID: "left-over"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	q.Close()
	q.Close()

	if err := q.Enqueue(context.Background(), invocation{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on enqueue, got %v", err)
	}
	item, err := q.Dequeue(context.Background())
	if err != nil || item.appJobID != "left-over" {
		t.Fatalf("expected queued item after close, got %+v err=%v", item, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed once drained, got %v", err)
	}
}
