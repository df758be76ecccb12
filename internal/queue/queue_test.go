package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	q := New(Config{})

	if err := q.Enqueue(context.Background(), "nope", "payload"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}
}

func TestQueueDeliversTasks(t *testing.T) {
	q := New(Config{Workers: 2})

	var mu sync.Mutex
	var payloads []string
	done := make(chan struct{}, 3)

	q.Register("work", func(_ context.Context, payload string) error {
		mu.Lock()
		payloads = append(payloads, payload)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for _, payload := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, "work", payload); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(payloads))
	}
}

func TestQueueRetriesUntilAttemptsExhausted(t *testing.T) {
	q := New(Config{Workers: 1, MaxAttempts: 3, Backoff: time.Millisecond})

	var mu sync.Mutex
	attempts := 0
	exhausted := make(chan struct{})

	q.Register("flaky", func(context.Context, string) error {
		mu.Lock()
		attempts++
		count := attempts
		mu.Unlock()
		if count == 3 {
			close(exhausted)
		}
		return errors.New("still broken")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	if err := q.Enqueue(ctx, "flaky", "task"); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	select {
	case <-exhausted:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for retries")
	}

	// Give the worker a moment to prove it stops at the attempt budget.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestQueueRecoversAfterTransientFailure(t *testing.T) {
	q := New(Config{Workers: 1, MaxAttempts: 3, Backoff: time.Millisecond})

	var mu sync.Mutex
	attempts := 0
	succeeded := make(chan struct{})

	q.Register("transient", func(context.Context, string) error {
		mu.Lock()
		attempts++
		count := attempts
		mu.Unlock()
		if count < 2 {
			return errors.New("transient")
		}
		close(succeeded)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	if err := q.Enqueue(ctx, "transient", "task"); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	select {
	case <-succeeded:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for recovery")
	}
}

func TestShutdownDrainsBufferedWork(t *testing.T) {
	q := New(Config{Workers: 1})

	var mu sync.Mutex
	processed := 0

	q.Register("work", func(context.Context, string) error {
		mu.Lock()
		processed++
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, "work", "task"); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	q.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := q.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if processed != 5 {
		t.Fatalf("expected all buffered tasks drained, got %d", processed)
	}

	if err := q.Enqueue(ctx, "work", "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error after shutdown, got %v", err)
	}
}
