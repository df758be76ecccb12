// Package queue is a small in-process task runner with at-least-once
// delivery: failed tasks are retried with backoff until the attempt budget
// runs out. Handlers must therefore be idempotent.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrUnknownKind indicates no handler is registered for the task kind.
	ErrUnknownKind = errors.New("queue: unknown task kind")
	// ErrClosed indicates the queue is shutting down and accepts no new work.
	ErrClosed = errors.New("queue: closed")

	noOpLogger = zap.NewNop()
)

const (
	defaultWorkers     = 4
	defaultBuffer      = 256
	defaultMaxAttempts = 3
	defaultBackoff     = 2 * time.Second
)

// Handler processes one task payload.
type Handler func(ctx context.Context, payload string) error

// Config tunes the runner.
type Config struct {
	Workers     int
	Buffer      int
	MaxAttempts int
	Backoff     time.Duration
	Logger      *zap.Logger
}

type task struct {
	kind    string
	payload string
	attempt int
}

// Queue dispatches registered tasks across a worker pool.
type Queue struct {
	workers     int
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	closed   bool

	tasks chan task
	wg    sync.WaitGroup
}

// New constructs a stopped queue; call Start to run the workers.
func New(cfg Config) *Queue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{
		workers:     workers,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger,
		handlers:    make(map[string]Handler),
		tasks:       make(chan task, buffer),
	}
}

// Register binds a handler to a task kind. Must be called before Start.
func (q *Queue) Register(kind string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = handler
}

// Enqueue submits one task. The call blocks only when the buffer is full.
func (q *Queue) Enqueue(ctx context.Context, kind, payload string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if _, ok := q.handlers[kind]; !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	q.mu.Unlock()

	select {
	case q.tasks <- task{kind: kind, payload: payload, attempt: 1}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the worker pool. Workers run until ctx is cancelled and the
// buffered work is drained.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
}

// Shutdown stops intake and waits for in-flight tasks.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.tasks)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-q.tasks:
			if !ok {
				return
			}
			q.run(ctx, item)
		}
	}
}

func (q *Queue) run(ctx context.Context, item task) {
	q.mu.Lock()
	handler := q.handlers[item.kind]
	q.mu.Unlock()
	if handler == nil {
		q.logger.Error("task dropped, no handler", zap.String("kind", item.kind))
		return
	}

	for {
		err := handler(ctx, item.payload)
		if err == nil {
			return
		}

		q.logger.Warn("task failed",
			zap.String("kind", item.kind),
			zap.Int("attempt", item.attempt),
			zap.Error(err))

		if item.attempt >= q.maxAttempts {
			q.logger.Error("task exhausted attempts",
				zap.String("kind", item.kind),
				zap.String("payload", item.payload),
				zap.Error(err))
			return
		}

		wait := time.Duration(item.attempt) * q.backoff
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		item.attempt++
	}
}
