package gateway

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/wecom-gateway/internal/metrics"
)

// ErrExecutorClosed is returned by Go after Shutdown has begun.
var ErrExecutorClosed = errors.New("executor is shut down")

// Executor runs detached tasks with bounded concurrency. Tasks outlive the
// request that started them and are drained by Shutdown.
type Executor struct {
	sem    chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewExecutor creates an Executor running at most maxConcurrent tasks at once.
func NewExecutor(maxConcurrent int, logger *slog.Logger) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Executor{
		sem:    make(chan struct{}, maxConcurrent),
		logger: logger,
	}
}

// Go starts fn on its own goroutine and returns the task id. The goroutine
// waits for a free slot, so Go itself never blocks. A panic in fn is
// recovered and logged.
func (e *Executor) Go(ctx context.Context, name string, fn func(ctx context.Context, taskID string)) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrExecutorClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	taskID := uuid.NewString()
	metrics.TaskStarted()

	go func() {
		defer e.wg.Done()
		defer metrics.TaskFinished()

		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			e.logger.Warn("task abandoned before start", "task", name, "task_id", taskID, "error", ctx.Err())
			return
		}
		defer func() { <-e.sem }()

		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("task panicked",
					"task", name,
					"task_id", taskID,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()

		fn(ctx, taskID)
	}()

	return taskID, nil
}

// Shutdown stops accepting tasks and waits for running ones until ctx ends.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
