// Package worker provides an in-process executor for background tasks with a
// bounded queue and a fixed pool of worker goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull is returned by Enqueue when the task queue is at capacity.
// Callers should treat this as backpressure and fail the operation rather
// than block.
var ErrQueueFull = errors.New("task queue is full")

// ErrStopped is returned by Enqueue after Stop has been called.
var ErrStopped = errors.New("executor is stopped")

// Task is a unit of background work. The context carries the configured
// task timeout; a task that outlives it should abandon its work.
type Task struct {
	// Name identifies the task kind in logs.
	Name string

	// Run executes the task.
	Run func(ctx context.Context) error
}

// Executor manages background task processing with concurrent workers.
type Executor struct {
	config Config
	logger *slog.Logger

	queue   chan Task
	wg      sync.WaitGroup
	stopMu  sync.Mutex
	stopped bool
}

// New creates a new Executor with the given configuration.
// The executor must be started with Start() and stopped with Stop().
func New(config Config, logger *slog.Logger) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Executor{
		config: config,
		logger: logger,
		queue:  make(chan Task, config.QueueSize),
	}, nil
}

// Enqueue submits a task for background execution.
// Returns ErrQueueFull when the queue is at capacity and ErrStopped after
// shutdown has begun. Enqueue never blocks.
func (e *Executor) Enqueue(task Task) error {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	if e.stopped {
		return ErrStopped
	}

	select {
	case e.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start begins processing tasks with the configured number of concurrent workers.
func (e *Executor) Start(ctx context.Context) {
	for i := 0; i < e.config.Concurrency; i++ {
		e.wg.Add(1)
		go e.runWorker(ctx, i+1)
	}

	e.logger.Info("Worker started",
		"concurrency", e.config.Concurrency,
		"queue_size", e.config.QueueSize,
	)
}

// Stop closes the queue, drains queued tasks, and waits for running tasks to
// finish. It respects the configured ShutdownTimeout.
func (e *Executor) Stop() {
	e.logger.Info("Stopping worker...")

	e.stopMu.Lock()
	if e.stopped {
		e.stopMu.Unlock()
		return
	}
	e.stopped = true
	close(e.queue)
	e.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Worker stopped gracefully")
	case <-time.After(e.config.ShutdownTimeout):
		e.logger.Warn("Worker shutdown timeout exceeded, some tasks may still be running")
	}
}

// runWorker is the main loop for a worker goroutine.
// It pulls tasks from the queue until the queue is closed and drained.
func (e *Executor) runWorker(ctx context.Context, workerID int) {
	defer e.wg.Done()

	logger := e.logger.With("worker_id", workerID)
	logger.Debug("Worker started")

	for task := range e.queue {
		e.executeTask(ctx, task, logger)
	}

	logger.Debug("Worker stopping")
}

// executeTask runs a single task with a timeout context.
func (e *Executor) executeTask(ctx context.Context, task Task, logger *slog.Logger) {
	logger = logger.With("task", task.Name)

	taskCtx, cancel := context.WithTimeout(ctx, e.config.TaskTimeout)
	defer cancel()

	start := time.Now()
	if err := task.Run(taskCtx); err != nil {
		logger.Error("Task failed", "error", err, "duration", time.Since(start))
		return
	}

	logger.Debug("Task completed", "duration", time.Since(start))
}
