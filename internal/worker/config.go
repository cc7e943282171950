package worker

import (
	"fmt"
	"time"
)

// Config holds the configuration for the background task executor.
type Config struct {
	// Concurrency is the number of worker goroutines to run in parallel.
	// Each goroutine pulls tasks from the shared queue independently.
	// Default: 4
	Concurrency int

	// QueueSize is the capacity of the in-process task queue.
	// Enqueue fails with ErrQueueFull when the queue is at capacity.
	// Default: 64
	QueueSize int

	// TaskTimeout is the maximum time a single task is allowed to run.
	// If a task exceeds this timeout, its context is canceled.
	// Default: 5 minutes
	TaskTimeout time.Duration

	// ShutdownTimeout is how long to wait for running tasks to complete during
	// graceful shutdown. After this timeout, Stop returns even if tasks are
	// still running.
	// Default: 30 seconds
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		QueueSize:       64,
		TaskTimeout:     5 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
// Returns an error if any values are invalid.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Concurrency > 100 {
		return fmt.Errorf("concurrency too high (max 100), got %d", c.Concurrency)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize)
	}
	if c.TaskTimeout < 1*time.Second {
		return fmt.Errorf("task timeout must be at least 1 second, got %v", c.TaskTimeout)
	}
	if c.ShutdownTimeout < 1*time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second, got %v", c.ShutdownTimeout)
	}
	return nil
}
