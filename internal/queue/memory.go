package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/containerd/errdefs"
)

// MemoryQueue is an in-process queue backed by a buffered channel.
type MemoryQueue struct {
	mu     sync.RWMutex
	tasks  chan Task
	closed bool
}

// NewMemory creates a queue holding up to size pending tasks.
func NewMemory(size int) *MemoryQueue {
	if size <= 0 {
		size = 1
	}
	return &MemoryQueue{tasks: make(chan Task, size)}
}

// Enqueue adds a task without blocking. A full buffer is reported as
// unavailable so callers can roll back.
func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fmt.Errorf("enqueue %s: %w: %w", task.Kind, ErrClosed, errdefs.ErrUnavailable)
	}

	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("enqueue %s: queue full: %w", task.Kind, errdefs.ErrUnavailable)
	}
}

// Dequeue blocks until a task is available, the queue is closed, or ctx is done.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case task, ok := <-q.tasks:
		if !ok {
			return Task{}, ErrClosed
		}
		return task, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Ping always succeeds while the queue is open.
func (q *MemoryQueue) Ping(context.Context) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Len returns the number of pending tasks.
func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

// Close stops accepting tasks. Pending tasks can still be drained.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	return nil
}
