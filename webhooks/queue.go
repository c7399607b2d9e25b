package webhooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/port-labs/ocean-sub007/core"
	"github.com/port-labs/ocean-sub007/execution"
)

var ErrQueueClosed = errors.New("webhooks: path queue closed")

// Task is one queued event together with the execution context cloned for it
// at enqueue time.
type Task struct {
	Context    *execution.Context
	Event      core.InboundEvent
	EnqueuedAt time.Time
}

// PathQueue is an unbounded FIFO with a single consumer.
type PathQueue struct {
	path string

	mu     sync.Mutex
	items  []Task
	closed bool
	ready  chan struct{}
	done   chan struct{}
}

func NewPathQueue(path string) *PathQueue {
	return &PathQueue{
		path:  path,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (q *PathQueue) Path() string { return q.path }

func (q *PathQueue) Enqueue(task Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	q.items = append(q.items, task)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until a task is available. Once the queue is closed the
// remaining tasks are still returned, then ErrQueueClosed.
func (q *PathQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items[0] = Task{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return task, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Task{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-q.ready:
		case <-q.done:
		}
	}
}

// Close stops accepting tasks. It is safe to call more than once.
func (q *PathQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *PathQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
