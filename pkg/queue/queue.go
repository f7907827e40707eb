// Package queue hands sentry messages from listeners to the delivery worker.
package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/zoff-tech/elasticsearch-raven/pkg/sentry"
)

var (
	// ErrEmpty is returned by Get when no message arrived before the timeout.
	ErrEmpty = errors.New("queue is empty")
	// ErrNoTask is returned by TaskDone when there is no retrieved message to complete.
	ErrNoTask = errors.New("task_done() called too many times")
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue is closed")
)

// Queue is an ordered hand-off between producers and a single consumer.
type Queue interface {
	// Put appends msg, blocking while the queue is full or until ctx is done.
	Put(ctx context.Context, msg *sentry.Message) error
	// Get waits up to timeout for the next message. A non-positive timeout waits until ctx is done.
	Get(ctx context.Context, timeout time.Duration) (*sentry.Message, error)
	// TaskDone marks the most recently retrieved message as fully processed.
	TaskDone(ctx context.Context) error
	// Join blocks until every accepted message has been marked done.
	Join(ctx context.Context) error
	// HasPendingWork reports whether accepted messages are still unfinished
	// in this process. Durable queues keep them in the backend and return false.
	HasPendingWork() bool
	// Close releases backend connections.
	Close() error
}

func waitTimeout(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		return nil, func() {}
	}
	timer := time.NewTimer(timeout)
	return timer.C, func() { timer.Stop() }
}
