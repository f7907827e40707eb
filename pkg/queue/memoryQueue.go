package queue

import (
	"context"
	"sync"
	"time"

	"github.com/zoff-tech/elasticsearch-raven/pkg/sentry"
)

// MemoryQueue is a bounded in-process FIFO with completion counting.
type MemoryQueue struct {
	items chan *sentry.Message

	mu         sync.Mutex
	unfinished int
	drained    chan struct{}
}

// NewMemoryQueue creates a queue holding at most maxSize waiting messages.
func NewMemoryQueue(maxSize int) *MemoryQueue {
	if maxSize < 1 {
		maxSize = 1
	}
	drained := make(chan struct{})
	close(drained)
	return &MemoryQueue{
		items:   make(chan *sentry.Message, maxSize),
		drained: drained,
	}
}

func (q *MemoryQueue) Put(ctx context.Context, msg *sentry.Message) error {
	q.addUnfinished(1)
	select {
	case q.items <- msg:
		return nil
	case <-ctx.Done():
		q.addUnfinished(-1)
		return ctx.Err()
	}
}

func (q *MemoryQueue) Get(ctx context.Context, timeout time.Duration) (*sentry.Message, error) {
	expired, stop := waitTimeout(timeout)
	defer stop()
	select {
	case msg := <-q.items:
		return msg, nil
	case <-expired:
		return nil, ErrEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) TaskDone(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished <= 0 {
		return ErrNoTask
	}
	q.setUnfinishedLocked(q.unfinished - 1)
	return nil
}

func (q *MemoryQueue) Join(ctx context.Context) error {
	q.mu.Lock()
	drained := q.drained
	q.mu.Unlock()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) HasPendingWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished > 0
}

// Len is the number of messages waiting to be retrieved.
func (q *MemoryQueue) Len() int {
	return len(q.items)
}

func (q *MemoryQueue) Close() error {
	return nil
}

func (q *MemoryQueue) addUnfinished(delta int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setUnfinishedLocked(q.unfinished + delta)
}

func (q *MemoryQueue) setUnfinishedLocked(n int) {
	if q.unfinished == 0 && n > 0 {
		q.drained = make(chan struct{})
	}
	q.unfinished = n
	if n == 0 {
		close(q.drained)
	}
}
