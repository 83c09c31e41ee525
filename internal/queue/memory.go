package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/PentesterFlow/crawlkit/internal/task"
)

var (
	ErrQueueClosed  = errors.New("queue is closed")
	ErrQueueDrained = errors.New("queue is drained")
)

// MemoryQueue is a thread-safe in-memory FIFO with front insertion for
// retries. It drains itself once it is empty and no popped scope is still
// being worked on.
type MemoryQueue struct {
	mu       sync.Mutex
	items    *list.List
	inFlight int
	closed   bool
	drained  bool

	// wake is closed and replaced on every state change.
	wake    chan struct{}
	drainCh chan struct{}
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		items:   list.New(),
		wake:    make(chan struct{}),
		drainCh: make(chan struct{}),
	}
}

func (mq *MemoryQueue) broadcast() {
	close(mq.wake)
	mq.wake = make(chan struct{})
}

// markDrained must be called with mu held.
func (mq *MemoryQueue) markDrained() {
	if mq.drained {
		return
	}
	mq.drained = true
	close(mq.drainCh)
	mq.broadcast()
}

func (mq *MemoryQueue) insert(s *task.Scope, front bool) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed || mq.drained {
		return ErrQueueClosed
	}

	if front {
		mq.items.PushFront(s)
	} else {
		mq.items.PushBack(s)
	}
	mq.broadcast()
	return nil
}

// Push adds a scope to the back of the queue.
func (mq *MemoryQueue) Push(s *task.Scope) error {
	return mq.insert(s, false)
}

// PushFront adds a scope to the front of the queue.
func (mq *MemoryQueue) PushFront(s *task.Scope) error {
	return mq.insert(s, true)
}

// Pop removes and returns the next scope, blocking while the queue is empty
// and other scopes are in flight.
func (mq *MemoryQueue) Pop(ctx context.Context) (*task.Scope, error) {
	for {
		mq.mu.Lock()
		if mq.closed {
			mq.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if front := mq.items.Front(); front != nil {
			mq.items.Remove(front)
			mq.inFlight++
			mq.mu.Unlock()
			return front.Value.(*task.Scope), nil
		}
		if mq.inFlight == 0 {
			mq.markDrained()
		}
		if mq.drained {
			mq.mu.Unlock()
			return nil, ErrQueueDrained
		}
		wake := mq.wake
		mq.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Done marks one popped scope as finished. Retries must be pushed before
// calling Done so the queue does not drain in between.
func (mq *MemoryQueue) Done() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.inFlight > 0 {
		mq.inFlight--
	}
	if mq.inFlight == 0 && mq.items.Len() == 0 {
		mq.markDrained()
		return
	}
	mq.broadcast()
}

// Len returns the number of waiting scopes.
func (mq *MemoryQueue) Len() int {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return mq.items.Len()
}

// InFlight returns the number of scopes popped but not yet done.
func (mq *MemoryQueue) InFlight() int {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return mq.inFlight
}

// Drained returns a channel closed when the queue drains.
func (mq *MemoryQueue) Drained() <-chan struct{} {
	return mq.drainCh
}

// Close closes the queue and wakes every waiter.
func (mq *MemoryQueue) Close() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return nil
	}
	mq.closed = true
	mq.items.Init()
	mq.broadcast()
	return nil
}

// URLs returns the URLs currently waiting, front first.
func (mq *MemoryQueue) URLs() []string {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	urls := make([]string, 0, mq.items.Len())
	for e := mq.items.Front(); e != nil; e = e.Next() {
		urls = append(urls, e.Value.(*task.Scope).URL)
	}
	return urls
}

var _ Queue = (*MemoryQueue)(nil)
