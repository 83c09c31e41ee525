// Package queue provides the crawl work queue.
package queue

import (
	"context"

	"github.com/PentesterFlow/crawlkit/internal/task"
)

// Queue defines the interface for crawl work queues.
type Queue interface {
	// Push appends a scope to the back of the queue
	Push(s *task.Scope) error

	// PushFront puts a scope ahead of everything else (retries)
	PushFront(s *task.Scope) error

	// Pop blocks until a scope is available, the queue drains or ctx ends.
	// Every successful Pop must be paired with a Done.
	Pop(ctx context.Context) (*task.Scope, error)

	// Done marks a popped scope as finished
	Done()

	// Len returns the number of waiting scopes
	Len() int

	// InFlight returns the number of popped scopes not yet Done
	InFlight() int

	// Drained is closed once the queue is empty with nothing in flight
	Drained() <-chan struct{}

	// Close stops the queue; waiting and future Pops return ErrQueueClosed
	Close() error
}
