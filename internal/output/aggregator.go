package output

import (
	"sync"

	"github.com/PentesterFlow/crawlkit/internal/task"
)

// Aggregator receives the final result of every crawled URL.
type Aggregator interface {
	Add(url string, result *task.Result)
	Close()
}

// BatchAggregator keeps every result in memory until the crawl ends.
type BatchAggregator struct {
	mu      sync.Mutex
	results map[string]*task.Result
	stats   Statistics
}

// NewBatchAggregator creates an empty batch aggregator.
func NewBatchAggregator() *BatchAggregator {
	return &BatchAggregator{results: make(map[string]*task.Result)}
}

// Add records the result for url. A later result for the same url replaces
// the earlier one.
func (b *BatchAggregator) Add(url string, result *task.Result) {
	if result == nil {
		result = &task.Result{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[url] = result
	b.stats.Add(result)
}

// Close is a no-op for batch aggregation.
func (b *BatchAggregator) Close() {}

// Report returns the collected results.
func (b *BatchAggregator) Report() *Report {
	b.mu.Lock()
	defer b.mu.Unlock()

	results := make(map[string]*task.Result, len(b.results))
	for k, v := range b.results {
		results[k] = v
	}
	return &Report{Results: results}
}

// Len returns the number of URLs recorded.
func (b *BatchAggregator) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.results)
}

// Statistics returns counts over everything added so far.
func (b *BatchAggregator) Statistics() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := b.stats
	if b.stats.ErrorsByKind != nil {
		stats.ErrorsByKind = make(map[string]int, len(b.stats.ErrorsByKind))
		for k, v := range b.stats.ErrorsByKind {
			stats.ErrorsByKind[k] = v
		}
	}
	return stats
}

// StreamAggregator emits each result on a channel as soon as it is final.
// The channel is closed by Close. Add after Close or Abort is dropped.
type StreamAggregator struct {
	mu        sync.Mutex
	ch        chan Entry
	closed    bool
	abort     chan struct{}
	abortOnce sync.Once
}

// NewStreamAggregator creates a stream aggregator with the given channel
// buffer.
func NewStreamAggregator(buffer int) *StreamAggregator {
	if buffer < 0 {
		buffer = 0
	}
	return &StreamAggregator{
		ch:    make(chan Entry, buffer),
		abort: make(chan struct{}),
	}
}

// Entries returns the receive side of the stream.
func (s *StreamAggregator) Entries() <-chan Entry {
	return s.ch
}

// Add emits one entry. It blocks while the consumer is behind, until Abort.
func (s *StreamAggregator) Add(url string, result *task.Result) {
	if result == nil {
		result = &task.Result{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- Entry{URL: url, Result: result}:
	case <-s.abort:
	}
}

// Abort unblocks pending and future Adds for a consumer that went away.
func (s *StreamAggregator) Abort() {
	s.abortOnce.Do(func() { close(s.abort) })
}

// Close ends the stream.
func (s *StreamAggregator) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

var (
	_ Aggregator = (*BatchAggregator)(nil)
	_ Aggregator = (*StreamAggregator)(nil)
)
