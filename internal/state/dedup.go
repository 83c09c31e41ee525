// Package state tracks which URLs a crawl has seen and persists results.
package state

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	minExpectedURLs = 1000
	bloomFPRate     = 0.001
)

// Deduplicator remembers normalized URLs. The bloom filter answers most
// misses without touching the map; the map settles filter hits.
type Deduplicator struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	urls   map[string]struct{}
}

// NewDeduplicator sizes the filter for expected URLs.
func NewDeduplicator(expected int) *Deduplicator {
	if expected < minExpectedURLs {
		expected = minExpectedURLs
	}
	return &Deduplicator{
		filter: bloom.NewWithEstimates(uint(expected), bloomFPRate),
		urls:   make(map[string]struct{}, expected),
	}
}

// AddIfNew records url and reports whether it was unseen. The check and the
// insert happen under one lock, so concurrent producers never both win.
func (d *Deduplicator) AddIfNew(url string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.filter.TestOrAddString(url) {
		if _, ok := d.urls[url]; ok {
			return false
		}
	}
	d.urls[url] = struct{}{}
	return true
}

// Count returns how many distinct URLs were recorded.
func (d *Deduplicator) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}
