// Package metrics provides counters and gauges for a running crawl.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector collects and aggregates metrics.
type Collector struct {
	// Counters
	attemptsTotal   atomic.Int64
	retriesTotal    atomic.Int64
	pagesCrawled    atomic.Int64
	pagesFailed     atomic.Int64
	urlsDiscovered  atomic.Int64
	runnersTotal    atomic.Int64
	runnerErrors    atomic.Int64
	errorsTotal     atomic.Int64
	attemptTimeSum  atomic.Int64
	attemptTimeNum  atomic.Int64
	browsersCreated atomic.Int64
	browsersKilled  atomic.Int64

	// Gauges
	queueDepth       atomic.Int64
	activeWorkers    atomic.Int64
	browserPoolSize  atomic.Int64
	browserPoolInUse atomic.Int64

	// Histogram of attempt durations in ms
	attemptBuckets [10]atomic.Int64 // <100, <250, <500, <1000, <2500, <5000, <10000, <30000, <60000, >=60000

	errorCounts map[string]*atomic.Int64
	errorMu     sync.RWMutex

	statusCodes map[int]*atomic.Int64
	statusMu    sync.RWMutex

	startTime time.Time
}

// New creates a new metrics collector.
func New() *Collector {
	return &Collector{
		errorCounts: make(map[string]*atomic.Int64),
		statusCodes: make(map[int]*atomic.Int64),
		startTime:   time.Now(),
	}
}

// RecordAttempt records one pipeline attempt and how long it took.
func (c *Collector) RecordAttempt(d time.Duration) {
	c.attemptsTotal.Add(1)
	ms := d.Milliseconds()
	c.attemptTimeSum.Add(ms)
	c.attemptTimeNum.Add(1)
	c.attemptBuckets[bucket(ms)].Add(1)
}

func bucket(ms int64) int {
	switch {
	case ms < 100:
		return 0
	case ms < 250:
		return 1
	case ms < 500:
		return 2
	case ms < 1000:
		return 3
	case ms < 2500:
		return 4
	case ms < 5000:
		return 5
	case ms < 10000:
		return 6
	case ms < 30000:
		return 7
	case ms < 60000:
		return 8
	default:
		return 9
	}
}

// RecordRetry records a scope pushed back for another attempt.
func (c *Collector) RecordRetry() {
	c.retriesTotal.Add(1)
}

// RecordPage records a URL whose result is final.
func (c *Collector) RecordPage(failed bool) {
	c.pagesCrawled.Add(1)
	if failed {
		c.pagesFailed.Add(1)
	}
}

// RecordDiscovered records a URL accepted into the queue.
func (c *Collector) RecordDiscovered() {
	c.urlsDiscovered.Add(1)
}

// RecordRunner records one runner outcome.
func (c *Collector) RecordRunner(failed bool) {
	c.runnersTotal.Add(1)
	if failed {
		c.runnerErrors.Add(1)
	}
}

// RecordError records an error of the given kind.
func (c *Collector) RecordError(kind string) {
	c.errorsTotal.Add(1)

	c.errorMu.Lock()
	if c.errorCounts[kind] == nil {
		c.errorCounts[kind] = &atomic.Int64{}
	}
	c.errorCounts[kind].Add(1)
	c.errorMu.Unlock()
}

// RecordStatusCode records a failing primary navigation status.
func (c *Collector) RecordStatusCode(code int) {
	c.statusMu.Lock()
	if c.statusCodes[code] == nil {
		c.statusCodes[code] = &atomic.Int64{}
	}
	c.statusCodes[code].Add(1)
	c.statusMu.Unlock()
}

// SetQueueDepth sets the current queue depth.
func (c *Collector) SetQueueDepth(depth int64) {
	c.queueDepth.Store(depth)
}

// AddActiveWorkers adjusts the number of workers running an attempt.
func (c *Collector) AddActiveWorkers(delta int64) {
	c.activeWorkers.Add(delta)
}

// SetBrowserPoolStats sets browser pool statistics.
func (c *Collector) SetBrowserPoolStats(size, inUse, created, destroyed int64) {
	c.browserPoolSize.Store(size)
	c.browserPoolInUse.Store(inUse)
	c.browsersCreated.Store(created)
	c.browsersKilled.Store(destroyed)
}

// PagesPerSecond returns the average crawl rate since start.
func (c *Collector) PagesPerSecond() float64 {
	elapsed := time.Since(c.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(c.pagesCrawled.Load()) / elapsed
}

// AverageAttemptTime returns the mean attempt duration.
func (c *Collector) AverageAttemptTime() time.Duration {
	sum := c.attemptTimeSum.Load()
	num := c.attemptTimeNum.Load()
	if num == 0 {
		return 0
	}
	return time.Duration(sum/num) * time.Millisecond
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() *Snapshot {
	s := &Snapshot{
		Timestamp:          time.Now(),
		Uptime:             time.Since(c.startTime),
		AttemptsTotal:      c.attemptsTotal.Load(),
		RetriesTotal:       c.retriesTotal.Load(),
		PagesCrawled:       c.pagesCrawled.Load(),
		PagesFailed:        c.pagesFailed.Load(),
		URLsDiscovered:     c.urlsDiscovered.Load(),
		RunnersTotal:       c.runnersTotal.Load(),
		RunnerErrors:       c.runnerErrors.Load(),
		ErrorsTotal:        c.errorsTotal.Load(),
		QueueDepth:         c.queueDepth.Load(),
		ActiveWorkers:      c.activeWorkers.Load(),
		BrowserPoolSize:    c.browserPoolSize.Load(),
		BrowserPoolInUse:   c.browserPoolInUse.Load(),
		BrowsersCreated:    c.browsersCreated.Load(),
		BrowsersDestroyed:  c.browsersKilled.Load(),
		PagesPerSecond:     c.PagesPerSecond(),
		AverageAttemptTime: c.AverageAttemptTime(),
		ErrorCounts:        make(map[string]int64),
		StatusCodes:        make(map[int]int64),
		AttemptTimeHist:    make([]int64, len(c.attemptBuckets)),
	}

	c.errorMu.RLock()
	for k, v := range c.errorCounts {
		s.ErrorCounts[k] = v.Load()
	}
	c.errorMu.RUnlock()

	c.statusMu.RLock()
	for k, v := range c.statusCodes {
		s.StatusCodes[k] = v.Load()
	}
	c.statusMu.RUnlock()

	for i := range c.attemptBuckets {
		s.AttemptTimeHist[i] = c.attemptBuckets[i].Load()
	}

	return s
}

// Snapshot represents a point-in-time view of metrics.
type Snapshot struct {
	Timestamp          time.Time        `json:"timestamp"`
	Uptime             time.Duration    `json:"uptime"`
	AttemptsTotal      int64            `json:"attempts_total"`
	RetriesTotal       int64            `json:"retries_total"`
	PagesCrawled       int64            `json:"pages_crawled"`
	PagesFailed        int64            `json:"pages_failed"`
	URLsDiscovered     int64            `json:"urls_discovered"`
	RunnersTotal       int64            `json:"runners_total"`
	RunnerErrors       int64            `json:"runner_errors"`
	ErrorsTotal        int64            `json:"errors_total"`
	QueueDepth         int64            `json:"queue_depth"`
	ActiveWorkers      int64            `json:"active_workers"`
	BrowserPoolSize    int64            `json:"browser_pool_size"`
	BrowserPoolInUse   int64            `json:"browser_pool_in_use"`
	BrowsersCreated    int64            `json:"browsers_created"`
	BrowsersDestroyed  int64            `json:"browsers_destroyed"`
	PagesPerSecond     float64          `json:"pages_per_second"`
	AverageAttemptTime time.Duration    `json:"average_attempt_time"`
	ErrorCounts        map[string]int64 `json:"error_counts"`
	StatusCodes        map[int]int64    `json:"status_codes"`
	AttemptTimeHist    []int64          `json:"attempt_time_histogram"`
}

// FailureRate returns failed pages over crawled pages.
func (s *Snapshot) FailureRate() float64 {
	if s.PagesCrawled == 0 {
		return 0
	}
	return float64(s.PagesFailed) / float64(s.PagesCrawled)
}

// BrowserPoolUtilization returns the browser pool utilization (0-1).
func (s *Snapshot) BrowserPoolUtilization() float64 {
	if s.BrowserPoolSize == 0 {
		return 0
	}
	return float64(s.BrowserPoolInUse) / float64(s.BrowserPoolSize)
}

// Summary returns a human-readable summary.
func (s *Snapshot) Summary() map[string]interface{} {
	return map[string]interface{}{
		"uptime":              s.Uptime.String(),
		"attempts_total":      s.AttemptsTotal,
		"retries_total":       s.RetriesTotal,
		"pages_crawled":       s.PagesCrawled,
		"pages_failed":        s.PagesFailed,
		"failure_rate":        s.FailureRate(),
		"urls_discovered":     s.URLsDiscovered,
		"runner_errors":       s.RunnerErrors,
		"queue_depth":         s.QueueDepth,
		"pages_per_second":    s.PagesPerSecond,
		"avg_attempt_time_ms": s.AverageAttemptTime.Milliseconds(),
		"browser_pool_util":   s.BrowserPoolUtilization(),
	}
}
