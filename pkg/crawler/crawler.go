// Package crawler crawls a site with a pool of headless browsers: pages are
// opened, links discovered by a finder and named runners evaluated on every
// page, with results collected per URL.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PentesterFlow/crawlkit/internal/browser"
	"github.com/PentesterFlow/crawlkit/internal/logger"
	"github.com/PentesterFlow/crawlkit/internal/metrics"
	"github.com/PentesterFlow/crawlkit/internal/output"
	"github.com/PentesterFlow/crawlkit/internal/pipeline"
	"github.com/PentesterFlow/crawlkit/internal/progress"
	"github.com/PentesterFlow/crawlkit/internal/task"
	"github.com/PentesterFlow/crawlkit/internal/urlfilter"
)

// Finder, Runner and the optional capability interfaces are re-exported so
// callers outside this module can implement them.
type (
	Finder            = pipeline.Finder
	Runner            = pipeline.Runner
	URLFilterer       = pipeline.URLFilterer
	ResultTransformer = pipeline.ResultTransformer
	Timeouter         = pipeline.Timeouter
	FilterFunc        = urlfilter.FilterFunc
	Report            = output.Report
	Entry             = output.Entry
	Result            = task.Result
	RunnerResult      = task.RunnerResult
)

// ErrAlreadyRunning is returned when a crawl is started twice at once.
var ErrAlreadyRunning = errors.New("crawler is already running")

const defaultStatusInterval = time.Second

// Crawler is the main crawler orchestrator. Configuration and registrations
// may change between crawls; each crawl works on a snapshot taken at start.
type Crawler struct {
	mu             sync.Mutex
	config         *Config
	redirectFilter urlfilter.FilterFunc
	finder         *pipeline.FinderSpec
	runners        []*pipeline.RunnerSpec

	launcher       browser.Launcher
	logger         *logger.Logger
	metrics        *metrics.Collector
	progress       *progress.Display
	statusInterval time.Duration

	running atomic.Bool
}

// New creates a crawler for the start URL. The URL is validated when the
// crawl starts.
func New(url string, opts ...Option) (*Crawler, error) {
	c := &Crawler{
		config:         DefaultConfig(),
		redirectFilter: urlfilter.Identity,
		launcher:       browser.RodLauncher,
		statusInterval: defaultStatusInterval,
	}
	c.config.Target = url

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := c.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.logger == nil {
		c.logger = logger.New(c.config.loggerConfig())
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}

	return c, nil
}

// SetFinder registers the link discovery finder, replacing any previous one.
// params are appended to the finder's invocation.
func (c *Crawler) SetFinder(f Finder, params ...any) error {
	spec, err := pipeline.NewFinderSpec(f, params...)
	if err != nil {
		return fmt.Errorf("not a valid finder: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.finder = spec
	return nil
}

// AddRunner registers a runner under key. Runners run in the order they
// were first added; adding an existing key replaces that runner in place.
func (c *Crawler) AddRunner(key string, r Runner, params ...any) error {
	spec, err := pipeline.NewRunnerSpec(key, r, params...)
	if err != nil {
		return fmt.Errorf("not a valid runner: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.runners {
		if existing.Key == key {
			c.runners[i] = spec
			return nil
		}
	}
	c.runners = append(c.runners, spec)
	return nil
}

// Crawl crawls until the queue drains and returns every result. An invalid
// start URL fails before anything starts. When ctx is cancelled Crawl
// returns the results collected so far together with the context error.
func (c *Crawler) Crawl(ctx context.Context) (*Report, error) {
	agg := output.NewBatchAggregator()

	r, err := c.prepare(agg)
	if err != nil {
		return nil, err
	}
	defer c.running.Store(false)

	runErr := r.run(ctx)
	return agg.Report(), runErr
}

// Stream crawls in the background and emits each result as soon as it is
// final. The channel is closed when the queue drains or ctx is cancelled.
// Callers must keep receiving until the channel is closed.
func (c *Crawler) Stream(ctx context.Context) (<-chan Entry, error) {
	agg := output.NewStreamAggregator(c.snapshotConcurrency())

	r, err := c.prepare(agg)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, agg.Abort)
	go func() {
		defer c.running.Store(false)
		defer stop()
		if err := r.run(ctx); err != nil {
			r.log.WithError(err).Warn("Crawl ended early")
		}
	}()

	return agg.Entries(), nil
}

// Metrics returns a snapshot of the crawler's metrics.
func (c *Crawler) Metrics() *metrics.Snapshot {
	return c.metrics.Snapshot()
}

// Config returns a copy of the current configuration.
func (c *Crawler) Config() *Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.Clone()
}

// IsRunning reports whether a crawl is in progress.
func (c *Crawler) IsRunning() bool {
	return c.running.Load()
}

func (c *Crawler) snapshotConcurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.Concurrency
}

// prepare validates the start URL and builds the run from a snapshot of
// the current configuration.
func (c *Crawler) prepare(agg output.Aggregator) (*run, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}

	c.mu.Lock()
	snap := snapshot{
		config:         c.config.Clone(),
		redirectFilter: c.redirectFilter,
		finder:         c.finder,
		runners:        append([]*pipeline.RunnerSpec(nil), c.runners...),
		launcher:       c.launcher,
	}
	c.mu.Unlock()

	r, err := newRun(snap, agg, c.logger, c.metrics, c.progress, c.statusInterval)
	if err != nil {
		c.running.Store(false)
		return nil, err
	}
	return r, nil
}
