package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PentesterFlow/crawlkit/internal/browser"
	crawlerrors "github.com/PentesterFlow/crawlkit/internal/errors"
	"github.com/PentesterFlow/crawlkit/internal/logger"
	"github.com/PentesterFlow/crawlkit/internal/metrics"
	"github.com/PentesterFlow/crawlkit/internal/output"
	"github.com/PentesterFlow/crawlkit/internal/pipeline"
	"github.com/PentesterFlow/crawlkit/internal/progress"
	"github.com/PentesterFlow/crawlkit/internal/queue"
	"github.com/PentesterFlow/crawlkit/internal/ratelimit"
	"github.com/PentesterFlow/crawlkit/internal/state"
	"github.com/PentesterFlow/crawlkit/internal/task"
	"github.com/PentesterFlow/crawlkit/internal/urlfilter"
)

// robotsTimeout bounds a robots.txt fetch made while filtering a URL.
const robotsTimeout = 10 * time.Second

// snapshot is the crawler state a run is started with.
type snapshot struct {
	config         *Config
	redirectFilter urlfilter.FilterFunc
	finder         *pipeline.FinderSpec
	runners        []*pipeline.RunnerSpec
	launcher       browser.Launcher
}

// run is one crawl from the start URL until the queue drains.
type run struct {
	config   *Config
	startURL string

	log      *logger.Logger
	metrics  *metrics.Collector
	progress *progress.Display
	interval time.Duration

	pool     *browser.Pool
	queue    queue.Queue
	seen     *state.Deduplicator
	limiter  *ratelimit.Limiter
	pipeline *pipeline.Pipeline
	retry    crawlerrors.RetryPolicy
	agg      output.Aggregator
	store    state.Store

	crawled atomic.Int64
	failed  atomic.Int64
	retries atomic.Int64
}

func newRun(snap snapshot, agg output.Aggregator, log *logger.Logger, m *metrics.Collector,
	prog *progress.Display, interval time.Duration) (*run, error) {
	cfg := snap.config

	startURL, err := urlfilter.NormalizeStartURL(cfg.Target)
	if err != nil {
		return nil, err
	}

	r := &run{
		config:   cfg,
		startURL: startURL,
		log:      log,
		metrics:  m,
		progress: prog,
		interval: interval,
		queue:    queue.NewMemoryQueue(),
		seen:     state.NewDeduplicator(10000),
		agg:      agg,
	}

	r.retry = crawlerrors.DefaultRetryPolicy()
	r.retry.MaxTries = cfg.Tries

	r.limiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	r.limiter.SetDomainDelay(cfg.RateLimit.DomainDelay)

	var robots *ratelimit.RobotsManager
	if cfg.RateLimit.RespectRobotsTxt {
		robots = ratelimit.NewRobotsManager(cfg.userAgent(), nil)
		r.limiter.UseRobots(robots)
	}

	finder, err := r.scopedFinder(snap.finder, robots)
	if err != nil {
		return nil, err
	}

	r.pool = browser.NewPool(cfg.Concurrency,
		browser.NewFactory(snap.launcher, browser.Params(cfg.BrowserParameters), cfg.BrowserCookies),
		log)

	r.pipeline = pipeline.New(pipeline.Config{
		Browsers:        r.pool,
		Queue:           r,
		Limiter:         r.limiter,
		Timeout:         cfg.Timeout,
		RunnableTimeout: cfg.RunnableTimeout,
		Settings:        pipeline.PageSettings(cfg.userAgent(), browser.Settings(cfg.PageSettings)),
		FollowRedirects: cfg.FollowRedirects,
		RedirectFilter:  snap.redirectFilter,
		Finder:          finder,
		Runners:         snap.runners,
	})

	if cfg.State.ResultsDB != "" {
		store, err := state.NewBoltStore(cfg.State.ResultsDB)
		if err != nil {
			return nil, fmt.Errorf("failed to open results database: %w", err)
		}
		r.store = store
	}

	return r, nil
}

// scopedFinder narrows the finder's own filter with the scope rules and
// robots.txt. Without a finder there is nothing to narrow.
func (r *run) scopedFinder(spec *pipeline.FinderSpec, robots *ratelimit.RobotsManager) (*pipeline.FinderSpec, error) {
	if spec == nil {
		return nil, nil
	}

	filters := []urlfilter.FilterFunc{spec.Filter}
	if rules := r.config.Scope.Rules(); !rules.IsZero() {
		checker, err := urlfilter.NewChecker(r.startURL, rules)
		if err != nil {
			return nil, fmt.Errorf("invalid scope: %w", err)
		}
		filters = append(filters, checker.Filter())
	}
	if robots != nil {
		filters = append(filters, robots.Filter(robotsTimeout))
	}

	scoped := *spec
	scoped.Filter = urlfilter.Chain(filters...)
	return &scoped, nil
}

// Enqueue queues a URL the first time it is seen.
func (r *run) Enqueue(raw string) bool {
	normalized, err := urlfilter.NormalizeURL(urlfilter.WithDefaultScheme(raw))
	if err != nil {
		r.log.WithError(err).Debugf("Dropping malformed URL %s", raw)
		return false
	}
	if !r.seen.AddIfNew(normalized) {
		return false
	}
	if err := r.queue.Push(task.New(normalized)); err != nil {
		r.log.WithError(err).Debugf("Could not queue %s", normalized)
		return false
	}
	r.metrics.RecordDiscovered()
	return true
}

// run crawls until the queue drains or ctx ends.
func (r *run) run(ctx context.Context) error {
	started := time.Now()
	log := r.log.WithField("target", r.startURL)
	log.Infof("Starting crawl with %d workers", r.config.Concurrency)

	r.saveSession(started, time.Time{})
	if r.progress != nil {
		r.progress.Start(r.startURL)
	}

	r.Enqueue(r.startURL)

	reportCtx, stopReport := context.WithCancel(ctx)
	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		r.report(reportCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.config.Concurrency; i++ {
		id := i
		g.Go(func() error {
			return r.worker(gctx, id)
		})
	}
	err := g.Wait()

	stopReport()
	<-reportDone
	r.updateStatus()

	if drainErr := r.pool.Drain(); drainErr != nil {
		log.WithError(drainErr).Warn("Closing browsers failed")
	}
	r.agg.Close()

	if r.progress != nil {
		r.progress.Stop()
	}
	r.saveSession(started, time.Now())
	if r.store != nil {
		if closeErr := r.store.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("Closing results database failed")
		}
	}

	log.WithDuration(time.Since(started)).Infof("Finished: %d crawled, %d failed, %d retries",
		r.crawled.Load(), r.failed.Load(), r.retries.Load())
	ls := r.limiter.Stats()
	log.WithField("hosts", ls.DomainCount).WithField("domain_delay", ls.DomainDelay.String()).
		Debug("Rate limiter totals")

	if err == nil {
		err = ctx.Err()
	}
	return err
}

// worker pops scopes until the queue drains.
func (r *run) worker(ctx context.Context, id int) error {
	log := r.log.WithWorker(id)
	for {
		s, err := r.queue.Pop(ctx)
		switch {
		case errors.Is(err, queue.ErrQueueDrained), errors.Is(err, queue.ErrQueueClosed):
			return nil
		case err != nil:
			return err
		}
		r.process(ctx, s, log, id)
	}
}

// process runs one attempt for s and either requeues it or records its
// final result. Done is called last so the queue cannot drain while a
// retry is pending.
func (r *run) process(ctx context.Context, s *task.Scope, log *logger.Logger, workerID int) {
	defer r.queue.Done()

	tries := s.Retry()
	r.metrics.AddActiveWorkers(1)
	start := time.Now()

	slog := log.WithTask(s.ID, s.URL)
	slog.AttemptEvent(logger.InfoLevel, s.URL, tries, workerID).Msg("Crawling")

	err := r.pipeline.Run(ctx, s, slog)

	r.metrics.RecordAttempt(time.Since(start))
	r.metrics.AddActiveWorkers(-1)

	retry := ctx.Err() == nil && r.retry.ShouldRetry(err, tries)
	if proc := s.ClearBrowser(); proc != nil {
		if crawlerrors.IsRetryable(err) {
			r.pool.Destroy(proc)
		} else {
			r.pool.Release(proc)
		}
	}

	if retry {
		if waitErr := r.retry.Wait(ctx, tries); waitErr == nil {
			if pushErr := r.queue.PushFront(s.Clone()); pushErr == nil {
				r.retries.Add(1)
				r.metrics.RecordRetry()
				slog.WithError(err).Warnf("Retrying after attempt %d", tries)
				return
			}
		}
	}

	r.record(s, slog)
}

// record hands the final result of s to the aggregator and the store.
func (r *run) record(s *task.Scope, log *logger.Logger) {
	res := s.Result
	failed := res.Error != nil

	r.crawled.Add(1)
	r.metrics.RecordPage(failed)
	if failed {
		r.failed.Add(1)
		r.metrics.RecordError(res.Error.Type.String())
		if code := crawlerrors.GetStatusCode(res.Error); code > 0 {
			r.metrics.RecordStatusCode(code)
		}
		log.WithError(res.Error).Warn("Page failed")
	} else {
		log.Debug("Page done")
	}
	for _, rr := range res.Runners {
		r.metrics.RecordRunner(rr.Error != nil)
	}

	r.agg.Add(s.URL, res)

	if r.store != nil {
		if err := r.store.PutResult(s.URL, res); err != nil {
			log.WithError(err).Warn("Could not persist result")
		}
	}
}

// report refreshes gauges and the progress line until ctx ends. Without a
// progress display the counts are logged instead.
func (r *run) report(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := r.updateStatus()
			if r.progress == nil {
				r.log.StatsEvent(map[string]interface{}{
					"discovered": counts.Discovered,
					"crawled":    counts.Crawled,
					"failed":     counts.Failed,
					"retries":    counts.Retries,
					"queued":     counts.Queued,
					"in_flight":  counts.InFlight,
				})
			}
		}
	}
}

func (r *run) updateStatus() progress.Counts {
	counts := r.counts()
	r.metrics.SetQueueDepth(counts.Queued)

	ps := r.pool.Stats()
	r.metrics.SetBrowserPoolStats(int64(ps.Size), int64(ps.Live-ps.Idle), ps.Created, ps.Destroyed)

	if r.progress != nil {
		r.progress.Update(counts)
	}
	return counts
}

func (r *run) counts() progress.Counts {
	return progress.Counts{
		Discovered: int64(r.seen.Count()),
		Crawled:    r.crawled.Load(),
		Failed:     r.failed.Load(),
		Retries:    r.retries.Load(),
		Queued:     int64(r.queue.Len()),
		InFlight:   int64(r.queue.InFlight()),
	}
}

func (r *run) saveSession(started, finished time.Time) {
	if r.store == nil {
		return
	}
	session := &state.Session{
		Name:       r.config.Name,
		Target:     r.startURL,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if !finished.IsZero() {
		c := r.counts()
		session.Stats = map[string]int64{
			"discovered": c.Discovered,
			"crawled":    c.Crawled,
			"failed":     c.Failed,
			"retries":    c.Retries,
		}
	}
	if err := r.store.SaveSession(session); err != nil {
		r.log.WithError(err).Warn("Could not persist session")
	}
}
