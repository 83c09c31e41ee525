// Package pipeline runs the per-page stages of a crawl attempt: acquire a
// browser, create and configure a page, open it, discover links and run
// the registered runners.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/PentesterFlow/crawlkit/internal/browser"
	crawlerrors "github.com/PentesterFlow/crawlkit/internal/errors"
	"github.com/PentesterFlow/crawlkit/internal/logger"
	"github.com/PentesterFlow/crawlkit/internal/ratelimit"
	"github.com/PentesterFlow/crawlkit/internal/task"
	"github.com/PentesterFlow/crawlkit/internal/urlfilter"
)

// UserAgentSetting is the page setting carrying the user agent.
const UserAgentSetting = "userAgent"

// DefaultCloseTimeout bounds closing a page when Config.CloseTimeout is unset.
const DefaultCloseTimeout = 5 * time.Second

// BrowserSource hands out browser processes.
type BrowserSource interface {
	Acquire(ctx context.Context) (browser.Process, error)
	Release(proc browser.Process)
}

// Enqueuer accepts URLs discovered while processing a page. It returns
// false when the URL was already seen or could not be queued.
type Enqueuer interface {
	Enqueue(url string) bool
}

// Config is the immutable view of the crawl a pipeline runs with.
type Config struct {
	Browsers BrowserSource
	Queue    Enqueuer
	Limiter  *ratelimit.Limiter

	// Timeout bounds a whole attempt. Zero disables it.
	Timeout         time.Duration
	RunnableTimeout time.Duration
	// CloseTimeout bounds closing the page after an attempt. A hung
	// renderer must not hold the worker.
	CloseTimeout    time.Duration
	Settings        browser.Settings
	FollowRedirects bool
	RedirectFilter  urlfilter.FilterFunc
	Finder          *FinderSpec
	Runners         []*RunnerSpec
}

// PageSettings merges user settings over the crawler defaults.
func PageSettings(userAgent string, user browser.Settings) browser.Settings {
	merged := browser.Settings{UserAgentSetting: userAgent}
	for k, v := range user {
		merged[k] = v
	}
	return merged
}

type stageFunc func(ctx context.Context, s *task.Scope, log *logger.Logger) error

type stage struct {
	name string
	run  stageFunc
}

// Pipeline executes the stages for one scope at a time. A Pipeline is safe
// for concurrent use by multiple workers.
type Pipeline struct {
	cfg    Config
	stages []stage
}

// New creates a pipeline bound to cfg.
func New(cfg Config) *Pipeline {
	p := &Pipeline{cfg: cfg}
	p.stages = []stage{
		{"acquire_browser", immediateStop(p.acquireBrowser)},
		{"create_page", immediateStop(p.createPage)},
		{"configure_page", immediateStop(p.configurePage)},
		{"open_page", immediateStop(p.openPage)},
		{"find_links", immediateStop(p.findLinks)},
		{"run_runners", immediateStop(p.runRunners)},
	}
	return p
}

// immediateStop skips fn once the scope has been stopped.
func immediateStop(fn stageFunc) stageFunc {
	return func(ctx context.Context, s *task.Scope, log *logger.Logger) error {
		if s.IsStopped() {
			return nil
		}
		return fn(ctx, s, log)
	}
}

// Run executes one attempt for s. The attempt error, if any, is recorded on
// s.Result and returned. The page is closed before Run returns; the browser
// stays attached to s for the caller to release or destroy.
func (p *Pipeline) Run(ctx context.Context, s *task.Scope, log *logger.Logger) error {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.cfg.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
	}
	defer cancel()
	defer p.closePage(s, log)

	for _, st := range p.stages {
		if s.IsStopped() {
			break
		}
		if p.interrupted(ctx, attemptCtx, s) {
			break
		}

		log.Debugf("Stage %s", st.name)
		if err := st.run(attemptCtx, s, log); err != nil {
			if !p.interrupted(ctx, attemptCtx, s) {
				s.Fail(err)
			}
		}
	}
	s.Stop()

	if s.Result.Error != nil {
		return s.Result.Error
	}
	return nil
}

// interrupted records a cancelled or timed out attempt on s.
func (p *Pipeline) interrupted(parent, attempt context.Context, s *task.Scope) bool {
	switch {
	case parent.Err() != nil:
		s.Fail(crawlerrors.NewCancelledError(s.URL, "attempt"))
		return true
	case attempt.Err() != nil:
		s.Fail(crawlerrors.NewTimeoutError(s.URL, "attempt",
			fmt.Sprintf("Worker timed out after %dms.", p.cfg.Timeout.Milliseconds())))
		return true
	}
	return false
}

func (p *Pipeline) closePage(s *task.Scope, log *logger.Logger) {
	page := s.ClearPage()
	if page == nil {
		return
	}
	if err := p.close(page); err != nil {
		log.WithError(err).Debug("Closing page failed")
	}
}

// close runs detached from the attempt context, which may already be done.
func (p *Pipeline) close(page browser.Page) error {
	timeout := p.cfg.CloseTimeout
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return page.Close(ctx)
}

func (p *Pipeline) acquireBrowser(ctx context.Context, s *task.Scope, log *logger.Logger) error {
	log.Debug("Acquiring browser")
	proc, err := p.cfg.Browsers.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := s.SetBrowser(proc); err != nil {
		p.cfg.Browsers.Release(proc)
		return err
	}
	log.Debug("Browser acquired")
	return nil
}

func (p *Pipeline) createPage(ctx context.Context, s *task.Scope, log *logger.Logger) error {
	page, err := s.Browser().NewPage(ctx)
	if err != nil {
		return err
	}
	if err := s.SetPage(page); err != nil {
		_ = p.close(page)
		return err
	}
	log.Debug("Page created")
	return nil
}

func (p *Pipeline) configurePage(ctx context.Context, s *task.Scope, log *logger.Logger) error {
	log.Debugf("Applying %d page settings", len(p.cfg.Settings))
	return s.Page().Configure(ctx, p.cfg.Settings)
}
