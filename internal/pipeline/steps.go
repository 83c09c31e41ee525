package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PentesterFlow/crawlkit/internal/browser"
	crawlerrors "github.com/PentesterFlow/crawlkit/internal/errors"
	"github.com/PentesterFlow/crawlkit/internal/logger"
	"github.com/PentesterFlow/crawlkit/internal/task"
	"github.com/PentesterFlow/crawlkit/internal/urlfilter"
)

// navigationGuard lets the initial document request through and blocks
// every other top-level navigation, remembering the first one.
type navigationGuard struct {
	mu       sync.Mutex
	url      string
	started  bool
	locked   bool
	redirect string
}

func newNavigationGuard(url string) *navigationGuard {
	return &navigationGuard{url: stripFragment(url)}
}

func (g *navigationGuard) allow(req browser.NavigationRequest) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		g.started = true
		return true
	}
	if stripFragment(req.URL) == g.url {
		return true
	}
	if !g.locked && g.redirect == "" {
		g.redirect = req.URL
	}
	return false
}

// lock stops recording redirects once the page has loaded.
func (g *navigationGuard) lock() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked = true
	return g.redirect
}

func stripFragment(u string) string {
	if i := strings.IndexByte(u, '#'); i >= 0 {
		return u[:i]
	}
	return u
}

func (p *Pipeline) openPage(ctx context.Context, s *task.Scope, log *logger.Logger) error {
	page := s.Page()
	guard := newNavigationGuard(s.URL)
	if err := page.InterceptNavigation(guard.allow); err != nil {
		return err
	}

	if p.cfg.Limiter != nil {
		if err := p.cfg.Limiter.WaitURL(ctx, s.URL); err != nil {
			return err
		}
	}

	log.Debug("Opening page")
	status, err := page.Open(ctx, s.URL)
	if target := guard.lock(); target != "" {
		return p.handleRedirect(s, target, log)
	}
	if err != nil {
		log.WithError(err).Error("Something went wrong when opening the page")
		return err
	}
	if status >= 400 {
		return crawlerrors.NewStatusError(s.URL, status)
	}

	log.Debugf("Page opened with status %d", status)
	return nil
}

func (p *Pipeline) handleRedirect(s *task.Scope, target string, log *logger.Logger) error {
	log.Debugf("Page for %s asks for redirect to %s", s.URL, target)

	if !p.cfg.FollowRedirects {
		return crawlerrors.NewRedirectError(s.URL, target,
			fmt.Sprintf("redirect to %s blocked", target))
	}

	abs, ok, err := urlfilter.Apply(p.cfg.RedirectFilter, target, s.URL)
	if err != nil {
		log.WithError(err).Debugf("Error on redirect filter (%s, %s)", target, s.URL)
	}
	if err != nil || !ok {
		rerr := crawlerrors.NewRedirectError(s.URL, target,
			fmt.Sprintf("URL %s was not followed", target))
		rerr.Cause = err
		return rerr
	}

	if p.cfg.Queue.Enqueue(abs) {
		log.DiscoveryEvent("redirect", abs, s.URL)
	}
	log.Infof("Page for %s redirected to %s", s.URL, abs)
	s.Stop()
	return nil
}

func (p *Pipeline) findLinks(ctx context.Context, s *task.Scope, log *logger.Logger) error {
	finder := p.cfg.Finder
	if finder == nil {
		log.Debug("No finder defined")
		return nil
	}

	timeout := timeoutOr(finder.Timeout, p.cfg.RunnableTimeout)
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := s.Page().Evaluate(fctx, browser.Script{
		Source: finder.Finder.Runnable(),
		Params: finder.Params,
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case fctx.Err() != nil:
			log.Warnf("Finder timed out after %dms", timeout.Milliseconds())
			return nil
		case crawlerrors.GetErrorType(err) == crawlerrors.ProcessCrash:
			return err
		}
		log.WithError(err).Error("Finder could not be evaluated")
		return nil
	}
	if out.Failed() {
		log.WithError(crawlerrors.NewEvaluationError(s.URL, "finder", out.Err)).Error("Finder errored")
		return nil
	}

	urls, ok := stringList(out.Result)
	if !ok {
		log.Error("Given finder returned non-array value")
		return nil
	}

	log.Infof("Finder discovered %d URLs", len(urls))
	for _, raw := range urls {
		p.discover(finder.Filter, raw, s.URL, log)
	}
	return nil
}

// stringList accepts an array result. Non-string entries are skipped.
func stringList(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		urls := make([]string, 0, len(list))
		for _, item := range list {
			if str, ok := item.(string); ok && str != "" {
				urls = append(urls, str)
			}
		}
		return urls, true
	}
	return nil, false
}

func (p *Pipeline) discover(filter urlfilter.FilterFunc, raw, origin string, log *logger.Logger) {
	abs, ok, err := urlfilter.Apply(filter, raw, origin)
	switch {
	case err != nil:
		log.WithError(err).Debugf("Error on URL filter (%s, %s)", raw, origin)
	case !ok:
		log.Debugf("URL %s ignored due to URL filter", raw)
	case p.cfg.Queue.Enqueue(abs):
		log.DiscoveryEvent("finder", abs, origin)
	default:
		log.Debugf("Skipping %s, already seen", abs)
	}
}

func (p *Pipeline) runRunners(ctx context.Context, s *task.Scope, log *logger.Logger) error {
	if len(p.cfg.Runners) == 0 {
		log.Debug("No runners defined")
		return nil
	}

	for _, r := range p.cfg.Runners {
		rlog := log.WithRunner(r.Key)
		rlog.Debug("Started")

		rr, err := p.runRunner(ctx, s, r, rlog)
		if err != nil {
			return err
		}
		if rr.Error != nil {
			rlog.WithError(rr.Error).Error("Runner failed")
		} else {
			rlog.Debug("Finished")
		}
		s.Result.SetRunner(r.Key, rr)
	}
	return nil
}

// runRunner returns a non-nil error only when the whole attempt must stop.
func (p *Pipeline) runRunner(ctx context.Context, s *task.Scope, r *RunnerSpec, log *logger.Logger) (*task.RunnerResult, error) {
	timeout := timeoutOr(r.Timeout, p.cfg.RunnableTimeout)
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	failed := func(err error, wrap func(error) *crawlerrors.CrawlError) (*task.RunnerResult, error) {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case rctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
			return &task.RunnerResult{Error: crawlerrors.NewTimeoutError(s.URL, "runner:"+r.Key,
				fmt.Sprintf("Runner '%s' timed out after %dms.", r.Key, timeout.Milliseconds()))}, nil
		case crawlerrors.GetErrorType(err) == crawlerrors.ProcessCrash:
			return nil, err
		}
		return &task.RunnerResult{Error: wrap(err)}, nil
	}

	files, err := r.Runner.CompanionFiles(rctx)
	if err != nil {
		return failed(err, func(err error) *crawlerrors.CrawlError {
			return crawlerrors.NewCrawlError(crawlerrors.Injection, s.URL, "companion_files",
				"failed to resolve companion files", err)
		})
	}

	page := s.Page()
	for _, file := range files {
		if err := page.InjectScript(rctx, file); err != nil {
			log.Errorf("Failed to inject companion file '%s' for runner '%s' on %s", file, r.Key, s.URL)
			return failed(err, func(err error) *crawlerrors.CrawlError {
				var ce *crawlerrors.CrawlError
				if errors.As(err, &ce) && ce.Type == crawlerrors.Injection {
					return ce
				}
				return crawlerrors.NewInjectionError(s.URL, file, err)
			})
		}
		log.Debugf("Injected companion file '%s'", file)
	}

	out, err := page.Evaluate(rctx, browser.Script{
		Source: r.Runner.Runnable(),
		Params: r.Params,
	})
	if err != nil {
		return failed(err, func(err error) *crawlerrors.CrawlError {
			return crawlerrors.Categorize(err, s.URL)
		})
	}
	if out.Failed() {
		return &task.RunnerResult{Error: crawlerrors.NewEvaluationError(s.URL, "runner:"+r.Key, out.Err)}, nil
	}

	result := out.Result
	if r.Transform != nil {
		transformed, err := r.Transform(rctx, result)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return &task.RunnerResult{Error: crawlerrors.NewTransformationError(s.URL, r.Key, err)}, nil
		}
		result = transformed
	}
	return &task.RunnerResult{Result: result}, nil
}
