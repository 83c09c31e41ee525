// Package browsertest provides an in-memory browser driver for tests.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/PentesterFlow/crawlkit/internal/browser"
	crawlerrors "github.com/PentesterFlow/crawlkit/internal/errors"
)

// Route describes how the fake web answers a URL.
type Route struct {
	Status     int
	RedirectTo string
	Err        error
}

// ScriptFunc stands in for page-side code. It receives the URL of the page
// it runs on and the positional parameters.
type ScriptFunc func(ctx context.Context, pageURL string, params []any) (browser.Outcome, error)

// Web is a fake browser engine plus the sites it can reach. Unknown URLs
// answer 200.
type Web struct {
	mu       sync.Mutex
	routes   map[string]Route
	scripts  map[string]ScriptFunc
	injected map[string][]string
	opens    map[string]int
	injErr   map[string]error
	settings []browser.Settings
	cookies  []browser.Cookie

	// LaunchErr, when set, is consulted before every launch with the
	// 1-based launch number.
	LaunchErr func(n int) error
	// CookieErr fails AddCookie for the named cookie.
	CookieErr map[string]error
	// OpenErr, when set, is consulted before every open with the 1-based
	// open number for that URL.
	OpenErr func(url string, n int) error
	// HangClose makes Page.Close block until its context is done, like a
	// renderer that stopped answering.
	HangClose bool

	launches    atomic.Int64
	closed      atomic.Int64
	pages       atomic.Int64
	pagesClosed atomic.Int64
}

// NewWeb creates an empty fake web.
func NewWeb() *Web {
	return &Web{
		routes:   make(map[string]Route),
		scripts:  make(map[string]ScriptFunc),
		injected: make(map[string][]string),
		opens:    make(map[string]int),
		injErr:   make(map[string]error),
	}
}

// Route registers the answer for url.
func (w *Web) Route(url string, r Route) *Web {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.routes[url] = r
	return w
}

// Script binds page-side source to a Go implementation.
func (w *Web) Script(source string, fn ScriptFunc) *Web {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scripts[source] = fn
	return w
}

// FailInjection makes injecting path fail with err.
func (w *Web) FailInjection(path string, err error) *Web {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.injErr[path] = err
	return w
}

// Launcher returns a browser.Launcher backed by w.
func (w *Web) Launcher() browser.Launcher {
	return func(ctx context.Context, _ browser.Params) (browser.Process, error) {
		n := int(w.launches.Add(1))
		if w.LaunchErr != nil {
			if err := w.LaunchErr(n); err != nil {
				return nil, err
			}
		}
		return &process{web: w}, nil
	}
}

// Launches returns how many processes were started.
func (w *Web) Launches() int { return int(w.launches.Load()) }

// Closed returns how many processes were closed.
func (w *Web) Closed() int { return int(w.closed.Load()) }

// Pages returns how many pages were created.
func (w *Web) Pages() int { return int(w.pages.Load()) }

// PagesClosed returns how many pages were closed cleanly.
func (w *Web) PagesClosed() int { return int(w.pagesClosed.Load()) }

// Opens returns how many times url was opened.
func (w *Web) Opens(url string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opens[url]
}

// Injected returns the companion files injected into pages showing url.
func (w *Web) Injected(url string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.injected[url]...)
}

// Settings returns every settings map applied to a page.
func (w *Web) Settings() []browser.Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]browser.Settings(nil), w.settings...)
}

// Cookies returns every cookie added to any process.
func (w *Web) Cookies() []browser.Cookie {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]browser.Cookie(nil), w.cookies...)
}

type process struct {
	web    *Web
	closed atomic.Bool
}

func (p *process) NewPage(ctx context.Context) (browser.Page, error) {
	if p.closed.Load() {
		return nil, crawlerrors.NewProcessCrashError("", "new_page", fmt.Errorf("process closed"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.web.pages.Add(1)
	return &page{web: p.web}, nil
}

func (p *process) AddCookie(_ context.Context, c browser.Cookie) error {
	if err := p.web.CookieErr[c.Name]; err != nil {
		return err
	}
	p.web.mu.Lock()
	p.web.cookies = append(p.web.cookies, c)
	p.web.mu.Unlock()
	return nil
}

func (p *process) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.web.closed.Add(1)
	}
	return nil
}

type page struct {
	web     *Web
	url     string
	handler browser.NavigationHandler
}

func (p *page) Configure(_ context.Context, s browser.Settings) error {
	p.web.mu.Lock()
	defer p.web.mu.Unlock()
	p.web.settings = append(p.web.settings, s)
	return nil
}

func (p *page) InterceptNavigation(h browser.NavigationHandler) error {
	p.handler = h
	return nil
}

func (p *page) allow(url string) bool {
	return p.handler == nil || p.handler(browser.NavigationRequest{URL: url})
}

func (p *page) Open(ctx context.Context, url string) (int, error) {
	p.web.mu.Lock()
	p.web.opens[url]++
	n := p.web.opens[url]
	p.web.mu.Unlock()

	if p.web.OpenErr != nil {
		if err := p.web.OpenErr(url, n); err != nil {
			return 0, err
		}
	}

	current := url
	for hops := 0; hops < 10; hops++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !p.allow(current) {
			return 0, crawlerrors.NewOpenFailedError(url, fmt.Errorf("navigation to %s blocked", current))
		}

		p.web.mu.Lock()
		route, ok := p.web.routes[current]
		p.web.mu.Unlock()

		if !ok {
			p.url = current
			return 200, nil
		}
		if route.Err != nil {
			return 0, route.Err
		}
		if route.RedirectTo != "" {
			current = route.RedirectTo
			continue
		}
		p.url = current
		return route.Status, nil
	}
	return 0, crawlerrors.NewOpenFailedError(url, fmt.Errorf("too many redirects"))
}

func (p *page) Evaluate(ctx context.Context, s browser.Script) (browser.Outcome, error) {
	p.web.mu.Lock()
	fn, ok := p.web.scripts[s.Source]
	p.web.mu.Unlock()

	if !ok {
		return browser.Outcome{}, crawlerrors.NewEvaluationError(p.url, "evaluate", "unknown script")
	}
	return fn(ctx, p.url, s.Params)
}

func (p *page) InjectScript(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.web.mu.Lock()
	defer p.web.mu.Unlock()

	if err := p.web.injErr[path]; err != nil {
		return crawlerrors.NewInjectionError(p.url, path, err)
	}
	p.web.injected[p.url] = append(p.web.injected[p.url], path)
	return nil
}

func (p *page) Close(ctx context.Context) error {
	if p.web.HangClose {
		<-ctx.Done()
		return ctx.Err()
	}
	p.web.pagesClosed.Add(1)
	return nil
}

// Return answers with result.
func Return(result any) ScriptFunc {
	return func(context.Context, string, []any) (browser.Outcome, error) {
		return browser.Outcome{Result: result}, nil
	}
}

// Fail answers with a page-side error value.
func Fail(errValue any) ScriptFunc {
	return func(context.Context, string, []any) (browser.Outcome, error) {
		return browser.Outcome{Err: errValue}, nil
	}
}

// Hang never calls back; it returns when ctx is done.
func Hang() ScriptFunc {
	return func(ctx context.Context, _ string, _ []any) (browser.Outcome, error) {
		<-ctx.Done()
		return browser.Outcome{}, ctx.Err()
	}
}
