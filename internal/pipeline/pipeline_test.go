package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PentesterFlow/crawlkit/internal/browser"
	"github.com/PentesterFlow/crawlkit/internal/browser/browsertest"
	crawlerrors "github.com/PentesterFlow/crawlkit/internal/errors"
	"github.com/PentesterFlow/crawlkit/internal/logger"
	"github.com/PentesterFlow/crawlkit/internal/task"
)

// =============================================================================
// Helpers
// =============================================================================

type script string

func (s script) Runnable() string { return string(s) }

type runner struct {
	script
	files []string
}

func (r runner) CompanionFiles(context.Context) ([]string, error) { return r.files, nil }

type timedRunner struct {
	runner
	timeout time.Duration
}

func (r timedRunner) Timeout() time.Duration { return r.timeout }

type transformingRunner struct {
	runner
	fn func(any) (any, error)
}

func (r transformingRunner) TransformResult(_ context.Context, v any) (any, error) { return r.fn(v) }

type filteringFinder struct {
	script
	fn func(string, string) (string, bool)
}

func (f filteringFinder) URLFilter(u, origin string) (string, bool) { return f.fn(u, origin) }

// recorder is an Enqueuer with a seen set.
type recorder struct {
	mu   sync.Mutex
	seen map[string]bool
	urls []string
}

func (r *recorder) Enqueue(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[string]bool)
	}
	if r.seen[url] {
		return false
	}
	r.seen[url] = true
	r.urls = append(r.urls, url)
	return true
}

func (r *recorder) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

func newPipeline(t *testing.T, web *browsertest.Web, cfg Config) (*Pipeline, *recorder) {
	t.Helper()
	pool := browser.NewPool(1, browser.NewFactory(web.Launcher(), nil, nil), nil)
	t.Cleanup(func() { _ = pool.Drain() })

	rec := &recorder{}
	cfg.Browsers = pool
	cfg.Queue = rec
	if cfg.Settings == nil {
		cfg.Settings = PageSettings("CrawlKit/test", nil)
	}
	return New(cfg), rec
}

func run(t *testing.T, p *Pipeline, url string) (*task.Scope, error) {
	t.Helper()
	s := task.New(url)
	s.Retry()
	err := p.Run(context.Background(), s, logger.Nop())
	if b := s.ClearBrowser(); b != nil {
		p.cfg.Browsers.Release(b)
	}
	return s, err
}

func mustFinder(t *testing.T, f Finder, params ...any) *FinderSpec {
	t.Helper()
	spec, err := NewFinderSpec(f, params...)
	if err != nil {
		t.Fatalf("NewFinderSpec() error = %v", err)
	}
	return spec
}

func mustRunner(t *testing.T, key string, r Runner, params ...any) *RunnerSpec {
	t.Helper()
	spec, err := NewRunnerSpec(key, r, params...)
	if err != nil {
		t.Fatalf("NewRunnerSpec() error = %v", err)
	}
	return spec
}

// =============================================================================
// Registration Tests
// =============================================================================

func TestNewFinderSpec_Capabilities(t *testing.T) {
	plain := mustFinder(t, script("plain"))
	if plain.Filter != nil || plain.Timeout != 0 {
		t.Errorf("plain finder spec = %+v", plain)
	}

	filtered := mustFinder(t, filteringFinder{script: "f", fn: func(u, _ string) (string, bool) { return u, true }}, 250)
	if filtered.Filter == nil {
		t.Error("URLFilter capability not detected")
	}
	if len(filtered.Params) != 1 || filtered.Params[0] != 250 {
		t.Errorf("Params = %v", filtered.Params)
	}

	if _, err := NewFinderSpec(nil); !errors.Is(err, ErrNilRunnable) {
		t.Errorf("NewFinderSpec(nil) error = %v", err)
	}
}

func TestNewRunnerSpec_Capabilities(t *testing.T) {
	tests := []struct {
		name          string
		runner        Runner
		wantTransform bool
		wantTimeout   time.Duration
	}{
		{"plain", runner{script: "r"}, false, 0},
		{"timeout", timedRunner{runner: runner{script: "r"}, timeout: time.Second}, false, time.Second},
		{"negative timeout", timedRunner{runner: runner{script: "r"}, timeout: -time.Second}, false, 0},
		{"transform", transformingRunner{runner: runner{script: "r"}, fn: func(v any) (any, error) { return v, nil }}, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := mustRunner(t, "key", tt.runner)
			if (spec.Transform != nil) != tt.wantTransform {
				t.Errorf("Transform set = %v, want %v", spec.Transform != nil, tt.wantTransform)
			}
			if spec.Timeout != tt.wantTimeout {
				t.Errorf("Timeout = %v, want %v", spec.Timeout, tt.wantTimeout)
			}
		})
	}

	if _, err := NewRunnerSpec("", runner{}); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("empty key error = %v", err)
	}
}

func TestPageSettings(t *testing.T) {
	merged := PageSettings("CrawlKit/1.0", browser.Settings{"loadImages": false})
	if merged[UserAgentSetting] != "CrawlKit/1.0" || merged["loadImages"] != false {
		t.Errorf("merged = %v", merged)
	}

	override := PageSettings("CrawlKit/1.0", browser.Settings{UserAgentSetting: "custom"})
	if override[UserAgentSetting] != "custom" {
		t.Errorf("user agent override = %v", override[UserAgentSetting])
	}
}

// =============================================================================
// Open Stage Tests
// =============================================================================

func TestRun_NoFinderNoRunners(t *testing.T) {
	web := browsertest.NewWeb()
	p, rec := newPipeline(t, web, Config{})

	s, err := run(t, p, "http://h/")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !s.IsStopped() {
		t.Error("scope should be stopped after the pipeline")
	}
	if s.Result.Error != nil || s.Result.Runners != nil {
		t.Errorf("Result = %+v, want empty", s.Result)
	}
	if len(rec.URLs()) != 0 {
		t.Errorf("nothing should be enqueued, got %v", rec.URLs())
	}
	if s.Page() != nil {
		t.Error("page should be cleared after Run")
	}

	settings := web.Settings()
	if len(settings) != 1 || settings[0][UserAgentSetting] != "CrawlKit/test" {
		t.Errorf("settings = %v", settings)
	}
}

func TestRun_StatusErrorStopsPipeline(t *testing.T) {
	web := browsertest.NewWeb().Route("http://h/missing", browsertest.Route{Status: 404})
	called := false
	web.Script("runner", func(context.Context, string, []any) (browser.Outcome, error) {
		called = true
		return browser.Outcome{}, nil
	})
	p, _ := newPipeline(t, web, Config{
		Runners: []*RunnerSpec{mustRunner(t, "r", runner{script: "runner"})},
	})

	s, err := run(t, p, "http://h/missing")
	if crawlerrors.GetStatusCode(err) != 404 {
		t.Fatalf("Run() error = %v, want status 404", err)
	}
	if crawlerrors.IsRetryable(err) {
		t.Error("status errors must not be retryable")
	}
	if called {
		t.Error("runners must not run after a status error")
	}
	if s.Result.Error.Type != crawlerrors.Status {
		t.Errorf("Result.Error = %+v", s.Result.Error)
	}
}

func TestRun_OpenFailure(t *testing.T) {
	web := browsertest.NewWeb()
	web.OpenErr = func(string, int) error {
		return crawlerrors.NewProcessCrashError("http://h/", "open", errors.New("target closed"))
	}
	p, _ := newPipeline(t, web, Config{})

	_, err := run(t, p, "http://h/")
	if crawlerrors.GetErrorType(err) != crawlerrors.ProcessCrash {
		t.Errorf("Run() error = %v, want ProcessCrash", err)
	}
}

func TestRun_AcquireFailure(t *testing.T) {
	web := browsertest.NewWeb()
	web.LaunchErr = func(int) error {
		return crawlerrors.NewProcessCrashError("", "launch", errors.New("no chrome"))
	}
	p, _ := newPipeline(t, web, Config{})

	s, err := run(t, p, "http://h/")
	if crawlerrors.GetErrorType(err) != crawlerrors.ProcessCrash {
		t.Fatalf("Run() error = %v", err)
	}
	if web.Pages() != 0 {
		t.Error("no page should be created when acquisition fails")
	}
	if s.Browser() != nil {
		t.Error("no browser should be attached")
	}
}

func TestRun_Redirects(t *testing.T) {
	tests := []struct {
		name        string
		follow      bool
		filter      func(string, string) (string, bool)
		wantErr     bool
		wantMessage string
		wantQueued  []string
	}{
		{
			name:        "not followed by default",
			wantErr:     true,
			wantMessage: "redirect to http://h/b blocked",
		},
		{
			name:       "followed and enqueued",
			follow:     true,
			wantQueued: []string{"http://h/b"},
		},
		{
			name:       "followed and rewritten",
			follow:     true,
			filter:     func(string, string) (string, bool) { return "/c", true },
			wantQueued: []string{"http://h/c"},
		},
		{
			name:        "rejected by redirect filter",
			follow:      true,
			filter:      func(string, string) (string, bool) { return "", false },
			wantErr:     true,
			wantMessage: "URL http://h/b was not followed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			web := browsertest.NewWeb().Route("http://h/a", browsertest.Route{RedirectTo: "http://h/b"})
			p, rec := newPipeline(t, web, Config{FollowRedirects: tt.follow, RedirectFilter: tt.filter})

			s, err := run(t, p, "http://h/a")

			if tt.wantErr {
				if crawlerrors.GetErrorType(err) != crawlerrors.Redirect {
					t.Fatalf("Run() error = %v, want Redirect", err)
				}
				if s.Result.Error.Message != tt.wantMessage {
					t.Errorf("Message = %q, want %q", s.Result.Error.Message, tt.wantMessage)
				}
				if crawlerrors.IsRetryable(err) {
					t.Error("redirect errors must not be retryable")
				}
			} else if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			got := rec.URLs()
			if len(got) != len(tt.wantQueued) {
				t.Fatalf("queued = %v, want %v", got, tt.wantQueued)
			}
			for i := range got {
				if got[i] != tt.wantQueued[i] {
					t.Errorf("queued = %v, want %v", got, tt.wantQueued)
				}
			}
		})
	}
}

func TestRun_SameURLNavigationAllowed(t *testing.T) {
	web := browsertest.NewWeb().Route("http://h/#top", browsertest.Route{RedirectTo: "http://h/"})
	p, _ := newPipeline(t, web, Config{})

	if _, err := run(t, p, "http://h/#top"); err != nil {
		t.Errorf("navigation to the same document should pass, got %v", err)
	}
}

// =============================================================================
// Finder Tests
// =============================================================================

func TestRun_FinderDiscoversAndDeduplicates(t *testing.T) {
	web := browsertest.NewWeb().
		Script("finder", browsertest.Return([]any{"/a.html", "#hash", "/a.html", "mailto:x@h", 42}))
	p, rec := newPipeline(t, web, Config{Finder: mustFinder(t, script("finder"))})

	s, err := run(t, p, "http://h/")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Result.Error != nil {
		t.Errorf("Result.Error = %v", s.Result.Error)
	}

	want := []string{"http://h/a.html", "http://h/#hash"}
	got := rec.URLs()
	if len(got) != len(want) {
		t.Fatalf("queued = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("queued[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRun_FinderParamsAppended(t *testing.T) {
	var gotParams []any
	web := browsertest.NewWeb().Script("finder", func(_ context.Context, _ string, params []any) (browser.Outcome, error) {
		gotParams = params
		return browser.Outcome{Result: []any{}}, nil
	})
	p, _ := newPipeline(t, web, Config{Finder: mustFinder(t, script("finder"), 100, "x")})

	if _, err := run(t, p, "http://h/"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(gotParams) != 2 || gotParams[0] != 100 || gotParams[1] != "x" {
		t.Errorf("params = %v", gotParams)
	}
}

func TestRun_FinderFilter(t *testing.T) {
	filter := func(u, origin string) (string, bool) {
		switch {
		case strings.HasSuffix(u, "/skip"):
			return "", false
		case strings.HasSuffix(u, "/old"):
			return "new", true
		}
		return u, true
	}
	web := browsertest.NewWeb().Script("finder", browsertest.Return([]any{"/skip", "/dir/old", "/keep"}))
	p, rec := newPipeline(t, web, Config{Finder: mustFinder(t, filteringFinder{script: "finder", fn: filter})})

	if _, err := run(t, p, "http://h/dir/"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := strings.Join(rec.URLs(), " ")
	if got != "http://h/dir/new http://h/keep" {
		t.Errorf("queued = %s", got)
	}
}

func TestRun_FinderPanickingFilterDropsURL(t *testing.T) {
	filter := func(u, _ string) (string, bool) {
		if strings.HasSuffix(u, "/boom") {
			panic("boom")
		}
		return u, true
	}
	web := browsertest.NewWeb().Script("finder", browsertest.Return([]any{"/boom", "/ok"}))
	p, rec := newPipeline(t, web, Config{Finder: mustFinder(t, filteringFinder{script: "finder", fn: filter})})

	if _, err := run(t, p, "http://h/"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := rec.URLs(); len(got) != 1 || got[0] != "http://h/ok" {
		t.Errorf("queued = %v", got)
	}
}

func TestRun_FinderFailuresDoNotFailPage(t *testing.T) {
	tests := []struct {
		name    string
		fn      browsertest.ScriptFunc
		timeout time.Duration
	}{
		{"non-array result", browsertest.Return("not an array"), 0},
		{"page error", browsertest.Fail("finder broke"), 0},
		{"timeout", browsertest.Hang(), 30 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			web := browsertest.NewWeb().
				Script("finder", tt.fn).
				Script("runner", browsertest.Return("ran"))
			p, rec := newPipeline(t, web, Config{
				RunnableTimeout: tt.timeout,
				Finder:          mustFinder(t, script("finder")),
				Runners:         []*RunnerSpec{mustRunner(t, "r", runner{script: "runner"})},
			})

			s, err := run(t, p, "http://h/")
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if len(rec.URLs()) != 0 {
				t.Errorf("queued = %v, want none", rec.URLs())
			}
			if rr := s.Result.Runners["r"]; rr == nil || rr.Result != "ran" {
				t.Errorf("runner should still run, got %+v", rr)
			}
		})
	}
}

// =============================================================================
// Runner Tests
// =============================================================================

func TestRun_RunnersInOrderWithCompanionFiles(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) browsertest.ScriptFunc {
		return func(_ context.Context, _ string, params []any) (browser.Outcome, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return browser.Outcome{Result: params}, nil
		}
	}

	web := browsertest.NewWeb().Script("first", record("first")).Script("second", record("second"))
	p, _ := newPipeline(t, web, Config{
		Runners: []*RunnerSpec{
			mustRunner(t, "b", runner{script: "first", files: []string{"lib.js", "helpers.js"}}, "p1"),
			mustRunner(t, "a", runner{script: "second"}),
		},
	})

	s, err := run(t, p, "http://h/")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if strings.Join(order, ",") != "first,second" {
		t.Errorf("order = %v", order)
	}
	if injected := web.Injected("http://h/"); strings.Join(injected, ",") != "lib.js,helpers.js" {
		t.Errorf("injected = %v", injected)
	}
	if params, _ := s.Result.Runners["b"].Result.([]any); len(params) != 1 || params[0] != "p1" {
		t.Errorf("runner params = %v", s.Result.Runners["b"].Result)
	}
}

func TestRun_RunnerTimeoutIsolated(t *testing.T) {
	web := browsertest.NewWeb().
		Script("slow", browsertest.Hang()).
		Script("fast", browsertest.Return("done"))
	p, _ := newPipeline(t, web, Config{
		Runners: []*RunnerSpec{
			mustRunner(t, "slow", timedRunner{runner: runner{script: "slow"}, timeout: 50 * time.Millisecond}),
			mustRunner(t, "fast", runner{script: "fast"}),
		},
	})

	start := time.Now()
	s, err := run(t, p, "http://h/")
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	slow := s.Result.Runners["slow"]
	if slow == nil || slow.Error == nil || slow.Error.Type != crawlerrors.Timeout {
		t.Fatalf("slow runner = %+v, want Timeout", slow)
	}
	if slow.Error.Message != "Runner 'slow' timed out after 50ms." {
		t.Errorf("Message = %q", slow.Error.Message)
	}
	if elapsed < 50*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("elapsed = %v, want about 50ms", elapsed)
	}
	if fast := s.Result.Runners["fast"]; fast == nil || fast.Result != "done" {
		t.Errorf("fast runner = %+v", fast)
	}
}

func TestRun_RunnerDefaultTimeout(t *testing.T) {
	web := browsertest.NewWeb().Script("slow", browsertest.Hang())
	p, _ := newPipeline(t, web, Config{
		RunnableTimeout: 40 * time.Millisecond,
		Runners:         []*RunnerSpec{mustRunner(t, "slow", runner{script: "slow"})},
	})

	s, _ := run(t, p, "http://h/")
	if msg := s.Result.Runners["slow"].Error.Message; msg != "Runner 'slow' timed out after 40ms." {
		t.Errorf("Message = %q", msg)
	}
}

func TestRun_RunnerErrors(t *testing.T) {
	web := browsertest.NewWeb().
		Script("fails", browsertest.Fail(map[string]any{"message": "no title"})).
		Script("ok", browsertest.Return("raw")).
		FailInjection("missing.js", errors.New("no such file"))

	p, _ := newPipeline(t, web, Config{
		Runners: []*RunnerSpec{
			mustRunner(t, "page_error", runner{script: "fails"}),
			mustRunner(t, "injection", runner{script: "ok", files: []string{"missing.js"}}),
			mustRunner(t, "transform", transformingRunner{
				runner: runner{script: "ok"},
				fn:     func(any) (any, error) { return nil, errors.New("bad shape") },
			}),
			mustRunner(t, "transformed", transformingRunner{
				runner: runner{script: "ok"},
				fn:     func(v any) (any, error) { return strings.ToUpper(v.(string)), nil },
			}),
		},
	})

	s, err := run(t, p, "http://h/")
	if err != nil {
		t.Fatalf("runner errors must not fail the page: %v", err)
	}

	tests := []struct {
		key      string
		wantType crawlerrors.ErrorType
	}{
		{"page_error", crawlerrors.Evaluation},
		{"injection", crawlerrors.Injection},
		{"transform", crawlerrors.Transformation},
	}
	for _, tt := range tests {
		rr := s.Result.Runners[tt.key]
		if rr == nil || rr.Error == nil || rr.Error.Type != tt.wantType {
			t.Errorf("runner %s = %+v, want %v", tt.key, rr, tt.wantType)
		}
	}

	if msg := s.Result.Runners["page_error"].Error.Message; msg != "no title" {
		t.Errorf("page error message = %q", msg)
	}
	if got := s.Result.Runners["transformed"]; got.Result != "RAW" || got.Error != nil {
		t.Errorf("transformed = %+v", got)
	}
}

func TestRun_RunnerProcessCrashAbortsAttempt(t *testing.T) {
	web := browsertest.NewWeb().
		Script("crash", func(context.Context, string, []any) (browser.Outcome, error) {
			return browser.Outcome{}, crawlerrors.NewProcessCrashError("http://h/", "evaluate", errors.New("target crashed"))
		}).
		Script("after", browsertest.Return("x"))
	p, _ := newPipeline(t, web, Config{
		Runners: []*RunnerSpec{
			mustRunner(t, "crash", runner{script: "crash"}),
			mustRunner(t, "after", runner{script: "after"}),
		},
	})

	s, err := run(t, p, "http://h/")
	if !crawlerrors.IsRetryable(err) {
		t.Fatalf("Run() error = %v, want retryable crash", err)
	}
	if _, ok := s.Result.Runners["after"]; ok {
		t.Error("no runner should run after a crash")
	}
}

// =============================================================================
// Attempt Tests
// =============================================================================

func TestRun_AttemptTimeout(t *testing.T) {
	web := browsertest.NewWeb().Script("slow", browsertest.Hang())
	p, _ := newPipeline(t, web, Config{
		Timeout:         50 * time.Millisecond,
		RunnableTimeout: 5 * time.Second,
		Runners:         []*RunnerSpec{mustRunner(t, "slow", runner{script: "slow"})},
	})

	s, err := run(t, p, "http://h/")
	if crawlerrors.GetErrorType(err) != crawlerrors.Timeout {
		t.Fatalf("Run() error = %v, want Timeout", err)
	}
	if !crawlerrors.IsRetryable(err) {
		t.Error("attempt timeouts must be retryable")
	}
	if s.Result.Error.Message != "Worker timed out after 50ms." {
		t.Errorf("Message = %q", s.Result.Error.Message)
	}
	if _, ok := s.Result.Runners["slow"]; ok {
		t.Error("an attempt timeout must not be recorded against the runner")
	}
}

func TestRun_ClosesPage(t *testing.T) {
	web := browsertest.NewWeb()
	p, _ := newPipeline(t, web, Config{})

	if _, err := run(t, p, "http://h/"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if web.PagesClosed() != 1 {
		t.Errorf("PagesClosed() = %d, want 1", web.PagesClosed())
	}
}

func TestRun_HungPageCloseIsBounded(t *testing.T) {
	web := browsertest.NewWeb().Script("slow", browsertest.Hang())
	web.HangClose = true
	p, _ := newPipeline(t, web, Config{
		Timeout:         30 * time.Millisecond,
		CloseTimeout:    30 * time.Millisecond,
		RunnableTimeout: 5 * time.Second,
		Runners:         []*RunnerSpec{mustRunner(t, "slow", runner{script: "slow"})},
	})

	done := make(chan error, 1)
	go func() {
		_, err := run(t, p, "http://h/")
		done <- err
	}()

	select {
	case err := <-done:
		if crawlerrors.GetErrorType(err) != crawlerrors.Timeout {
			t.Errorf("Run() error = %v, want Timeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() blocked on a page that never closes")
	}
}

func TestRun_CancelledContext(t *testing.T) {
	web := browsertest.NewWeb()
	p, _ := newPipeline(t, web, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := task.New("http://h/")
	err := p.Run(ctx, s, logger.Nop())
	if crawlerrors.GetErrorType(err) != crawlerrors.Cancelled {
		t.Errorf("Run() error = %v, want Cancelled", err)
	}
}

func TestRun_StoppedScopeSkipsStages(t *testing.T) {
	web := browsertest.NewWeb()
	p, _ := newPipeline(t, web, Config{})

	s := task.New("http://h/")
	s.Stop()
	if err := p.Run(context.Background(), s, logger.Nop()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if web.Launches() != 0 {
		t.Error("a stopped scope must not acquire a browser")
	}
}
