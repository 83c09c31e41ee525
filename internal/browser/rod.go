package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	crawlerrors "github.com/PentesterFlow/crawlkit/internal/errors"
)

// Launch parameters with special meaning. Every other key is passed to
// Chrome as a command-line flag.
const (
	ParamBin        = "bin"
	ParamHeadless   = "headless"
	ParamControlURL = "control-url"
)

// evalWrapper runs a page-side function and resolves once it reports
// through callPhantom. Each evaluation sees its own callPhantom, also as
// window.callPhantom, so a late callback from an earlier script cannot
// settle this one. Error objects are flattened so they survive JSON
// serialization.
const evalWrapper = `(src, params) => new Promise((resolve) => {
	const norm = (v) => v instanceof Error ? { name: v.name, message: v.message } : v;
	let settled = false;
	const done = (err, result) => {
		if (settled) return;
		settled = true;
		resolve({ error: err === undefined ? null : norm(err), result: result === undefined ? null : result });
	};
	const scoped = new Proxy(window, {
		get(target, key) {
			if (key === 'callPhantom') return done;
			const v = Reflect.get(target, key);
			return typeof v === 'function' && !v.prototype ? v.bind(target) : v;
		},
		set(target, key, value) {
			return Reflect.set(target, key, value);
		},
	});
	try {
		const fn = new Function('window', 'callPhantom', 'return (' + src + ');')(scoped, done);
		fn.apply(window, params || []);
	} catch (e) {
		done(e);
	}
})`

const statusScript = `() => {
	try {
		const entries = performance.getEntriesByType("navigation");
		if (entries.length > 0) return entries[0].responseStatus || 0;
	} catch (e) {}
	return 0;
}`

// RodLauncher starts Chrome through rod's launcher, or attaches to an
// already running browser when ParamControlURL is set.
func RodLauncher(ctx context.Context, params Params) (Process, error) {
	if controlURL := params[ParamControlURL]; controlURL != "" {
		b := rod.New().ControlURL(controlURL).Context(ctx)
		if err := b.Connect(); err != nil {
			return nil, crawlerrors.NewProcessCrashError(controlURL, "connect", err)
		}
		return &rodProcess{browser: b.Context(context.Background()), remote: true}, nil
	}

	l := launcher.New().Context(ctx).Headless(true)
	for k, v := range params {
		switch k {
		case ParamBin:
			l = l.Bin(v)
		case ParamHeadless:
			l = l.Headless(v != "false")
		default:
			if v == "" {
				l = l.Set(flags.Flag(k))
			} else {
				l = l.Set(flags.Flag(k), v)
			}
		}
	}

	url, err := l.Launch()
	if err != nil {
		return nil, crawlerrors.NewProcessCrashError("", "launch", fmt.Errorf("failed to launch browser: %w", err))
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, crawlerrors.NewProcessCrashError("", "connect", fmt.Errorf("failed to connect to browser: %w", err))
	}

	return &rodProcess{browser: b, launcher: l}, nil
}

type rodProcess struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	remote   bool
	once     sync.Once
}

func (p *rodProcess) NewPage(ctx context.Context) (Page, error) {
	page, err := p.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, classify("about:blank", "new_page", err)
	}
	return &rodPage{page: page.Context(context.Background())}, nil
}

func (p *rodProcess) AddCookie(ctx context.Context, c Cookie) error {
	param := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	if param.Path == "" {
		param.Path = "/"
	}
	if !c.Expires.IsZero() {
		param.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
	}

	if err := p.browser.Context(ctx).SetCookies([]*proto.NetworkCookieParam{param}); err != nil {
		return classify(c.Domain, "add_cookie", err)
	}
	return nil
}

func (p *rodProcess) Close() error {
	var err error
	p.once.Do(func() {
		if p.remote {
			return
		}
		err = p.browser.Close()
		if p.launcher != nil {
			p.launcher.Kill()
			p.launcher.Cleanup()
		}
	})
	return err
}

// fetchPatterns pauses what the page needs to see: document and image
// requests, plus document responses for the main document status.
var fetchPatterns = proto.FetchEnable{
	Patterns: []*proto.FetchRequestPattern{
		{ResourceType: proto.NetworkResourceTypeDocument, RequestStage: proto.FetchRequestStageRequest},
		{ResourceType: proto.NetworkResourceTypeImage, RequestStage: proto.FetchRequestStageRequest},
		{ResourceType: proto.NetworkResourceTypeDocument, RequestStage: proto.FetchRequestStageResponse},
	},
}

type rodPage struct {
	page *rod.Page

	mu         sync.Mutex
	stopFetch  context.CancelFunc
	navigation NavigationHandler
	noImages   bool
	status     int
}

func (p *rodPage) Configure(ctx context.Context, s Settings) error {
	page := p.page.Context(ctx)

	for key, raw := range s {
		var err error
		switch key {
		case "userAgent":
			ua, ok := raw.(string)
			if !ok {
				return settingTypeError(key, raw)
			}
			err = proto.NetworkSetUserAgentOverride{UserAgent: ua}.Call(page)
		case "viewportSize":
			w, h, ok := viewport(raw)
			if !ok {
				return settingTypeError(key, raw)
			}
			err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{Width: w, Height: h})
		case "customHeaders":
			headers, ok := raw.(map[string]any)
			if !ok {
				return settingTypeError(key, raw)
			}
			nh := make(proto.NetworkHeaders, len(headers))
			for k, v := range headers {
				nh[k] = gson.New(fmt.Sprint(v))
			}
			err = proto.NetworkSetExtraHTTPHeaders{Headers: nh}.Call(page)
		case "javascriptEnabled":
			enabled, ok := raw.(bool)
			if !ok {
				return settingTypeError(key, raw)
			}
			err = proto.EmulationSetScriptExecutionDisabled{Value: !enabled}.Call(page)
		case "loadImages":
			load, ok := raw.(bool)
			if !ok {
				return settingTypeError(key, raw)
			}
			p.mu.Lock()
			p.noImages = !load
			p.mu.Unlock()
		case "stealth":
			on, ok := raw.(bool)
			if !ok {
				return settingTypeError(key, raw)
			}
			if on {
				_, err = page.EvalOnNewDocument(stealth.JS)
			}
		}
		if err != nil {
			return classify("", "configure:"+key, err)
		}
	}

	return nil
}

func settingTypeError(key string, v any) error {
	return crawlerrors.NewCrawlError(crawlerrors.Unknown, "", "configure",
		fmt.Sprintf("page setting %q has unsupported value %T", key, v), nil)
}

func viewport(raw any) (int, int, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return 0, 0, false
	}
	w, wok := toInt(m["width"])
	h, hok := toInt(m["height"])
	return w, h, wok && hok
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func (p *rodPage) InterceptNavigation(h NavigationHandler) error {
	p.mu.Lock()
	p.navigation = h
	p.mu.Unlock()
	return p.ensureFetch()
}

// ensureFetch enables the Fetch domain and starts handling paused
// requests. It runs once per page.
func (p *rodPage) ensureFetch() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopFetch != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(p.page.GetContext())
	page := p.page.Context(ctx)
	if err := fetchPatterns.Call(page); err != nil {
		cancel()
		return classify("", "intercept", err)
	}

	wait := page.EachEvent(func(e *proto.FetchRequestPaused) {
		go p.handlePaused(page, e)
	})
	go wait()

	p.stopFetch = cancel
	return nil
}

func (p *rodPage) handlePaused(page *rod.Page, e *proto.FetchRequestPaused) {
	p.mu.Lock()
	handler, noImages := p.navigation, p.noImages
	p.mu.Unlock()

	block, status := routePaused(e, p.page.FrameID, handler, noImages)
	if status > 0 {
		p.mu.Lock()
		p.status = status
		p.mu.Unlock()
	}

	if block {
		_ = proto.FetchFailRequest{
			RequestID:   e.RequestID,
			ErrorReason: proto.NetworkErrorReasonBlockedByClient,
		}.Call(page)
		return
	}
	_ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(page)
}

// routePaused decides whether a paused request is blocked. For a response
// of the main frame's document it also returns the HTTP status. Documents
// loading in subframes are never treated as navigations.
func routePaused(e *proto.FetchRequestPaused, mainFrame proto.PageFrameID, h NavigationHandler, noImages bool) (bool, int) {
	mainDocument := e.ResourceType == proto.NetworkResourceTypeDocument && e.FrameID == mainFrame

	if e.ResponseStatusCode != nil || e.ResponseErrorReason != "" {
		if mainDocument && e.ResponseStatusCode != nil {
			return false, *e.ResponseStatusCode
		}
		return false, 0
	}

	switch e.ResourceType {
	case proto.NetworkResourceTypeImage:
		return noImages, 0
	case proto.NetworkResourceTypeDocument:
		if mainDocument && h != nil && e.Request != nil {
			return !h(NavigationRequest{URL: e.Request.URL + e.Request.URLFragment}), 0
		}
	}
	return false, 0
}

func (p *rodPage) mainStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *rodPage) Open(ctx context.Context, url string) (int, error) {
	if err := p.ensureFetch(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.status = 0
	p.mu.Unlock()

	page := p.page.Context(ctx)

	if err := page.Navigate(url); err != nil {
		return statusOrError(url, p.mainStatus(), err)
	}
	if err := page.WaitLoad(); err != nil {
		return statusOrError(url, p.mainStatus(), err)
	}

	if status := p.mainStatus(); status > 0 {
		return status, nil
	}
	res, err := page.Eval(statusScript)
	if err != nil {
		return 0, classify(url, "status", err)
	}
	return res.Value.Int(), nil
}

// statusOrError keeps the HTTP status of an error document Chrome refused
// to render, such as a 404 with an empty body.
func statusOrError(url string, status int, err error) (int, error) {
	if status >= 400 && !isContextErr(err) {
		return status, nil
	}
	return 0, classify(url, "open", err)
}

func (p *rodPage) Evaluate(ctx context.Context, s Script) (Outcome, error) {
	params := s.Params
	if params == nil {
		params = []any{}
	}

	res, err := p.page.Context(ctx).Evaluate(rod.Eval(evalWrapper, s.Source, params).ByPromise())
	if err != nil {
		return Outcome{}, classify("", "evaluate", err)
	}

	return Outcome{
		Err:    jsonValue(res.Value.Get("error")),
		Result: jsonValue(res.Value.Get("result")),
	}, nil
}

func jsonValue(v gson.JSON) any {
	if v.Nil() {
		return nil
	}
	return v.Val()
}

func (p *rodPage) InjectScript(ctx context.Context, path string) error {
	page := p.page.Context(ctx)

	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		if err := page.AddScriptTag(path, ""); err != nil {
			return crawlerrors.NewInjectionError("", path, err)
		}
		return nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return crawlerrors.NewInjectionError("", path, err)
	}
	if err := page.AddScriptTag("", string(content)); err != nil {
		if isContextErr(err) {
			return err
		}
		return crawlerrors.NewInjectionError("", path, err)
	}
	return nil
}

func (p *rodPage) Close(ctx context.Context) error {
	p.mu.Lock()
	stop := p.stopFetch
	p.stopFetch = nil
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	return p.page.Context(ctx).Close()
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// classify maps rod failures onto the error taxonomy. Context errors pass
// through untouched so callers can tell which deadline fired.
func classify(url, op string, err error) error {
	if err == nil {
		return nil
	}
	if isContextErr(err) {
		return err
	}

	var navErr *rod.NavigationError
	if errors.As(err, &navErr) {
		return crawlerrors.NewOpenFailedError(url, err)
	}

	var evalErr *rod.EvalError
	if errors.As(err, &evalErr) {
		return crawlerrors.NewEvaluationError(url, op, evalErr.Error())
	}

	return crawlerrors.NewProcessCrashError(url, op, err)
}
