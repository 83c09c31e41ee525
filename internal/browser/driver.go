// Package browser drives headless browser processes and pools them.
package browser

import (
	"context"
	"time"
)

// Params are process launch flags, passed through to the launcher.
type Params map[string]string

// Settings are page settings, passed through to Page.Configure.
type Settings map[string]any

// Cookie is injected into every browser process when it is created.
type Cookie struct {
	Name     string    `json:"name" yaml:"name"`
	Value    string    `json:"value" yaml:"value"`
	Domain   string    `json:"domain" yaml:"domain"`
	Path     string    `json:"path,omitempty" yaml:"path"`
	Expires  time.Time `json:"expires,omitempty" yaml:"expires"`
	HTTPOnly bool      `json:"httponly,omitempty" yaml:"httponly"`
	Secure   bool      `json:"secure,omitempty" yaml:"secure"`
}

// Script is a page-side function plus the positional arguments it is
// applied to. Source must evaluate to a function that reports completion
// exactly once through window.callPhantom(error, result).
type Script struct {
	Source string
	Params []any
}

// Outcome is what page-side code passed to its completion callback.
type Outcome struct {
	Err    any
	Result any
}

// Failed reports whether the page passed a non-null error.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// NavigationRequest describes a top-level document request issued while a
// page is open.
type NavigationRequest struct {
	URL string
}

// NavigationHandler decides whether a top-level navigation may proceed.
type NavigationHandler func(NavigationRequest) bool

// Process is a running browser.
type Process interface {
	NewPage(ctx context.Context) (Page, error)
	AddCookie(ctx context.Context, c Cookie) error
	Close() error
}

// Page is a single tab inside a Process.
type Page interface {
	Configure(ctx context.Context, s Settings) error
	// InterceptNavigation installs h for every top-level document request,
	// including the initial one issued by Open.
	InterceptNavigation(h NavigationHandler) error
	// Open navigates and waits for load. The returned status is the HTTP
	// status of the main document, or 0 when unknown.
	Open(ctx context.Context, url string) (int, error)
	Evaluate(ctx context.Context, s Script) (Outcome, error)
	InjectScript(ctx context.Context, path string) error
	// Close closes the tab, giving up once ctx is done.
	Close(ctx context.Context) error
}

// Launcher starts a new browser process.
type Launcher func(ctx context.Context, params Params) (Process, error)
