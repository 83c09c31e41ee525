// Package task defines the per-URL work item and the result it accumulates.
package task

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/PentesterFlow/crawlkit/internal/browser"
	crawlerrors "github.com/PentesterFlow/crawlkit/internal/errors"
)

// RunnerResult is the outcome of one runner on one page. Exactly one of
// Result and Error is set.
type RunnerResult struct {
	Result any                     `json:"result,omitempty"`
	Error  *crawlerrors.CrawlError `json:"error,omitempty"`
}

// Result is everything recorded for a URL.
type Result struct {
	Error   *crawlerrors.CrawlError  `json:"error,omitempty"`
	Runners map[string]*RunnerResult `json:"runners,omitempty"`
}

// SetRunner records the outcome of runner key.
func (r *Result) SetRunner(key string, rr *RunnerResult) {
	if r.Runners == nil {
		r.Runners = make(map[string]*RunnerResult)
	}
	r.Runners[key] = rr
}

// Scope is one URL moving through the crawl. A Scope is owned by a single
// worker at a time.
type Scope struct {
	URL    string
	ID     string
	Tries  int
	Result *Result

	stopped atomic.Bool
	browser browser.Process
	page    browser.Page
}

// New creates a fresh scope for an already normalized URL.
func New(url string) *Scope {
	return &Scope{
		URL:    url,
		ID:     uuid.NewString(),
		Result: &Result{},
	}
}

// Retry counts the start of a new attempt.
func (s *Scope) Retry() int {
	s.Tries++
	return s.Tries
}

// Stop marks the attempt as finished; no further stage runs.
func (s *Scope) Stop() {
	s.stopped.Store(true)
}

// IsStopped reports whether Stop was called.
func (s *Scope) IsStopped() bool {
	return s.stopped.Load()
}

// Fail records err as the attempt's error and stops the scope.
func (s *Scope) Fail(err error) {
	s.Result.Error = crawlerrors.Categorize(err, s.URL)
	s.Stop()
}

// SetBrowser attaches the acquired browser process.
func (s *Scope) SetBrowser(b browser.Process) error {
	if s.browser != nil {
		return crawlerrors.NewAlreadySetError(s.URL, "browser")
	}
	s.browser = b
	return nil
}

// Browser returns the attached process, if any.
func (s *Scope) Browser() browser.Process {
	return s.browser
}

// ClearBrowser detaches and returns the process.
func (s *Scope) ClearBrowser() browser.Process {
	b := s.browser
	s.browser = nil
	return b
}

// SetPage attaches the page opened for this attempt.
func (s *Scope) SetPage(p browser.Page) error {
	if s.page != nil {
		return crawlerrors.NewAlreadySetError(s.URL, "page")
	}
	s.page = p
	return nil
}

// Page returns the attached page, if any.
func (s *Scope) Page() browser.Page {
	return s.page
}

// ClearPage detaches and returns the page.
func (s *Scope) ClearPage() browser.Page {
	p := s.page
	s.page = nil
	return p
}

// Clone prepares the scope for another attempt. Tries, ID and runner
// results carry over; the error, stop flag and handles do not.
func (s *Scope) Clone() *Scope {
	c := &Scope{
		URL:    s.URL,
		ID:     s.ID,
		Tries:  s.Tries,
		Result: &Result{},
	}
	for k, v := range s.Result.Runners {
		c.Result.SetRunner(k, v)
	}
	return c
}
