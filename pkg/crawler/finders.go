package crawler

import (
	"time"

	"github.com/PentesterFlow/crawlkit/internal/urlfilter"
)

// anchorsScript reports the href attribute of every anchor on the page.
// Its optional argument delays the search by that many milliseconds.
const anchorsScript = `function findAnchors(delay) {
  var timeoutDelay = Math.max(0, parseInt(delay, 10) || 0);
  window.setTimeout(function () {
    var anchors = document.querySelectorAll('a');
    var urls = Array.prototype.slice.call(anchors).map(function (a) {
      return a.getAttribute('href');
    });
    window.callPhantom(null, urls);
  }, timeoutDelay);
}`

// AnchorFinder discovers the links of every anchor on a page. Register it
// with SetFinder; a delay in milliseconds may be passed as parameter.
type AnchorFinder struct {
	// Filter optionally accepts, rejects or rewrites discovered URLs.
	Filter urlfilter.FilterFunc
	// MaxWait overrides the crawler's runnable timeout.
	MaxWait time.Duration
}

// Runnable returns the page-side finder function.
func (f *AnchorFinder) Runnable() string {
	return anchorsScript
}

// URLFilter applies Filter, accepting everything when it is unset.
func (f *AnchorFinder) URLFilter(absURL, origin string) (string, bool) {
	if f.Filter == nil {
		return absURL, true
	}
	return f.Filter(absURL, origin)
}

// Timeout returns MaxWait.
func (f *AnchorFinder) Timeout() time.Duration {
	return f.MaxWait
}

// SameHostFilter keeps URLs on the origin's host.
func SameHostFilter(absURL, origin string) (string, bool) {
	host, err := urlfilter.ExtractDomain(absURL)
	if err != nil {
		return "", false
	}
	originHost, err := urlfilter.ExtractDomain(origin)
	if err != nil {
		return "", false
	}
	return absURL, host == originHost
}

var _ Finder = (*AnchorFinder)(nil)
