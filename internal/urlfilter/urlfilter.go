// Package urlfilter resolves, normalizes and filters URLs before they reach
// the crawl queue.
package urlfilter

import (
	"fmt"
	"net/url"
	"strings"

	crawlerrors "github.com/PentesterFlow/crawlkit/internal/errors"
)

// DefaultScheme is applied to start URLs given without one.
const DefaultScheme = "http"

// FilterFunc inspects an absolute URL discovered on (or redirected from)
// origin. Returning false discards it. Returning a different string
// rewrites it; the rewrite may be relative to origin.
type FilterFunc func(absURL, origin string) (string, bool)

// Identity accepts every URL unchanged.
func Identity(absURL, _ string) (string, bool) {
	return absURL, true
}

// Chain runs filters in order, feeding each rewrite into the next. The first
// rejection wins.
func Chain(filters ...FilterFunc) FilterFunc {
	return func(absURL, origin string) (string, bool) {
		current := absURL
		for _, f := range filters {
			if f == nil {
				continue
			}
			next, ok := f(current, origin)
			if !ok {
				return "", false
			}
			current = next
		}
		return current, true
	}
}

// WithDefaultScheme turns "//host/path" into "http://host/path" and
// "host/path" into "http://host/path". Absolute URLs, including ones with
// a scheme such as "mailto:", pass through.
func WithDefaultScheme(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	switch {
	case raw == "":
		return raw
	case strings.HasPrefix(raw, "//"):
		return DefaultScheme + ":" + raw
	case strings.Contains(raw, "://"), hasScheme(raw):
		return raw
	case strings.HasPrefix(raw, "/"):
		return raw
	default:
		return DefaultScheme + "://" + raw
	}
}

// hasScheme reports whether raw starts with "scheme:". A "host:port"
// prefix is not a scheme.
func hasScheme(raw string) bool {
	i := strings.IndexByte(raw, ':')
	if i <= 0 {
		return false
	}
	for j, c := range raw[:i] {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case j > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	rest := raw[i+1:]
	return rest == "" || rest[0] < '0' || rest[0] > '9'
}

// NormalizeURL normalizes an absolute URL for deduplication. Scheme and host
// are lowercased, default ports dropped, dot segments removed and an empty
// path becomes "/". Query order and fragments are kept.
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	if err := normalize(parsed); err != nil {
		return "", err
	}
	return parsed.String(), nil
}

func normalize(u *url.URL) error {
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("url %q is not absolute", u.String())
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	// Remove default ports
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	} else if strings.Contains(u.Path, "/.") {
		// An empty reference resolves to u with dot segments removed.
		*u = *u.ResolveReference(&url.URL{})
	}

	return nil
}

// NormalizeStartURL applies the default scheme, normalizes and validates a
// user-supplied start URL.
func NormalizeStartURL(rawURL string) (string, error) {
	raw := WithDefaultScheme(rawURL)
	if raw == "" {
		return "", crawlerrors.NewInvalidURLError(rawURL, fmt.Errorf("empty url"))
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", crawlerrors.NewInvalidURLError(rawURL, err)
	}
	if !isCrawlable(parsed) {
		return "", crawlerrors.NewInvalidURLError(rawURL, fmt.Errorf("unsupported url %q", raw))
	}
	if err := normalize(parsed); err != nil {
		return "", crawlerrors.NewInvalidURLError(rawURL, err)
	}
	return parsed.String(), nil
}

// ResolveURL resolves ref against base and normalizes the result. Only
// http and https results are accepted.
func ResolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(WithDefaultScheme(base))
	if err != nil {
		return "", crawlerrors.NewInvalidURLError(base, err)
	}
	if err := normalize(baseURL); err != nil {
		return "", crawlerrors.NewInvalidURLError(base, err)
	}

	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", crawlerrors.NewInvalidURLError(ref, err)
	}

	resolved := baseURL.ResolveReference(refURL)
	if !isCrawlable(resolved) {
		return "", crawlerrors.NewInvalidURLError(ref, fmt.Errorf("unsupported url %q", resolved.String()))
	}
	if err := normalize(resolved); err != nil {
		return "", crawlerrors.NewInvalidURLError(ref, err)
	}
	return resolved.String(), nil
}

func isCrawlable(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// Apply resolves rawURL against origin and runs filter over the absolute
// form. It returns the URL to enqueue, or ok=false when the filter rejected
// it. A non-nil error means the URL could not be resolved or the filter
// panicked; callers drop such URLs.
func Apply(filter FilterFunc, rawURL, origin string) (result string, ok bool, err error) {
	abs, err := ResolveURL(origin, rawURL)
	if err != nil {
		return "", false, err
	}
	if filter == nil {
		return abs, true, nil
	}

	normOrigin, err := ResolveURL(origin, "")
	if err != nil {
		return "", false, err
	}

	defer func() {
		if r := recover(); r != nil {
			result, ok = "", false
			err = crawlerrors.NewCrawlError(crawlerrors.InvalidURL, abs, "filter",
				fmt.Sprintf("url filter panicked: %v", r), nil)
		}
	}()

	filtered, accepted := filter(abs, normOrigin)
	if !accepted {
		return "", false, nil
	}
	if filtered == abs {
		return abs, true, nil
	}

	rewritten, err := ResolveURL(normOrigin, filtered)
	if err != nil {
		return "", false, err
	}
	return rewritten, true, nil
}

// ExtractDomain extracts the host from a URL.
func ExtractDomain(urlStr string) (string, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}
	return parsed.Host, nil
}
