package ratelimit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RobotsManager manages robots.txt rules for multiple hosts.
type RobotsManager struct {
	mu        sync.RWMutex
	rules     map[string]*RobotsRules
	client    *http.Client
	cache     time.Duration
	userAgent string
}

// RobotsRules represents parsed robots.txt rules.
type RobotsRules struct {
	Disallow   []*regexp.Regexp
	Allow      []*regexp.Regexp
	CrawlDelay time.Duration
	Sitemaps   []string
	FetchedAt  time.Time
}

// NewRobotsManager creates a new robots.txt manager identifying itself as
// userAgent. A nil client selects a client with a 10s timeout.
func NewRobotsManager(userAgent string, client *http.Client) *RobotsManager {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RobotsManager{
		rules:     make(map[string]*RobotsRules),
		client:    client,
		cache:     1 * time.Hour,
		userAgent: userAgent,
	}
}

// IsAllowed checks if rawURL may be crawled. The host's robots.txt is
// fetched on first use; hosts whose file cannot be fetched allow all.
func (m *RobotsManager) IsAllowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}

	rules := m.rulesFor(ctx, u.Scheme, u.Host)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return rules.IsAllowed(path)
}

// Filter adapts the manager to a URL filter: disallowed URLs are rejected.
func (m *RobotsManager) Filter(timeout time.Duration) func(absURL, origin string) (string, bool) {
	return func(absURL, _ string) (string, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return absURL, m.IsAllowed(ctx, absURL)
	}
}

func (m *RobotsManager) rulesFor(ctx context.Context, scheme, host string) *RobotsRules {
	key := strings.ToLower(host)

	m.mu.RLock()
	rules, exists := m.rules[key]
	m.mu.RUnlock()

	if exists && time.Since(rules.FetchedAt) <= m.cache {
		return rules
	}

	rules, err := m.Fetch(ctx, scheme, host)
	if err != nil {
		rules = &RobotsRules{FetchedAt: time.Now()}
	}

	m.mu.Lock()
	m.rules[key] = rules
	m.mu.Unlock()
	return rules
}

// GetCrawlDelay returns the crawl delay for a host already fetched.
func (m *RobotsManager) GetCrawlDelay(host string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key, rules := range m.rules {
		if key == host || strings.HasPrefix(key, host+":") {
			return rules.CrawlDelay
		}
	}
	return 0
}

// Fetch fetches and parses robots.txt for a host. A missing file yields
// empty rules.
func (m *RobotsManager) Fetch(ctx context.Context, scheme, host string) (*RobotsRules, error) {
	if scheme == "" {
		scheme = "https"
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", m.userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// No robots.txt or error - allow all
		return &RobotsRules{FetchedAt: time.Now()}, nil
	}

	return ParseRobots(resp.Body, m.userAgent)
}

// ParseRobots parses robots.txt content.
func ParseRobots(r io.Reader, userAgent string) (*RobotsRules, error) {
	rules := &RobotsRules{
		FetchedAt: time.Now(),
	}

	scanner := bufio.NewScanner(r)
	agent := strings.ToLower(userAgent)
	if i := strings.IndexByte(agent, '/'); i > 0 {
		agent = agent[:i]
	}
	matchingUserAgent := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip comments and empty lines
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		directive := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])

		switch directive {
		case "user-agent":
			ua := strings.ToLower(value)
			matchingUserAgent = ua == "*" || (agent != "" && strings.Contains(agent, ua))

		case "disallow":
			if matchingUserAgent && value != "" {
				if re, err := regexp.Compile(pathToRegexp(value)); err == nil {
					rules.Disallow = append(rules.Disallow, re)
				}
			}

		case "allow":
			if matchingUserAgent && value != "" {
				if re, err := regexp.Compile(pathToRegexp(value)); err == nil {
					rules.Allow = append(rules.Allow, re)
				}
			}

		case "crawl-delay":
			if matchingUserAgent {
				if delay, err := strconv.ParseFloat(value, 64); err == nil {
					rules.CrawlDelay = time.Duration(delay * float64(time.Second))
				}
			}

		case "sitemap":
			rules.Sitemaps = append(rules.Sitemaps, value)
		}
	}

	return rules, scanner.Err()
}

// pathToRegexp converts a robots.txt path pattern to a regexp.
func pathToRegexp(path string) string {
	pattern := regexp.QuoteMeta(path)
	pattern = strings.ReplaceAll(pattern, `\*`, ".*")

	if strings.HasSuffix(pattern, `\$`) {
		pattern = pattern[:len(pattern)-2] + "$"
	}

	return "^" + pattern
}

// IsAllowed checks if a path is allowed by the rules. Allow rules win.
func (r *RobotsRules) IsAllowed(path string) bool {
	for _, re := range r.Allow {
		if re.MatchString(path) {
			return true
		}
	}

	for _, re := range r.Disallow {
		if re.MatchString(path) {
			return false
		}
	}

	return true
}
