package urlfilter

import (
	"net/url"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// Rules defines which discovered URLs stay in the crawl.
type Rules struct {
	IncludePatterns []string
	ExcludePatterns []string
	AllowedDomains  []string
	// SameSite widens the host match to the start URL's registrable domain
	// (eTLD+1), so www.example.co.uk and shop.example.co.uk match.
	SameSite       bool
	FollowExternal bool
	SkipExtensions []string
}

// DefaultExcludePatterns contains common patterns to exclude.
var DefaultExcludePatterns = []string{
	`.*[?&]logout.*`,
	`.*[?&]signout.*`,
	`.*\/logout.*`,
	`.*\/signout.*`,
	`.*\/delete-account.*`,
	`.*\/unsubscribe.*`,
}

// DefaultSkipExtensions lists resources that never render as pages.
var DefaultSkipExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".ico", ".svg", ".webp",
	".css", ".woff", ".woff2", ".ttf", ".eot",
	".pdf", ".zip", ".tar", ".gz", ".rar", ".exe", ".dmg",
	".mp3", ".mp4", ".wav", ".avi", ".mov",
}

// Checker validates URLs against scope rules.
type Checker struct {
	mu             sync.RWMutex
	rules          Rules
	site           string
	includeRegexps []*regexp.Regexp
	excludeRegexps []*regexp.Regexp
	allowedDomains map[string]struct{}
}

// NewChecker creates a checker anchored at the crawl's start URL.
func NewChecker(targetURL string, rules Rules) (*Checker, error) {
	parsed, err := url.Parse(WithDefaultScheme(targetURL))
	if err != nil {
		return nil, err
	}

	host := strings.ToLower(parsed.Hostname())
	c := &Checker{
		rules:          rules,
		allowedDomains: make(map[string]struct{}),
	}

	if rules.SameSite {
		site, err := publicsuffix.EffectiveTLDPlusOne(host)
		if err != nil {
			// IPs and single-label hosts have no registrable domain.
			site = host
		}
		c.site = site
	}

	// Compile include patterns
	for _, pattern := range rules.IncludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		c.includeRegexps = append(c.includeRegexps, re)
	}

	// Compile exclude patterns
	for _, pattern := range rules.ExcludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		c.excludeRegexps = append(c.excludeRegexps, re)
	}

	c.allowedDomains[host] = struct{}{}
	for _, domain := range rules.AllowedDomains {
		c.allowedDomains[strings.ToLower(domain)] = struct{}{}
	}

	return c, nil
}

// IsInScope checks if an absolute URL passes the rules.
func (c *Checker) IsInScope(urlStr string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	parsed, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}

	if !c.rules.FollowExternal && !c.isDomainAllowed(parsed.Hostname()) {
		return false
	}

	path := strings.ToLower(parsed.Path)
	for _, ext := range c.rules.SkipExtensions {
		if strings.HasSuffix(path, ext) {
			return false
		}
	}

	// Check exclude patterns first (higher priority)
	for _, re := range c.excludeRegexps {
		if re.MatchString(urlStr) {
			return false
		}
	}

	if len(c.includeRegexps) > 0 {
		for _, re := range c.includeRegexps {
			if re.MatchString(urlStr) {
				return true
			}
		}
		return false
	}

	return true
}

func (c *Checker) isDomainAllowed(host string) bool {
	host = strings.ToLower(host)

	if _, ok := c.allowedDomains[host]; ok {
		return true
	}

	for domain := range c.allowedDomains {
		if strings.HasSuffix(host, "."+domain) {
			return true
		}
	}

	if c.site != "" {
		if site, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil && site == c.site {
			return true
		}
	}

	return false
}

// Filter exposes the checker as a FilterFunc.
func (c *Checker) Filter() FilterFunc {
	return func(absURL, _ string) (string, bool) {
		return absURL, c.IsInScope(absURL)
	}
}

// AddAllowedDomain adds a domain to the allowed list.
func (c *Checker) AddAllowedDomain(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowedDomains[strings.ToLower(domain)] = struct{}{}
}

// AddExcludePattern adds an exclude pattern.
func (c *Checker) AddExcludePattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.excludeRegexps = append(c.excludeRegexps, re)
	c.rules.ExcludePatterns = append(c.rules.ExcludePatterns, pattern)
	return nil
}

// RuleBuilder helps build scope rules.
type RuleBuilder struct {
	rules Rules
}

// NewRuleBuilder creates a new rule builder.
func NewRuleBuilder() *RuleBuilder {
	return &RuleBuilder{}
}

// WithIncludePatterns adds include patterns.
func (b *RuleBuilder) WithIncludePatterns(patterns ...string) *RuleBuilder {
	b.rules.IncludePatterns = append(b.rules.IncludePatterns, patterns...)
	return b
}

// WithExcludePatterns adds exclude patterns.
func (b *RuleBuilder) WithExcludePatterns(patterns ...string) *RuleBuilder {
	b.rules.ExcludePatterns = append(b.rules.ExcludePatterns, patterns...)
	return b
}

// WithDefaultExcludes adds default exclude patterns and skipped extensions.
func (b *RuleBuilder) WithDefaultExcludes() *RuleBuilder {
	b.rules.ExcludePatterns = append(b.rules.ExcludePatterns, DefaultExcludePatterns...)
	b.rules.SkipExtensions = append(b.rules.SkipExtensions, DefaultSkipExtensions...)
	return b
}

// WithAllowedDomains sets allowed domains.
func (b *RuleBuilder) WithAllowedDomains(domains ...string) *RuleBuilder {
	b.rules.AllowedDomains = append(b.rules.AllowedDomains, domains...)
	return b
}

// WithSameSite matches hosts by registrable domain.
func (b *RuleBuilder) WithSameSite(same bool) *RuleBuilder {
	b.rules.SameSite = same
	return b
}

// WithFollowExternal enables following external links.
func (b *RuleBuilder) WithFollowExternal(follow bool) *RuleBuilder {
	b.rules.FollowExternal = follow
	return b
}

// Build returns the configured rules.
func (b *RuleBuilder) Build() Rules {
	return b.rules
}

// IsZero reports whether r restricts nothing beyond the start host.
func (r Rules) IsZero() bool {
	return len(r.IncludePatterns) == 0 && len(r.ExcludePatterns) == 0 &&
		len(r.AllowedDomains) == 0 && len(r.SkipExtensions) == 0 &&
		!r.SameSite && !r.FollowExternal
}
