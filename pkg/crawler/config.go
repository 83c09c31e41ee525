package crawler

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PentesterFlow/crawlkit/internal/browser"
	"github.com/PentesterFlow/crawlkit/internal/logger"
	"github.com/PentesterFlow/crawlkit/internal/urlfilter"
)

// Version is reported in the default user agent.
const Version = "1.0.0"

// DefaultUserAgent identifies the crawler to the pages it opens.
const DefaultUserAgent = "CrawlKit/" + Version

// Config holds all crawler configuration.
type Config struct {
	// Target URL to crawl
	Target string `json:"target" yaml:"target"`

	// Name is attached to every log line of this crawler
	Name string `json:"name,omitempty" yaml:"name"`

	// Timeout bounds one whole page attempt
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Number of concurrent workers and browser processes
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// Tries is the maximum number of attempts for crash and timeout failures
	Tries int `json:"tries" yaml:"tries"`

	// RunnableTimeout applies to finders and runners without their own
	RunnableTimeout time.Duration `json:"runnable_timeout" yaml:"runnable_timeout"`

	// Browser process launch flags
	BrowserParameters map[string]string `json:"browser_parameters,omitempty" yaml:"browser_parameters"`

	// Page settings applied to every page after the defaults
	PageSettings map[string]any `json:"page_settings,omitempty" yaml:"page_settings"`

	FollowRedirects bool `json:"follow_redirects" yaml:"follow_redirects"`

	// Cookies injected into every browser process
	BrowserCookies []browser.Cookie `json:"browser_cookies,omitempty" yaml:"browser_cookies"`

	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Scope     ScopeConfig     `json:"scope" yaml:"scope"`
	Log       LogConfig       `json:"log" yaml:"log"`
	State     StateConfig     `json:"state" yaml:"state"`
}

// RateLimitConfig throttles page opens.
type RateLimitConfig struct {
	// Zero disables throttling
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `json:"burst" yaml:"burst"`
	DomainDelay       time.Duration `json:"domain_delay" yaml:"domain_delay"`
	RespectRobotsTxt  bool          `json:"respect_robots_txt" yaml:"respect_robots_txt"`
}

// ScopeConfig restricts which discovered URLs are queued. The zero value
// keeps every URL the finder accepts; any other value also limits the crawl
// to the start host unless FollowExternal is set.
type ScopeConfig struct {
	IncludePatterns []string `json:"include_patterns,omitempty" yaml:"include_patterns"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty" yaml:"exclude_patterns"`
	AllowedDomains  []string `json:"allowed_domains,omitempty" yaml:"allowed_domains"`
	SameSite        bool     `json:"same_site" yaml:"same_site"`
	FollowExternal  bool     `json:"follow_external" yaml:"follow_external"`
	SkipExtensions  []string `json:"skip_extensions,omitempty" yaml:"skip_extensions"`
	DefaultExcludes bool     `json:"default_excludes" yaml:"default_excludes"`
}

// Rules converts the scope configuration into filter rules.
func (s ScopeConfig) Rules() urlfilter.Rules {
	b := urlfilter.NewRuleBuilder().
		WithIncludePatterns(s.IncludePatterns...).
		WithExcludePatterns(s.ExcludePatterns...).
		WithAllowedDomains(s.AllowedDomains...).
		WithSameSite(s.SameSite).
		WithFollowExternal(s.FollowExternal)
	if s.DefaultExcludes {
		b = b.WithDefaultExcludes()
	}
	rules := b.Build()
	rules.SkipExtensions = append(rules.SkipExtensions, s.SkipExtensions...)
	return rules
}

// LogConfig configures the crawler logger.
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`
	Pretty     bool   `json:"pretty" yaml:"pretty"`
	File       string `json:"file,omitempty" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups"`
}

// StateConfig configures result persistence.
type StateConfig struct {
	// ResultsDB is a bbolt file receiving every final result. Empty disables it.
	ResultsDB string `json:"results_db,omitempty" yaml:"results_db"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:         30 * time.Second,
		Concurrency:     1,
		Tries:           3,
		RunnableTimeout: 10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// LoadFromFile loads configuration from a file (JSON or YAML).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()

	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		return config, nil
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}

	if c.Tries < 0 {
		return fmt.Errorf("tries must not be negative")
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}

	if _, err := logger.ParseLevel(c.Log.Level); c.Log.Level != "" && err != nil {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}

	for _, cookie := range c.BrowserCookies {
		if cookie.Name == "" {
			return fmt.Errorf("browser cookie without a name")
		}
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c

	if c.BrowserParameters != nil {
		clone.BrowserParameters = make(map[string]string, len(c.BrowserParameters))
		for k, v := range c.BrowserParameters {
			clone.BrowserParameters[k] = v
		}
	}
	if c.PageSettings != nil {
		clone.PageSettings = make(map[string]any, len(c.PageSettings))
		for k, v := range c.PageSettings {
			clone.PageSettings[k] = v
		}
	}
	clone.BrowserCookies = append([]browser.Cookie(nil), c.BrowserCookies...)
	clone.Scope.IncludePatterns = append([]string(nil), c.Scope.IncludePatterns...)
	clone.Scope.ExcludePatterns = append([]string(nil), c.Scope.ExcludePatterns...)
	clone.Scope.AllowedDomains = append([]string(nil), c.Scope.AllowedDomains...)
	clone.Scope.SkipExtensions = append([]string(nil), c.Scope.SkipExtensions...)

	return &clone
}

// userAgent returns the effective user agent: the page setting when the
// user supplied one, the default otherwise.
func (c *Config) userAgent() string {
	if ua, ok := c.PageSettings["userAgent"].(string); ok && ua != "" {
		return ua
	}
	return DefaultUserAgent
}

// loggerConfig builds the logger configuration.
func (c *Config) loggerConfig() logger.Config {
	cfg := logger.DefaultConfig()
	if level, err := logger.ParseLevel(c.Log.Level); err == nil && c.Log.Level != "" {
		cfg.Level = level
	}
	cfg.Pretty = c.Log.Pretty
	cfg.Component = "crawler"
	cfg.Name = c.Name
	if c.Log.File != "" {
		cfg.File = &logger.FileConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
		}
	}
	return cfg
}
