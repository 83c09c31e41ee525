package crawler

import (
	"errors"
	"time"

	"github.com/PentesterFlow/crawlkit/internal/browser"
	"github.com/PentesterFlow/crawlkit/internal/logger"
	"github.com/PentesterFlow/crawlkit/internal/metrics"
	"github.com/PentesterFlow/crawlkit/internal/progress"
	"github.com/PentesterFlow/crawlkit/internal/urlfilter"
)

// Option is a functional option for configuring the Crawler.
type Option func(*Crawler) error

// WithConfig replaces the whole configuration. The start URL passed to New
// wins over Target when both are set.
func WithConfig(cfg *Config) Option {
	return func(c *Crawler) error {
		if cfg == nil {
			return errors.New("config must not be nil")
		}
		target := c.config.Target
		c.config = cfg.Clone()
		if target != "" {
			c.config.Target = target
		}
		return nil
	}
}

// WithName sets the name used for log correlation.
func WithName(name string) Option {
	return func(c *Crawler) error {
		c.config.Name = name
		return nil
	}
}

// WithTimeout sets the per-attempt timeout. Zero disables it.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Crawler) error {
		if timeout < 0 {
			timeout = 0
		}
		c.config.Timeout = timeout
		return nil
	}
}

// WithConcurrency sets the number of concurrent workers.
func WithConcurrency(n int) Option {
	return func(c *Crawler) error {
		if n < 1 {
			n = 1
		}
		c.config.Concurrency = n
		return nil
	}
}

// WithTries sets the maximum attempts for crash and timeout failures.
func WithTries(n int) Option {
	return func(c *Crawler) error {
		if n < 0 {
			n = 0
		}
		c.config.Tries = n
		return nil
	}
}

// WithRunnableTimeout sets the default finder and runner timeout.
func WithRunnableTimeout(timeout time.Duration) Option {
	return func(c *Crawler) error {
		c.config.RunnableTimeout = timeout
		return nil
	}
}

// WithBrowserParameters sets the browser launch flags.
func WithBrowserParameters(params map[string]string) Option {
	return func(c *Crawler) error {
		c.config.BrowserParameters = params
		return nil
	}
}

// WithPageSettings sets settings applied to every page.
func WithPageSettings(settings map[string]any) Option {
	return func(c *Crawler) error {
		c.config.PageSettings = settings
		return nil
	}
}

// WithFollowRedirects enables following redirects of the primary navigation.
func WithFollowRedirects(follow bool) Option {
	return func(c *Crawler) error {
		c.config.FollowRedirects = follow
		return nil
	}
}

// WithBrowserCookies sets cookies injected into every browser process.
func WithBrowserCookies(cookies ...browser.Cookie) Option {
	return func(c *Crawler) error {
		c.config.BrowserCookies = append([]browser.Cookie(nil), cookies...)
		return nil
	}
}

// WithRedirectFilter sets the filter applied to redirect targets.
func WithRedirectFilter(filter urlfilter.FilterFunc) Option {
	return func(c *Crawler) error {
		if filter == nil {
			return errors.New("redirect filter must not be nil")
		}
		c.redirectFilter = filter
		return nil
	}
}

// WithRateLimit sets the global page-open rate.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Crawler) error {
		c.config.RateLimit.RequestsPerSecond = rps
		c.config.RateLimit.Burst = burst
		return nil
	}
}

// WithDomainDelay sets the minimum delay between opens on one host.
func WithDomainDelay(delay time.Duration) Option {
	return func(c *Crawler) error {
		c.config.RateLimit.DomainDelay = delay
		return nil
	}
}

// WithRespectRobotsTxt enables/disables robots.txt respect.
func WithRespectRobotsTxt(respect bool) Option {
	return func(c *Crawler) error {
		c.config.RateLimit.RespectRobotsTxt = respect
		return nil
	}
}

// WithScope restricts discovered URLs.
func WithScope(scope ScopeConfig) Option {
	return func(c *Crawler) error {
		c.config.Scope = scope
		return nil
	}
}

// WithResultsDB persists every final result to a bbolt file.
func WithResultsDB(path string) Option {
	return func(c *Crawler) error {
		c.config.State.ResultsDB = path
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Crawler) error {
		c.logger = l
		return nil
	}
}

// WithLauncher replaces the browser launcher.
func WithLauncher(launch browser.Launcher) Option {
	return func(c *Crawler) error {
		if launch == nil {
			return errors.New("launcher must not be nil")
		}
		c.launcher = launch
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Crawler) error {
		c.metrics = m
		return nil
	}
}

// WithProgress draws crawl progress on d.
func WithProgress(d *progress.Display) Option {
	return func(c *Crawler) error {
		c.progress = d
		return nil
	}
}

// WithStatusInterval sets how often gauges, progress and stats logs update.
func WithStatusInterval(interval time.Duration) Option {
	return func(c *Crawler) error {
		if interval <= 0 {
			return errors.New("status interval must be positive")
		}
		c.statusInterval = interval
		return nil
	}
}
