// Package ratelimit throttles page opens globally and per host.
package ratelimit

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles opens with one global token bucket plus a bucket and a
// minimum spacing per host.
type Limiter struct {
	mu          sync.RWMutex
	global      *rate.Limiter
	hosts       map[string]*rate.Limiter
	hostRate    rate.Limit
	hostBurst   int
	domainDelay time.Duration
	nextSlot    map[string]time.Time
	robots      *RobotsManager
}

// NewLimiter creates a new rate limiter. A non-positive rate disables
// throttling.
func NewLimiter(requestsPerSecond float64, burst int) *Limiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		global:    rate.NewLimiter(limit, burst),
		hosts:     make(map[string]*rate.Limiter),
		hostRate:  limit,
		hostBurst: burst,
		nextSlot:  make(map[string]time.Time),
	}
}

// UseRobots makes the limiter honor Crawl-delay from robots.txt.
func (l *Limiter) UseRobots(m *RobotsManager) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.robots = m
}

// SetDomainDelay sets the minimum spacing between opens on one host.
func (l *Limiter) SetDomainDelay(delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.domainDelay = delay
}

// WaitURL blocks until opening rawURL is allowed.
func (l *Limiter) WaitURL(ctx context.Context, rawURL string) error {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = strings.ToLower(u.Hostname())
	}
	return l.WaitDomain(ctx, host)
}

// WaitDomain blocks until an open on host is allowed or ctx is done.
func (l *Limiter) WaitDomain(ctx context.Context, host string) error {
	if err := l.global.Wait(ctx); err != nil {
		return err
	}

	hostLimiter, sleep := l.reserve(host)
	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return hostLimiter.Wait(ctx)
}

// reserve claims the next spacing slot for host and returns how long the
// caller must sleep before it. Claiming before sleeping lines concurrent
// workers up one delay apart.
func (l *Limiter) reserve(host string) (*rate.Limiter, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hl, ok := l.hosts[host]
	if !ok {
		hl = rate.NewLimiter(l.hostRate, l.hostBurst)
		l.hosts[host] = hl
	}

	delay := l.domainDelay
	if l.robots != nil {
		if cd := l.robots.GetCrawlDelay(host); cd > delay {
			delay = cd
		}
	}
	if delay <= 0 {
		return hl, 0
	}

	now := time.Now()
	slot, seen := l.nextSlot[host]
	if !seen || !slot.After(now) {
		l.nextSlot[host] = now.Add(delay)
		return hl, 0
	}
	l.nextSlot[host] = slot.Add(delay)
	return hl, slot.Sub(now)
}

// Stats returns rate limiter statistics.
func (l *Limiter) Stats() LimiterStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r := float64(l.hostRate)
	if l.hostRate == rate.Inf {
		r = 0
	}
	return LimiterStats{
		DomainCount:  len(l.hosts),
		DefaultRate:  r,
		DefaultBurst: l.hostBurst,
		DomainDelay:  l.domainDelay,
	}
}

// LimiterStats contains rate limiter statistics.
type LimiterStats struct {
	DomainCount  int           `json:"domain_count"`
	DefaultRate  float64       `json:"default_rate"`
	DefaultBurst int           `json:"default_burst"`
	DomainDelay  time.Duration `json:"domain_delay"`
}
