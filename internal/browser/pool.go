package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	crawlerrors "github.com/PentesterFlow/crawlkit/internal/errors"
	"github.com/PentesterFlow/crawlkit/internal/logger"
)

// ErrPoolClosed is returned by Acquire after Drain.
var ErrPoolClosed = errors.New("browser pool is closed")

// Factory creates a fully prepared browser process.
type Factory func(ctx context.Context) (Process, error)

// NewFactory launches a process with params and then injects cookies one by
// one. The first failing cookie aborts creation and closes the process.
func NewFactory(launch Launcher, params Params, cookies []Cookie) Factory {
	return func(ctx context.Context) (Process, error) {
		proc, err := launch(ctx, params)
		if err != nil {
			var ce *crawlerrors.CrawlError
			if errors.As(err, &ce) {
				return nil, err
			}
			return nil, crawlerrors.NewProcessCrashError("", "launch", err)
		}

		for _, c := range cookies {
			if err := proc.AddCookie(ctx, c); err != nil {
				_ = proc.Close()
				return nil, crawlerrors.NewCrawlError(crawlerrors.GetErrorType(err), c.Domain, "add_cookie",
					fmt.Sprintf("failed to add cookie %q", c.Name), err)
			}
		}

		return proc, nil
	}
}

// Pool manages a bounded set of browser processes. Processes are created on
// demand up to size and kept until destroyed or drained.
type Pool struct {
	mu      sync.Mutex
	factory Factory
	idle    []Process
	size    int
	live    int
	closed  bool
	sem     chan struct{}
	log     *logger.Logger

	created   atomic.Int64
	destroyed atomic.Int64
}

// NewPool creates a pool of at most size processes.
func NewPool(size int, factory Factory, log *logger.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = logger.Nop()
	}

	pool := &Pool{
		factory: factory,
		size:    size,
		sem:     make(chan struct{}, size),
		log:     log.WithComponent("pool"),
	}

	// Initialize semaphore
	for i := 0; i < size; i++ {
		pool.sem <- struct{}{}
	}

	return pool
}

// Acquire returns an idle process or creates a new one, blocking while all
// size processes are in use.
func (p *Pool) Acquire(ctx context.Context) (Process, error) {
	// Wait for available slot
	select {
	case <-p.sem:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		p.sem <- struct{}{} // Return token
		return nil, ErrPoolClosed
	}

	if n := len(p.idle); n > 0 {
		proc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return proc, nil
	}

	p.live++
	p.mu.Unlock()

	proc, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		p.sem <- struct{}{}
		p.log.WithError(err).Warn("browser creation failed")
		return nil, err
	}

	p.created.Add(1)
	p.log.Debugf("browser created (%d live)", p.Live())
	return proc, nil
}

// Release returns a healthy process to the pool.
func (p *Pool) Release(proc Process) {
	if proc == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.Destroy(proc)
		return
	}
	p.idle = append(p.idle, proc)
	p.mu.Unlock()

	p.sem <- struct{}{}
}

// Destroy closes a process that must not be reused and frees its slot.
func (p *Pool) Destroy(proc Process) {
	if proc == nil {
		return
	}

	if err := proc.Close(); err != nil {
		p.log.WithError(err).Debug("error closing browser")
	}

	p.mu.Lock()
	p.live--
	p.mu.Unlock()

	p.destroyed.Add(1)
	p.sem <- struct{}{}
}

// Drain stops new acquisitions and closes every idle process. Processes still
// in use are closed when they are released.
func (p *Pool) Drain() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.mu.Unlock()

	var errs []error
	for _, proc := range idle {
		if err := proc.Close(); err != nil {
			errs = append(errs, err)
		}
		p.destroyed.Add(1)
	}

	return errors.Join(errs...)
}

// Size returns the pool size.
func (p *Pool) Size() int {
	return p.size
}

// Live returns the number of processes currently alive.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// PoolStats is a snapshot of pool usage.
type PoolStats struct {
	Size      int   `json:"size"`
	Live      int   `json:"live"`
	Idle      int   `json:"idle"`
	Available int   `json:"available"`
	Created   int64 `json:"created"`
	Destroyed int64 `json:"destroyed"`
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Size:      p.size,
		Live:      p.live,
		Idle:      len(p.idle),
		Available: len(p.sem),
		Created:   p.created.Load(),
		Destroyed: p.destroyed.Load(),
	}
}
