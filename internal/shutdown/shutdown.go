// Package shutdown turns process signals into crawl cancellation and runs
// cleanup callbacks once the crawl has returned.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Handler manages graceful shutdown.
type Handler struct {
	mu sync.Mutex

	callbacks     []Callback
	callbackNames []string

	interrupted atomic.Bool
	stopping    atomic.Bool
	done        chan struct{}
	timeout     time.Duration

	// ctx is cancelled on the first signal or on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	sigChan chan os.Signal
	signals []os.Signal

	onInterrupt    func(sig os.Signal)
	onShutdownDone func(elapsed time.Duration, errors []error)
}

// Callback is a function called during shutdown.
type Callback func(ctx context.Context) error

// Config holds shutdown configuration.
type Config struct {
	Timeout        time.Duration
	Signals        []os.Signal
	OnInterrupt    func(sig os.Signal)
	OnShutdownDone func(elapsed time.Duration, errors []error)
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// New creates a handler derived from parent and starts listening for
// signals.
func New(parent context.Context, cfg Config) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	ctx, cancel := context.WithCancel(parent)

	h := &Handler{
		done:           make(chan struct{}),
		timeout:        cfg.Timeout,
		ctx:            ctx,
		cancel:         cancel,
		sigChan:        make(chan os.Signal, 1),
		signals:        cfg.Signals,
		onInterrupt:    cfg.OnInterrupt,
		onShutdownDone: cfg.OnShutdownDone,
	}

	signal.Notify(h.sigChan, cfg.Signals...)
	go h.listen()

	return h
}

func (h *Handler) listen() {
	select {
	case sig := <-h.sigChan:
		h.interrupted.Store(true)
		if h.onInterrupt != nil {
			h.onInterrupt(sig)
		}
		h.cancel()
	case <-h.ctx.Done():
	}
}

// Register registers a shutdown callback with a name. Callbacks run in
// reverse registration order.
func (h *Handler) Register(name string, callback Callback) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.callbacks = append(h.callbacks, callback)
	h.callbackNames = append(h.callbackNames, name)
}

// Context returns the crawl context. It is cancelled by the first signal.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// Interrupted reports whether a signal cancelled the context.
func (h *Handler) Interrupted() bool {
	return h.interrupted.Load()
}

// Done returns a channel that is closed when shutdown completes.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Shutdown cancels the context, runs the callbacks and stops signal
// delivery. Only the first call does anything.
func (h *Handler) Shutdown() []error {
	if !h.stopping.CompareAndSwap(false, true) {
		return nil
	}

	start := time.Now()
	h.cancel()
	signal.Stop(h.sigChan)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), h.timeout)
	defer shutdownCancel()

	h.mu.Lock()
	callbacks := make([]Callback, len(h.callbacks))
	names := make([]string, len(h.callbackNames))
	copy(callbacks, h.callbacks)
	copy(names, h.callbackNames)
	h.mu.Unlock()

	var errs []error
	for i := len(callbacks) - 1; i >= 0; i-- {
		if err := h.executeCallback(shutdownCtx, names[i], callbacks[i]); err != nil {
			errs = append(errs, err)
		}
	}

	if h.onShutdownDone != nil {
		h.onShutdownDone(time.Since(start), errs)
	}

	close(h.done)
	return errs
}

func (h *Handler) executeCallback(ctx context.Context, name string, callback Callback) error {
	done := make(chan error, 1)

	go func() {
		done <- callback(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &TimeoutError{CallbackName: name}
	}
}

// TimeoutError is returned when a callback times out.
type TimeoutError struct {
	CallbackName string
}

func (e *TimeoutError) Error() string {
	return "shutdown callback timed out: " + e.CallbackName
}
