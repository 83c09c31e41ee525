// Package progress draws a one-line crawl status on a terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Counts is what the display shows.
type Counts struct {
	Discovered int64
	Crawled    int64
	Failed     int64
	Retries    int64
	Queued     int64
	InFlight   int64
}

// Display manages progress bar display during crawling.
type Display struct {
	mu      sync.Mutex
	out     io.Writer
	started bool
	stopped bool

	discovered atomic.Int64
	crawled    atomic.Int64
	failed     atomic.Int64
	retries    atomic.Int64
	queued     atomic.Int64
	inFlight   atomic.Int64

	startTime time.Time
	target    string
	lastLine  string
}

// New creates a progress display writing to out. A nil out selects stderr.
func New(out io.Writer) *Display {
	if out == nil {
		out = os.Stderr
	}
	return &Display{out: out}
}

// Start begins the progress display.
func (d *Display) Start(target string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return
	}

	d.started = true
	d.startTime = time.Now()
	d.target = target
}

// Update redraws the status line.
func (d *Display) Update(c Counts) {
	d.discovered.Store(c.Discovered)
	d.crawled.Store(c.Crawled)
	d.failed.Store(c.Failed)
	d.retries.Store(c.Retries)
	d.queued.Store(c.Queued)
	d.inFlight.Store(c.InFlight)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		return
	}

	total := c.Discovered
	if total == 0 {
		total = 1
	}

	percent := 0
	if c.Queued == 0 && c.InFlight == 0 && c.Crawled > 0 {
		percent = 100
	} else {
		percent = int(float64(c.Crawled) / float64(total) * 100)
		if percent > 99 {
			percent = 99
		}
	}

	elapsed := time.Since(d.startTime)
	speed := float64(0)
	if elapsed.Seconds() > 0 {
		speed = float64(c.Crawled) / elapsed.Seconds()
	}

	barWidth := 30
	filled := percent * barWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	line := fmt.Sprintf("\r[%s] %3d%% | Pages: %d | Failed: %d | Queue: %d | Retries: %d | %.1f p/s | %s",
		bar, percent, c.Crawled, c.Failed, c.Queued, c.Retries, speed, formatDuration(elapsed))

	if len(line) < len(d.lastLine) {
		fmt.Fprint(d.out, "\r"+strings.Repeat(" ", len(d.lastLine)))
	}
	fmt.Fprint(d.out, line)
	d.lastLine = line
}

// Stop stops the progress display.
func (d *Display) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || !d.started {
		return
	}

	d.stopped = true
	fmt.Fprintln(d.out)
}

// PrintSummary prints a final summary after crawling.
func (d *Display) PrintSummary() {
	duration := time.Since(d.startTime)

	fmt.Fprintln(d.out)
	fmt.Fprintln(d.out, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(d.out, "║                       Crawl Complete                         ║")
	fmt.Fprintln(d.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(d.out)
	fmt.Fprintf(d.out, "  Target:              %s\n", truncateURL(d.target, 50))
	fmt.Fprintf(d.out, "  Duration:            %s\n", formatDuration(duration))
	fmt.Fprintf(d.out, "  URLs Discovered:     %d\n", d.discovered.Load())
	fmt.Fprintf(d.out, "  Pages Crawled:       %d\n", d.crawled.Load())
	fmt.Fprintf(d.out, "  Pages Failed:        %d\n", d.failed.Load())
	fmt.Fprintf(d.out, "  Retries:             %d\n", d.retries.Load())
	fmt.Fprintln(d.out)

	if duration.Seconds() > 0 {
		pagesPerSec := float64(d.crawled.Load()) / duration.Seconds()
		fmt.Fprintf(d.out, "  Average Speed:       %.1f pages/sec\n", pagesPerSec)
		fmt.Fprintln(d.out)
	}
}

// Stats returns the last counts passed to Update.
func (d *Display) Stats() Counts {
	return Counts{
		Discovered: d.discovered.Load(),
		Crawled:    d.crawled.Load(),
		Failed:     d.failed.Load(),
		Retries:    d.retries.Load(),
		Queued:     d.queued.Load(),
		InFlight:   d.inFlight.Load(),
	}
}

func truncateURL(url string, maxLen int) string {
	if len(url) <= maxLen {
		return url
	}
	return url[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
