// Package logger provides structured logging for the crawler.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents log levels.
type Level = zerolog.Level

// Log levels.
const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
)

// Logger wraps zerolog. Every With* call returns a child; the parent is
// left untouched so workers can share a base logger.
type Logger struct {
	zl zerolog.Logger
}

// FileConfig enables a rotated log file next to the console output.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config holds logger configuration.
type Config struct {
	Level      Level
	Pretty     bool // console writer instead of JSON lines
	Output     io.Writer
	TimeFormat string
	Component  string
	Name       string // crawler name, attached to every line when set
	File       *FileConfig
}

// DefaultConfig logs info and above to stderr in console format.
func DefaultConfig() Config {
	return Config{
		Level:      InfoLevel,
		Pretty:     true,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

// New creates a logger from cfg.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	out := cfg.Output
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05"}
	}
	if cfg.File != nil && cfg.File.Path != "" {
		out = zerolog.MultiLevelWriter(out, rotatingFile(*cfg.File))
	}

	ctx := zerolog.New(out).Level(cfg.Level).With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	if cfg.Name != "" {
		ctx = ctx.Str("crawler", cfg.Name)
	}
	return &Logger{zl: ctx.Logger()}
}

func rotatingFile(fc FileConfig) io.Writer {
	if fc.MaxSizeMB <= 0 {
		fc.MaxSizeMB = 10
	}
	if fc.MaxBackups <= 0 {
		fc.MaxBackups = 3
	}
	if fc.MaxAgeDays <= 0 {
		fc.MaxAgeDays = 28
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
		Compress:   fc.Compress,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// ParseLevel parses "debug", "info", "warn" or "error".
func ParseLevel(s string) (Level, error) {
	return zerolog.ParseLevel(s)
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zl: fn(l.zl.With()).Logger()}
}

// WithComponent tags lines with the subsystem that wrote them.
func (l *Logger) WithComponent(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithField adds one field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithWorker tags lines with the worker index.
func (l *Logger) WithWorker(workerID int) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Int("worker_id", workerID) })
}

// WithTask tags lines with a scope id and its URL.
func (l *Logger) WithTask(id, url string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("task", id).Str("url", url) })
}

// WithRunner tags lines with a runner key.
func (l *Logger) WithRunner(key string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("runner", key) })
}

// WithError attaches err.
func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

// WithDuration attaches d as "duration".
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Dur("duration", d) })
}

func (l *Logger) Debug(msg string)                          { l.zl.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Info(msg string)                           { l.zl.Info().Msg(msg) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warn(msg string)                           { l.zl.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zl.Warn().Msgf(format, args...) }
func (l *Logger) Error(msg string)                          { l.zl.Error().Msg(msg) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zl.Error().Msgf(format, args...) }

// AttemptEvent starts an event describing one page attempt. Unknown levels
// log at info.
func (l *Logger) AttemptEvent(level Level, url string, tries int, workerID int) *zerolog.Event {
	if level < DebugLevel || level > ErrorLevel {
		level = InfoLevel
	}
	return l.zl.WithLevel(level).Str("url", url).Int("tries", tries).Int("worker_id", workerID)
}

// DiscoveryEvent logs a URL queued from a page. source is "finder" or
// "redirect".
func (l *Logger) DiscoveryEvent(source, url, origin string) {
	l.zl.Debug().
		Str("source", source).
		Str("url", url).
		Str("origin", origin).
		Msg("Discovered URL")
}

// StatsEvent logs the periodic crawl counters.
func (l *Logger) StatsEvent(stats map[string]interface{}) {
	l.zl.Info().Fields(stats).Msg("Crawl statistics")
}
