// Package output collects per-URL crawl results and writes them out.
package output

import (
	"fmt"
	"io"
)

// Writer defines the interface for output writers.
type Writer interface {
	// WriteReport writes the complete batch document
	WriteReport(report *Report) error

	// WriteEntry writes a single result (for streaming)
	WriteEntry(entry Entry) error

	// WriteSummary writes the end-of-crawl summary
	WriteSummary(summary *Summary) error

	// Flush flushes any buffered output
	Flush() error

	// Close closes the writer
	Close() error
}

// Config holds output configuration.
type Config struct {
	Format   string `yaml:"format"`
	Pretty   bool   `yaml:"pretty"`
	Stream   bool   `yaml:"stream"`
	FilePath string `yaml:"file"`
}

// NewWriter creates a new output writer.
func NewWriter(w io.Writer, config Config) (Writer, error) {
	switch config.Format {
	case "", "json":
		return NewJSONWriter(w, config.Pretty, config.Stream), nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", config.Format)
	}
}
