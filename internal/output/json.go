package output

import (
	"encoding/json"
	"io"
	"sync"
)

// JSONWriter writes output in JSON format. In stream mode every entry is a
// single JSON line and Close terminates the stream with an end event.
type JSONWriter struct {
	mu     sync.Mutex
	writer io.Writer
	pretty bool
	stream bool
	closed bool
}

// NewJSONWriter creates a new JSON writer.
func NewJSONWriter(w io.Writer, pretty, stream bool) *JSONWriter {
	return &JSONWriter{
		writer: w,
		pretty: pretty,
		stream: stream,
	}
}

// WriteReport writes the complete batch document.
func (j *JSONWriter) WriteReport(report *Report) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	return j.write(report, j.pretty)
}

// WriteEntry writes a single result in streaming mode.
func (j *JSONWriter) WriteEntry(entry Entry) error {
	if !j.stream {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	return j.write(StreamEvent{Type: "result", Data: entry}, false)
}

// WriteSummary writes the crawl summary. In stream mode it is emitted as a
// summary event.
func (j *JSONWriter) WriteSummary(summary *Summary) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	if j.stream {
		return j.write(StreamEvent{Type: "summary", Data: summary}, false)
	}
	return j.write(summary, j.pretty)
}

func (j *JSONWriter) write(v any, pretty bool) error {
	var data []byte
	var err error

	if pretty {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}

	if _, err := j.writer.Write(data); err != nil {
		return err
	}
	_, err = j.writer.Write([]byte("\n"))
	return err
}

// Flush flushes the writer.
func (j *JSONWriter) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if flusher, ok := j.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// Close writes the end event in stream mode and closes the writer.
func (j *JSONWriter) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	if j.stream {
		if err := j.write(StreamEvent{Type: "end"}, false); err != nil {
			return err
		}
	}
	j.closed = true

	if closer, ok := j.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// StreamEvent represents a streaming output event.
type StreamEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}
