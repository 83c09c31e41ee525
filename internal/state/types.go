package state

import (
	"time"

	"github.com/PentesterFlow/crawlkit/internal/task"
)

// Session describes one crawl run stored next to its results.
type Session struct {
	Name       string           `json:"name,omitempty"`
	Target     string           `json:"target"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at,omitempty"`
	Stats      map[string]int64 `json:"stats,omitempty"`
}

// Store persists per-URL results and the session record.
type Store interface {
	PutResult(url string, r *task.Result) error
	ForEachResult(fn func(url string, r *task.Result) error) error
	SaveSession(s *Session) error
	LoadSession() (*Session, error)
	Close() error
}
