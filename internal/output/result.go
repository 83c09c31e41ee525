package output

import (
	"time"

	crawlerrors "github.com/PentesterFlow/crawlkit/internal/errors"
	"github.com/PentesterFlow/crawlkit/internal/task"
)

// Report is the batch crawl document: every crawled URL and its result.
type Report struct {
	Results map[string]*task.Result `json:"results"`
}

// Entry is one (url, result) pair as emitted in streaming mode.
type Entry struct {
	URL    string       `json:"url"`
	Result *task.Result `json:"result"`
}

// Summary describes a finished crawl.
type Summary struct {
	Name        string        `json:"name,omitempty"`
	Target      string        `json:"target"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Statistics  Statistics    `json:"statistics"`
}

// Statistics counts results by outcome.
type Statistics struct {
	TotalURLs    int            `json:"total_urls"`
	Succeeded    int            `json:"succeeded"`
	Failed       int            `json:"failed"`
	RunnerErrors int            `json:"runner_errors"`
	ErrorsByKind map[string]int `json:"errors_by_kind,omitempty"`
}

// Add folds one result into the statistics.
func (s *Statistics) Add(r *task.Result) {
	s.TotalURLs++
	if r == nil {
		s.Succeeded++
		return
	}
	if r.Error != nil {
		s.Failed++
		s.countKind(r.Error)
	} else {
		s.Succeeded++
	}
	for _, rr := range r.Runners {
		if rr != nil && rr.Error != nil {
			s.RunnerErrors++
			s.countKind(rr.Error)
		}
	}
}

func (s *Statistics) countKind(err *crawlerrors.CrawlError) {
	if s.ErrorsByKind == nil {
		s.ErrorsByKind = make(map[string]int)
	}
	s.ErrorsByKind[err.Type.String()]++
}

// Summarize computes statistics for a report. A nil report has none.
func Summarize(r *Report) Statistics {
	var stats Statistics
	if r == nil {
		return stats
	}
	for _, res := range r.Results {
		stats.Add(res)
	}
	return stats
}
