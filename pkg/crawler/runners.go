package crawler

import (
	"context"
	"fmt"
	"os"
	"time"
)

// ScriptRunner runs fixed page-side code on every page.
type ScriptRunner struct {
	// Source must evaluate to a function calling window.callPhantom(err, result).
	Source string
	// Files are injected into the page before Source is evaluated.
	Files []string
	// Transform optionally post-processes the page result.
	Transform func(ctx context.Context, result any) (any, error)
	// MaxWait overrides the crawler's runnable timeout.
	MaxWait time.Duration
}

// NewScriptRunnerFromFile reads the runner function from path. companions
// are injected before it runs.
func NewScriptRunnerFromFile(path string, companions ...string) (*ScriptRunner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runner script: %w", err)
	}
	return &ScriptRunner{
		Source: string(data),
		Files:  companions,
	}, nil
}

// Runnable returns Source.
func (r *ScriptRunner) Runnable() string {
	return r.Source
}

// CompanionFiles returns Files.
func (r *ScriptRunner) CompanionFiles(context.Context) ([]string, error) {
	return r.Files, nil
}

// TransformResult applies Transform when set.
func (r *ScriptRunner) TransformResult(ctx context.Context, result any) (any, error) {
	if r.Transform == nil {
		return result, nil
	}
	return r.Transform(ctx, result)
}

// Timeout returns MaxWait.
func (r *ScriptRunner) Timeout() time.Duration {
	return r.MaxWait
}

var _ Runner = (*ScriptRunner)(nil)
