package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/PentesterFlow/crawlkit/internal/urlfilter"
)

// DefaultTimeout bounds a finder or runner that declares no timeout.
const DefaultTimeout = 10 * time.Second

// Runnable provides page-side code. The source must evaluate to a function
// that reports completion exactly once via window.callPhantom(err, result).
type Runnable interface {
	Runnable() string
}

// Finder discovers further URLs. Its function must report an array of URL
// strings.
type Finder interface {
	Runnable
}

// Runner produces a named result for every page.
type Runner interface {
	Runnable
	// CompanionFiles lists scripts injected before the runnable is evaluated.
	CompanionFiles(ctx context.Context) ([]string, error)
}

// URLFilterer is implemented by finders that accept, reject or rewrite the
// URLs they discover.
type URLFilterer interface {
	URLFilter(absURL, origin string) (string, bool)
}

// ResultTransformer is implemented by runners that post-process their raw
// page result.
type ResultTransformer interface {
	TransformResult(ctx context.Context, result any) (any, error)
}

// Timeouter is implemented by finders and runners that declare their own
// timeout. Zero or negative values select the default.
type Timeouter interface {
	Timeout() time.Duration
}

var (
	ErrNilRunnable = errors.New("runnable must not be nil")
	ErrEmptyKey    = errors.New("runner key must not be empty")
)

// FinderSpec is a registered finder with its capabilities resolved.
type FinderSpec struct {
	Finder  Finder
	Params  []any
	Filter  urlfilter.FilterFunc
	Timeout time.Duration
}

// NewFinderSpec registers f with the extra parameters appended to its
// invocation.
func NewFinderSpec(f Finder, params ...any) (*FinderSpec, error) {
	if f == nil {
		return nil, ErrNilRunnable
	}

	spec := &FinderSpec{
		Finder:  f,
		Params:  params,
		Timeout: declaredTimeout(f),
	}
	if uf, ok := f.(URLFilterer); ok {
		spec.Filter = uf.URLFilter
	}
	return spec, nil
}

// RunnerSpec is a registered runner with its capabilities resolved.
type RunnerSpec struct {
	Key       string
	Runner    Runner
	Params    []any
	Transform func(ctx context.Context, result any) (any, error)
	Timeout   time.Duration
}

// NewRunnerSpec registers r under key.
func NewRunnerSpec(key string, r Runner, params ...any) (*RunnerSpec, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if r == nil {
		return nil, ErrNilRunnable
	}

	spec := &RunnerSpec{
		Key:     key,
		Runner:  r,
		Params:  params,
		Timeout: declaredTimeout(r),
	}
	if rt, ok := r.(ResultTransformer); ok {
		spec.Transform = rt.TransformResult
	}
	return spec, nil
}

func declaredTimeout(v any) time.Duration {
	if t, ok := v.(Timeouter); ok {
		if d := t.Timeout(); d > 0 {
			return d
		}
	}
	return 0
}

func timeoutOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTimeout
}
