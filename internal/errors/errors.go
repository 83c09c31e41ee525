// Package errors provides the failure taxonomy for crawl attempts.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrorType categorizes errors for handling decisions.
type ErrorType int

const (
	// Unknown is an uncategorized error.
	Unknown ErrorType = iota
	// ProcessCrash represents a dead or unusable browser process.
	ProcessCrash
	// Timeout represents an exceeded deadline.
	Timeout
	// Status represents an HTTP status >= 400 on the primary navigation.
	Status
	// Redirect represents a redirected primary navigation.
	Redirect
	// Transformation represents a failed runner result transform.
	Transformation
	// InvalidURL represents a URL that cannot be parsed or resolved.
	InvalidURL
	// AlreadySet represents an attempt to overwrite a task handle.
	AlreadySet
	// Evaluation represents an error reported by page-side code.
	Evaluation
	// OpenFailed represents a navigation that never produced a page.
	OpenFailed
	// Injection represents a companion script that could not be injected.
	Injection
	// Cancelled represents context cancellation.
	Cancelled
)

// String returns the string representation of ErrorType.
func (t ErrorType) String() string {
	switch t {
	case ProcessCrash:
		return "process_crash"
	case Timeout:
		return "timeout"
	case Status:
		return "status"
	case Redirect:
		return "redirect"
	case Transformation:
		return "transformation"
	case InvalidURL:
		return "invalid_url"
	case AlreadySet:
		return "already_set"
	case Evaluation:
		return "evaluation"
	case OpenFailed:
		return "open_failed"
	case Injection:
		return "injection"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsRetryable returns whether an attempt that failed with this type may be
// repeated on a fresh browser.
func (t ErrorType) IsRetryable() bool {
	switch t {
	case ProcessCrash, Timeout:
		return true
	default:
		return false
	}
}

// CrawlError represents a categorized crawl error.
type CrawlError struct {
	Type       ErrorType
	URL        string
	Operation  string
	Message    string
	Cause      error
	StatusCode int
	TargetURL  string
	// Value holds whatever page-side code passed as its error argument.
	Value     any
	Retryable bool
}

// Error implements the error interface.
func (e *CrawlError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error during %s on %s: %s (caused by: %v)",
			e.Type.String(), e.Operation, e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error during %s on %s: %s",
		e.Type.String(), e.Operation, e.URL, e.Message)
}

// Unwrap returns the underlying error.
func (e *CrawlError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target.
func (e *CrawlError) Is(target error) bool {
	t, ok := target.(*CrawlError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

type crawlErrorJSON struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Operation  string `json:"operation,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	TargetURL  string `json:"target_url,omitempty"`
	Value      any    `json:"value,omitempty"`
}

// MarshalJSON renders the error as it appears in a result document.
func (e *CrawlError) MarshalJSON() ([]byte, error) {
	return json.Marshal(crawlErrorJSON{
		Kind:       e.Type.String(),
		Message:    e.Message,
		Operation:  e.Operation,
		StatusCode: e.StatusCode,
		TargetURL:  e.TargetURL,
		Value:      e.Value,
	})
}

// UnmarshalJSON restores an error written by MarshalJSON.
func (e *CrawlError) UnmarshalJSON(data []byte) error {
	var raw crawlErrorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Type = ParseErrorType(raw.Kind)
	e.Message = raw.Message
	e.Operation = raw.Operation
	e.StatusCode = raw.StatusCode
	e.TargetURL = raw.TargetURL
	e.Value = raw.Value
	e.Retryable = e.Type.IsRetryable()
	return nil
}

// ParseErrorType is the inverse of ErrorType.String.
func ParseErrorType(s string) ErrorType {
	for t := Unknown; t <= Cancelled; t++ {
		if t.String() == s {
			return t
		}
	}
	return Unknown
}

// NewCrawlError creates a new CrawlError.
func NewCrawlError(errType ErrorType, url, operation, message string, cause error) *CrawlError {
	return &CrawlError{
		Type:      errType,
		URL:       url,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: errType.IsRetryable(),
	}
}

// NewProcessCrashError creates a browser process crash error.
func NewProcessCrashError(url, operation string, cause error) *CrawlError {
	return NewCrawlError(ProcessCrash, url, operation, "browser process failed", cause)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(url, operation, message string) *CrawlError {
	return NewCrawlError(Timeout, url, operation, message, context.DeadlineExceeded)
}

// NewStatusError creates an error for a failed primary navigation status.
func NewStatusError(url string, statusCode int) *CrawlError {
	err := NewCrawlError(Status, url, "open", fmt.Sprintf("server returned %d", statusCode), nil)
	err.StatusCode = statusCode
	return err
}

// NewRedirectError creates a redirect error carrying the redirect target.
func NewRedirectError(url, target, message string) *CrawlError {
	err := NewCrawlError(Redirect, url, "open", message, nil)
	err.TargetURL = target
	return err
}

// NewTransformationError creates an error for a failed result transform.
func NewTransformationError(url, runner string, cause error) *CrawlError {
	msg := "result transform failed"
	if cause != nil {
		msg = cause.Error()
	}
	return NewCrawlError(Transformation, url, "transform:"+runner, msg, cause)
}

// NewInvalidURLError creates an error for an unparsable URL.
func NewInvalidURLError(url string, cause error) *CrawlError {
	return NewCrawlError(InvalidURL, url, "resolve", fmt.Sprintf("invalid url %q", url), cause)
}

// NewAlreadySetError creates an error for a handle that is already attached.
func NewAlreadySetError(url, handle string) *CrawlError {
	return NewCrawlError(AlreadySet, url, "set_"+handle, handle+" is already set", nil)
}

// NewEvaluationError wraps a value reported by page-side code.
func NewEvaluationError(url, operation string, value any) *CrawlError {
	err := NewCrawlError(Evaluation, url, operation, describeValue(value), nil)
	err.Value = value
	return err
}

// NewOpenFailedError creates an error for a navigation that failed outright.
func NewOpenFailedError(url string, cause error) *CrawlError {
	return NewCrawlError(OpenFailed, url, "open", "Failed to open URL", cause)
}

// NewInjectionError creates an error for a companion script injection.
func NewInjectionError(url, file string, cause error) *CrawlError {
	return NewCrawlError(Injection, url, "inject", fmt.Sprintf("failed to inject %s", file), cause)
}

// NewCancelledError creates a cancelled error.
func NewCancelledError(url, operation string) *CrawlError {
	return NewCrawlError(Cancelled, url, operation, "operation cancelled", context.Canceled)
}

func describeValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "page reported an error"
	case string:
		return val
	case map[string]any:
		if msg, ok := val["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("%v", v)
}

// Categorize determines the error type from a generic error.
func Categorize(err error, url string) *CrawlError {
	if err == nil {
		return nil
	}

	// Already a CrawlError
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr
	}

	if errors.Is(err, context.Canceled) || strings.Contains(err.Error(), "context canceled") {
		return NewCancelledError(url, "attempt")
	}

	if isTimeout(err) {
		e := NewTimeoutError(url, "attempt", err.Error())
		e.Cause = err
		return e
	}

	return NewCrawlError(Unknown, url, "attempt", err.Error(), err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "timed out")
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.Retryable
	}

	return isTimeout(err)
}

// GetStatusCode extracts the status code from an error.
func GetStatusCode(err error) int {
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.StatusCode
	}
	return 0
}

// GetErrorType extracts the error type from an error.
func GetErrorType(err error) ErrorType {
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.Type
	}
	return Unknown
}
