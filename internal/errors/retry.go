package errors

import (
	"context"
	"math"
	"time"
)

// RetryPolicy decides whether a failed attempt is repeated and how long to
// wait before it is put back on the queue.
type RetryPolicy struct {
	MaxTries       int           // Maximum number of attempts per URL
	InitialDelay   time.Duration // Delay before the first retry (0 = immediate)
	MaxDelay       time.Duration // Maximum delay between retries
	Multiplier     float64       // Delay multiplier for exponential backoff
	RetryableTypes []ErrorType   // Error types that should be retried
}

// DefaultRetryPolicy returns the defaults: three tries, immediate requeue,
// retry on crash and attempt timeout only.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:     3,
		InitialDelay: 0,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		RetryableTypes: []ErrorType{
			ProcessCrash,
			Timeout,
		},
	}
}

// ShouldRetry reports whether an attempt that failed with err after tries
// attempts gets another one.
func (p RetryPolicy) ShouldRetry(err error, tries int) bool {
	if err == nil || tries >= p.MaxTries {
		return false
	}

	errType := GetErrorType(err)
	if errType == Unknown {
		return false
	}

	for _, t := range p.RetryableTypes {
		if errType == t {
			return true
		}
	}
	return false
}

// Delay returns the wait before re-queueing after the given attempt.
func (p RetryPolicy) Delay(tries int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	return BackoffDuration(tries, p.InitialDelay, p.MaxDelay, p.Multiplier)
}

// Wait sleeps for the retry delay or until ctx is done.
func (p RetryPolicy) Wait(ctx context.Context, tries int) error {
	d := p.Delay(tries)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BackoffDuration calculates the backoff duration for a given attempt.
func BackoffDuration(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 0 {
		return initial
	}
	if multiplier <= 0 {
		multiplier = 1
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		return max
	}

	return time.Duration(delay)
}
