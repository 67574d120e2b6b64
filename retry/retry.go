// Package retry runs a function with exponential backoff. Only errors marked
// recoverable, or carrying a retryable HTTP status code, are retried.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseWait   = time.Second
)

// Option configures Do.
type Option func(*options)

type options struct {
	maxRetries int
	baseWait   time.Duration
	onRetry    func(attempt int, err error)
}

// WithMaxRetries sets the total number of attempts.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithBaseWait sets the wait before the second attempt. Later waits double.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.baseWait = d }
}

// WithOnRetry registers a callback invoked before each retry.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{maxRetries: DefaultMaxRetries, baseWait: DefaultBaseWait}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxRetries < 1 {
		o.maxRetries = 1
	}
	var lastErr error
	for attempt := 0; attempt < o.maxRetries; attempt++ {
		if attempt > 0 {
			if o.onRetry != nil {
				o.onRetry(attempt, lastErr)
			}
			backoff := time.Duration(float64(o.baseWait) * math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			timer := time.NewTimer(backoff + jitter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = unwrapRecoverable(err)
		if !shouldRetry(err) {
			return lastErr
		}
	}
	return lastErr
}

// RecoverableError marks an error as safe to retry.
type RecoverableError struct {
	Err error
}

func (e *RecoverableError) Error() string { return e.Err.Error() }
func (e *RecoverableError) Unwrap() error { return e.Err }

func NewRecoverableError(err error) error {
	if err == nil {
		return nil
	}
	return &RecoverableError{Err: err}
}

func IsRecoverable(err error) bool {
	var re *RecoverableError
	return errors.As(err, &re)
}

// StatusCoder is implemented by API errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// ShouldRetryStatus reports whether an HTTP status code is worth retrying.
func ShouldRetryStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func shouldRetry(err error) bool {
	if IsRecoverable(err) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return ShouldRetryStatus(sc.StatusCode())
	}
	return false
}

func unwrapRecoverable(err error) error {
	if re, ok := err.(*RecoverableError); ok {
		return re.Err
	}
	return err
}
