package breaker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Errors returned by Do.
var (
	// ErrCircuitOpen is returned without invoking the wrapped call while the
	// circuit is open or a half-open probe is already in flight.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrRetryExhausted is returned when every attempt failed with a
	// transient fault. It counts as one circuit failure.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrRateLimited is returned when every attempt was answered with 429.
	// It never counts as a circuit failure.
	ErrRateLimited = errors.New("upstream rate limited")

	// ErrContextCancelled is returned when the context ends while backing off.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassPermanent represents failures that retrying cannot fix.
	ErrorClassPermanent ErrorClass = "permanent"
)

// StatusError is an upstream failure with its HTTP status and classification.
type StatusError struct {
	StatusCode int
	Class      ErrorClass
	// RetryAfter is the server-supplied delay for 429 responses, zero if absent.
	RetryAfter time.Duration
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v", e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s", e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StatusError) Unwrap() error {
	return e.Err
}

// ClassForStatus maps an HTTP status code to an error class.
func ClassForStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case code == http.StatusRequestTimeout:
		return ErrorClassNetwork
	case code >= 500:
		return ErrorClassServer
	case code >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The upstream answered, so the
// circuit treats the call as healthy, unless err wraps a 429 in which case the
// circuit state is left untouched.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// throttled reports whether err carries a 429 anywhere in its chain.
func throttled(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.Class == ErrorClassRateLimit || se.StatusCode == http.StatusTooManyRequests)
}

// Classify determines the error class of an error returned by a wrapped call.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return ErrorClassPermanent
	}

	var se *StatusError
	if errors.As(err, &se) {
		if se.Class != "" {
			return se.Class
		}
		return ClassForStatus(se.StatusCode)
	}

	// Unknown errors and per-call deadlines are treated as transport faults.
	return ErrorClassNetwork
}

// shouldRetry reports whether an error class is worth another attempt.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassServer, ErrorClassNetwork, ErrorClassRateLimit:
		return true
	default:
		return false
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
