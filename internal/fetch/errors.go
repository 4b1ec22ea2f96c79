package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNotFound means the archive has no data for the target. It is never
	// retried.
	ErrNotFound = errors.New("no data found for target")

	ErrNoSegments = errors.New("no segments obtained")
)

// StatusError is a non-2xx HTTP response from the archive.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d from %s", e.Code, e.URL)
}

func (e *StatusError) Throttled() bool {
	return e.Code == http.StatusTooManyRequests
}

// CacheCorruptError marks a local artifact that cannot be read back. The gate
// clears the target's cache and retries when it sees one.
type CacheCorruptError struct {
	TargetID string
	Path     string
	Err      error
}

func (e *CacheCorruptError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("corrupt cache for %s at %s: %v", e.TargetID, e.Path, e.Err)
	}
	return fmt.Sprintf("corrupt cache for %s: %v", e.TargetID, e.Err)
}

func (e *CacheCorruptError) Unwrap() error { return e.Err }

// noSegmentsError keeps the last segment failure so retry classification can
// look through it.
type noSegmentsError struct {
	last error
}

func (e *noSegmentsError) Error() string {
	if e.last == nil {
		return ErrNoSegments.Error()
	}
	return fmt.Sprintf("%s: %v", ErrNoSegments, e.last)
}

func (e *noSegmentsError) Unwrap() []error {
	if e.last == nil {
		return []error{ErrNoSegments}
	}
	return []error{ErrNoSegments, e.last}
}

func IsThrottled(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Throttled()
}

func IsCacheCorrupt(err error) bool {
	var ce *CacheCorruptError
	return errors.As(err, &ce)
}

// IsRetryable reports whether another attempt could succeed: timeouts,
// transport failures, throttling, server errors and cache corruption.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || IsThrottled(err) || IsCacheCorrupt(err) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	// Unknown failures from a collaborator get the benefit of the doubt.
	return true
}
