package logrelay

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInstanceNotFound  = fmt.Errorf("model instance %w", ErrNotFound)
	ErrWorkerNotAssigned = fmt.Errorf("model instance not assigned to a worker: %w", ErrNotFound)
	ErrWorkerNotFound    = fmt.Errorf("model instance's worker %w", ErrNotFound)

	// ErrUpstream matches every *UpstreamError
	ErrUpstream = errors.New("upstream failure")

	// ErrCancelled means the caller went away; it is not a relay failure
	ErrCancelled = errors.New("log relay cancelled")
)

// UpstreamKind classifies an upstream failure
type UpstreamKind string

const (
	UpstreamStatus     UpstreamKind = "status"
	UpstreamTimeout    UpstreamKind = "timeout"
	UpstreamConnection UpstreamKind = "connection"
)

// UpstreamError is a failure talking to the worker's log endpoint
type UpstreamError struct {
	Kind UpstreamKind
	// StatusCode is set for UpstreamStatus
	StatusCode int
	Reason     string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch e.Kind {
	case UpstreamStatus:
		return fmt.Sprintf("error fetching serving logs: upstream returned %d: %s", e.StatusCode, e.Reason)
	case UpstreamTimeout:
		return fmt.Sprintf("error fetching serving logs: upstream timed out: %s", e.Reason)
	default:
		return fmt.Sprintf("error fetching serving logs: %s", e.Reason)
	}
}

// Is makes errors.Is(err, ErrUpstream) hold
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func statusError(code int, body []byte) *UpstreamError {
	reason := string(trimReason(body))
	if reason == "" {
		reason = http.StatusText(code)
	}
	return &UpstreamError{Kind: UpstreamStatus, StatusCode: code, Reason: reason}
}

// outcome is the metric label for a terminal result
func outcome(err error) string {
	var upstream *UpstreamError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &upstream):
		return string(upstream.Kind)
	default:
		return "error"
	}
}
