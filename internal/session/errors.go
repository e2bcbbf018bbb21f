package session

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Manager wraps exactly one of these.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("page not found")
	ErrLimitExceeded       = errors.New("page limit exceeded")
	ErrResourceUnavailable = errors.New("host resources unavailable")
	ErrNavigation          = errors.New("navigation failed")
	ErrTimeout             = errors.New("navigation timed out")
	ErrCancelled           = errors.New("navigation cancelled")
	ErrShuttingDown        = errors.New("manager shutting down")
)

// NavigationError is a load failure reported by the browsing backend.
type NavigationError struct {
	PageID      string
	URL         string
	Code        string
	Description string
	Err         error
}

func (e *NavigationError) Error() string {
	msg := fmt.Sprintf("navigation of page %s to %s failed", e.PageID, e.URL)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	if e.Err != nil && e.Code == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both ErrNavigation and the backend's own error.
func (e *NavigationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNavigation}
	}
	return []error{ErrNavigation, e.Err}
}

// Kind returns the sentinel err wraps, or nil for foreign errors.
func Kind(err error) error {
	for _, kind := range []error{
		ErrValidation, ErrNotFound, ErrLimitExceeded, ErrResourceUnavailable,
		ErrShuttingDown, ErrTimeout, ErrCancelled, ErrNavigation,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Code is a stable machine-readable name for err's kind.
func Code(err error) string {
	switch Kind(err) {
	case ErrValidation:
		return "validation"
	case ErrNotFound:
		return "not_found"
	case ErrLimitExceeded:
		return "limit_exceeded"
	case ErrResourceUnavailable:
		return "resource_unavailable"
	case ErrNavigation:
		return "navigation"
	case ErrTimeout:
		return "timeout"
	case ErrCancelled:
		return "cancelled"
	case ErrShuttingDown:
		return "shutting_down"
	}
	if err == nil {
		return ""
	}
	return "internal"
}
