// Package browser defines the browsing backend the page manager drives and
// provides a Chrome DevTools implementation built on go-rod.
package browser

import (
	"context"
	"errors"
	"fmt"
)

// Handle is an opaque reference to one isolated browsing context.
type Handle string

// WaitUntil selects which lifecycle event completes a load.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNone             WaitUntil = "none"
)

// ContextOptions configure a new browsing context.
type ContextOptions struct {
	Metadata       map[string]string
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
}

// LoadOptions configure a single navigation.
type LoadOptions struct {
	WaitUntil WaitUntil
	Referrer  string
}

// LoadResult describes a settled navigation.
type LoadResult struct {
	FinalURL string
	Title    string
}

// ScreenshotOptions configure a capture.
type ScreenshotOptions struct {
	FullPage bool
	Format   string // "png" (default) or "jpeg"
	Quality  int    // jpeg only
}

// ErrUnknownHandle is returned for handles the backend does not own.
var ErrUnknownHandle = errors.New("unknown browsing context")

// LoadError is a backend-reported navigation failure.
type LoadError struct {
	URL         string
	Code        string
	Description string
	Err         error
}

func (e *LoadError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("load %s failed: %s (%s)", e.URL, e.Code, e.Description)
	}
	return fmt.Sprintf("load %s failed: %s", e.URL, e.Code)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Backend is the browsing engine the manager delegates work to. Every
// method must be safe for concurrent use, and LoadURL must return promptly
// once ctx is cancelled.
type Backend interface {
	CreateContext(ctx context.Context, partitionID string, opts ContextOptions) (Handle, error)
	DestroyContext(ctx context.Context, h Handle) error
	LoadURL(ctx context.Context, h Handle, url string, opts LoadOptions) (LoadResult, error)
	ExecuteScript(ctx context.Context, h Handle, code string) (interface{}, error)
	CaptureScreenshot(ctx context.Context, h Handle, opts ScreenshotOptions) ([]byte, error)
	Close() error
}

// LoadListener receives load notifications the backend observes on its own,
// including navigations the page started by itself.
type LoadListener interface {
	OnLoadStart(h Handle)
	OnLoadFinish(h Handle, url string)
	OnLoadFail(h Handle, url, code, description string)
}

// EventSource is implemented by backends that report page loads.
type EventSource interface {
	SetLoadListener(l LoadListener)
}

// DevToolsEndpoint is implemented by backends that expose a CDP websocket.
type DevToolsEndpoint interface {
	ControlURL() string
}
