package session

import (
	"container/list"
	"context"
	"fmt"
	"time"

	"github.com/shehryarbajwa/browser-orchestrator/internal/browser"
	"github.com/shehryarbajwa/browser-orchestrator/internal/ratelimit"
)

// NavigateOptions configure a single navigation.
type NavigateOptions struct {
	// Timeout bounds the time from submission to settlement, queueing
	// included. Zero means the configured default; negative means none.
	Timeout   time.Duration
	WaitUntil browser.WaitUntil
	Referrer  string
}

// NavigationResult describes a settled navigation.
type NavigationResult struct {
	PageID        string        `json:"pageId"`
	URL           string        `json:"url"`
	FinalURL      string        `json:"finalUrl,omitempty"`
	Title         string        `json:"title,omitempty"`
	LoadState     LoadState     `json:"loadState"`
	QueuedFor     time.Duration `json:"queuedFor"`
	RateLimitWait time.Duration `json:"rateLimitWait"`
	// StartedAt is the start time reserved with the domain limiter; spacing
	// between navigations is measured between these.
	StartedAt     time.Time     `json:"startedAt"`
	DispatchedAt  time.Time     `json:"dispatchedAt"`
	CompletedAt   time.Time     `json:"completedAt"`
}

// request is one navigation. Every field is guarded by Manager.mu except
// done, which is closed exactly once when the request resolves.
type request struct {
	page       *page
	url        string
	domain     string
	opts       NavigateOptions
	enqueuedAt time.Time

	// elem is set while the request sits in the admission queue.
	elem *list.Element

	started     bool
	startedAt   time.Time
	ctx         context.Context
	cancel      context.CancelCauseFunc
	reservation ratelimit.Reservation
	// extraWait is time spent behind a late dispatch after the reservation.
	extraWait time.Duration
	timer       *time.Timer

	resolved bool
	result   NavigationResult
	err      error
	done     chan struct{}
}

// Future is the pending outcome of a submitted navigation.
type Future struct {
	m   *Manager
	req *request
}

// PageID returns the page the navigation targets.
func (f *Future) PageID() string {
	return f.req.page.id
}

// Done is closed once the navigation has resolved.
func (f *Future) Done() <-chan struct{} {
	return f.req.done
}

// Result blocks until the navigation resolves.
func (f *Future) Result() (NavigationResult, error) {
	<-f.req.done
	return f.req.result, f.req.err
}

// Wait blocks until the navigation resolves or ctx ends. When ctx ends first
// the navigation is cancelled; if it resolved concurrently the real outcome
// is returned.
func (f *Future) Wait(ctx context.Context) (NavigationResult, error) {
	select {
	case <-f.req.done:
	case <-ctx.Done():
		f.m.cancelRequest(f.req, fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx)))
	}
	return f.Result()
}

// Cancel resolves the navigation with ErrCancelled unless it already resolved.
func (f *Future) Cancel() {
	f.m.cancelRequest(f.req, fmt.Errorf("%w: by caller", ErrCancelled))
}
