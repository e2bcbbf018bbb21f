package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browser-orchestrator/internal/browser"
	"github.com/shehryarbajwa/browser-orchestrator/internal/events"
	"github.com/shehryarbajwa/browser-orchestrator/internal/ratelimit"
)

// validateURL checks rawURL is an absolute http(s) URL and returns its
// rate-limit domain.
func validateURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: malformed url %q", ErrValidation, rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme in %q", ErrValidation, rawURL)
	}
	domain, err := ratelimit.DomainOf(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return domain, nil
}

// Submit admits a navigation and returns without waiting for it. The
// navigation starts now if an in-flight slot is free and nothing is queued
// ahead of it, otherwise it joins the tail of the admission queue. Domain
// spacing is reserved only when the navigation actually starts.
func (m *Manager) Submit(pageID, rawURL string, opts NavigateOptions) (*Future, error) {
	domain, err := validateURL(rawURL)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	p, ok := m.pages[pageID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, pageID)
	}

	req := &request{
		page:       p,
		url:        rawURL,
		domain:     domain,
		opts:       opts,
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
	p.requests[req] = struct{}{}

	var evs []events.Event
	if m.active >= m.cfg.MaxConcurrentNavigations || m.queue.Len() > 0 {
		req.elem = m.queue.PushBack(req)
		m.stats.NavigationsQueuedTotal++
		evs = append(evs, events.Event{
			Type:       events.NavigationQueued,
			Time:       req.enqueuedAt,
			PageID:     pageID,
			URL:        rawURL,
			Domain:     domain,
			QueueDepth: m.queue.Len(),
		})
	} else {
		evs = append(evs, m.startLocked(req)...)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = m.cfg.DefaultNavigationTimeout
	}
	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() { m.expire(req, timeout) })
	}
	m.mu.Unlock()

	m.publish(evs...)
	return &Future{m: m, req: req}, nil
}

// Navigate submits a navigation and waits for it to settle. Ending ctx
// cancels the navigation.
func (m *Manager) Navigate(ctx context.Context, pageID, rawURL string, opts NavigateOptions) (NavigationResult, error) {
	f, err := m.Submit(pageID, rawURL, opts)
	if err != nil {
		return NavigationResult{}, err
	}
	return f.Wait(ctx)
}

// BatchItem is one navigation of a batch.
type BatchItem struct {
	PageID string `json:"pageId"`
	URL    string `json:"url"`
}

// BatchItemResult is the outcome of one batch item.
type BatchItemResult struct {
	PageID    string            `json:"pageId"`
	URL       string            `json:"url"`
	Success   bool              `json:"success"`
	Result    *NavigationResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorCode string            `json:"errorCode,omitempty"`
}

// BatchResult is the outcome of NavigateBatch, in input order.
type BatchResult struct {
	Results   []BatchItemResult `json:"results"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

// NavigateBatch submits the items in input order with at most
// BatchConcurrency of them outstanding at once, and waits for all of them.
// One failing item never affects the others. Items not yet submitted when
// ctx ends fail with ErrCancelled.
func (m *Manager) NavigateBatch(ctx context.Context, items []BatchItem, opts NavigateOptions) BatchResult {
	out := BatchResult{Results: make([]BatchItemResult, len(items))}
	fail := func(i int, err error) {
		out.Results[i].Error = err.Error()
		out.Results[i].ErrorCode = Code(err)
	}

	sem := semaphore.NewWeighted(int64(m.Config().BatchConcurrency))
	var g errgroup.Group
	for i, item := range items {
		out.Results[i] = BatchItemResult{PageID: item.PageID, URL: item.URL}
		if err := sem.Acquire(ctx, 1); err != nil || ctx.Err() != nil {
			if err == nil {
				sem.Release(1)
			}
			fail(i, fmt.Errorf("%w: batch ended before %s was submitted", ErrCancelled, item.URL))
			continue
		}
		f, err := m.Submit(item.PageID, item.URL, opts)
		if err != nil {
			sem.Release(1)
			fail(i, err)
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			res, err := f.Wait(ctx)
			if err != nil {
				fail(i, err)
				return nil
			}
			out.Results[i].Success = true
			out.Results[i].Result = &res
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range out.Results {
		if r.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	return out
}

// startLocked takes an in-flight slot for req, reserves its start time with
// the domain limiter and hands it to a goroutine that waits out the delay
// and dispatches it.
func (m *Manager) startLocked(req *request) []events.Event {
	m.active++
	req.elem = nil
	req.started = true
	req.startedAt = time.Now()
	req.ctx, req.cancel = context.WithCancelCause(m.baseCtx)
	req.reservation = m.limiter.Reserve(req.domain)

	var evs []events.Event
	if wait := req.reservation.Wait; wait > 0 {
		m.stats.RateLimitDelaysApplied++
		evs = append(evs, events.Event{
			Type:   events.RateLimitApplied,
			Time:   req.startedAt,
			PageID: req.page.id,
			URL:    req.url,
			Domain: req.domain,
			Wait:   wait,
		})
	}

	m.wg.Add(1)
	go m.run(req)
	return evs
}

func (m *Manager) run(req *request) {
	defer m.wg.Done()
	defer req.cancel(nil)

	p := req.page
	wait := req.reservation.Wait
	for {
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-req.ctx.Done():
				t.Stop()
				m.abandon(req)
				return
			}
		}

		m.mu.Lock()
		if req.resolved || m.pages[p.id] != p {
			m.mu.Unlock()
			m.abandon(req)
			return
		}
		// A late dispatch ahead of this one may still be inside the delay.
		if wait = m.limiter.Dispatch(req.reservation); wait == 0 {
			break
		}
		req.extraWait += wait
		m.mu.Unlock()
	}
	p.dispatched++
	p.busy++
	p.loadState = Navigating
	handle := p.handle
	opts := browser.LoadOptions{WaitUntil: req.opts.WaitUntil, Referrer: req.opts.Referrer}
	dispatchedAt := time.Now()
	m.mu.Unlock()

	m.log.Debug("navigation started",
		zap.String("page_id", p.id),
		zap.String("url", req.url),
		zap.Duration("rate_limit_wait", req.reservation.Wait),
	)
	m.publish(events.Event{
		Type:   events.NavigationStarted,
		Time:   dispatchedAt,
		PageID: p.id,
		URL:    req.url,
		Domain: req.domain,
		Wait:   req.reservation.Wait,
	})

	res, err := m.backend.LoadURL(req.ctx, handle, req.url, opts)
	m.finish(req, dispatchedAt, res, err)
}

// abandon frees the slot of a request that was resolved before it reached
// the backend and gives its reserved start time back.
func (m *Manager) abandon(req *request) {
	m.limiter.Cancel(req.reservation)

	m.mu.Lock()
	m.active--
	delete(req.page.requests, req)
	var evs []events.Event
	if !req.resolved {
		evs = append(evs, m.cancelLocked(req, fmt.Errorf("%w: navigation to %s abandoned", ErrCancelled, req.url))...)
	}
	evs = append(evs, m.drainLocked()...)
	m.mu.Unlock()

	m.publish(evs...)
}

// finish records the backend outcome, resolves the request unless a timeout
// or cancellation got there first, frees the slot and drains the queue.
func (m *Manager) finish(req *request, dispatchedAt time.Time, res browser.LoadResult, loadErr error) {
	now := time.Now()
	p := req.page

	m.mu.Lock()
	m.active--
	p.dispatched--
	m.unpinLocked(p)
	delete(p.requests, req)

	var evs []events.Event
	alive := m.pages[p.id] == p
	if alive {
		p.lastNavigatedAt = now
		if loadErr == nil {
			p.loadState = Loaded
			p.url = res.FinalURL
			if p.url == "" {
				p.url = req.url
			}
			p.lastError = ""
		} else {
			p.loadState = Failed
			p.url = req.url
			p.lastError = loadErr.Error()
		}
	}

	var navErr error
	if loadErr != nil {
		navErr = wrapLoadError(p.id, req.url, loadErr)
	}

	if alive || !req.resolved {
		ev := events.Event{Time: now, PageID: p.id, URL: req.url, Domain: req.domain, Elapsed: now.Sub(dispatchedAt)}
		if navErr == nil {
			ev.Type = events.PageLoaded
		} else {
			ev.Type = events.PageLoadFailed
			ev.Error = navErr.Error()
			var ne *NavigationError
			if errors.As(navErr, &ne) {
				ev.ErrorCode = ne.Code
			}
		}
		evs = append(evs, ev)
	}

	if !req.resolved {
		result := NavigationResult{
			PageID:        p.id,
			URL:           req.url,
			FinalURL:      res.FinalURL,
			Title:         res.Title,
			LoadState:     Loaded,
			QueuedFor:     req.startedAt.Sub(req.enqueuedAt),
			RateLimitWait: req.reservation.Wait + req.extraWait,
			StartedAt:     req.reservation.Start,
			DispatchedAt:  dispatchedAt,
			CompletedAt:   now,
		}
		if navErr != nil {
			result.LoadState = Failed
		}
		m.resolveLocked(req, result, navErr)
	}
	evs = append(evs, m.drainLocked()...)
	m.mu.Unlock()

	if navErr != nil {
		m.log.Warn("navigation failed", zap.String("page_id", p.id), zap.String("url", req.url), zap.Error(navErr))
	} else {
		m.log.Debug("navigation finished", zap.String("page_id", p.id), zap.String("url", req.url))
	}
	m.publish(evs...)
}

func wrapLoadError(pageID, rawURL string, err error) error {
	ne := &NavigationError{PageID: pageID, URL: rawURL, Err: err}
	var le *browser.LoadError
	if errors.As(err, &le) {
		ne.Code = le.Code
		ne.Description = le.Description
	}
	return ne
}

// drainLocked starts queued requests, oldest first, while slots are free.
func (m *Manager) drainLocked() []events.Event {
	var evs []events.Event
	for !m.closed && m.active < m.cfg.MaxConcurrentNavigations && m.queue.Len() > 0 {
		req := m.queue.Remove(m.queue.Front()).(*request)
		evs = append(evs, m.startLocked(req)...)
	}
	return evs
}

// resolveLocked settles req exactly once.
func (m *Manager) resolveLocked(req *request, res NavigationResult, err error) bool {
	if req.resolved {
		return false
	}
	req.resolved = true
	req.result = res
	req.err = err
	if req.timer != nil {
		req.timer.Stop()
	}
	m.stats.count(err)
	close(req.done)
	return true
}

// cancelLocked resolves req with cause. A queued request leaves the queue
// and never reaches the backend; a started one has its context cancelled
// and keeps its slot until its goroutine observes that.
func (m *Manager) cancelLocked(req *request, cause error) []events.Event {
	if req.resolved {
		return nil
	}
	if req.elem != nil {
		m.queue.Remove(req.elem)
		req.elem = nil
		delete(req.page.requests, req)
	}
	if req.started {
		req.cancel(cause)
	}
	m.resolveLocked(req, NavigationResult{PageID: req.page.id, URL: req.url, LoadState: req.page.loadState}, cause)
	return []events.Event{{
		Type:      events.NavigationCancelled,
		Time:      time.Now(),
		PageID:    req.page.id,
		URL:       req.url,
		Domain:    req.domain,
		Error:     cause.Error(),
		ErrorCode: Code(cause),
	}}
}

func (m *Manager) cancelRequest(req *request, cause error) {
	m.mu.Lock()
	evs := m.cancelLocked(req, cause)
	m.mu.Unlock()
	m.publish(evs...)
}

// expire fires when a navigation's timeout elapses before it resolved.
func (m *Manager) expire(req *request, timeout time.Duration) {
	m.mu.Lock()
	if req.resolved {
		m.mu.Unlock()
		return
	}
	where := "queued"
	if req.started {
		where = "in flight"
	}
	evs := m.cancelLocked(req, fmt.Errorf("%w: %s exceeded %s while %s", ErrTimeout, req.url, timeout, where))
	m.mu.Unlock()

	m.log.Warn("navigation timed out",
		zap.String("page_id", req.page.id),
		zap.String("url", req.url),
		zap.String("state", where),
		zap.Duration("timeout", timeout),
	)
	m.publish(evs...)
}
