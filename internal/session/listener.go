package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-orchestrator/internal/browser"
	"github.com/shehryarbajwa/browser-orchestrator/internal/events"
)

var _ browser.LoadListener = (*Manager)(nil)

// OnLoadStart marks a page as navigating when the page itself started a
// load. While a manager navigation is dispatched on the page, the
// dispatching goroutine owns its load state and the event is ignored.
func (m *Manager) OnLoadStart(h browser.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.byHandle[h]
	if p == nil || p.dispatched > 0 {
		return
	}
	p.loadState = Navigating
}

// OnLoadFinish records a load the page finished on its own, such as a
// script redirect, and publishes PageLoaded. Repeats for the current URL
// are dropped.
func (m *Manager) OnLoadFinish(h browser.Handle, url string) {
	m.mu.Lock()
	p := m.byHandle[h]
	if p == nil || p.dispatched > 0 || (p.loadState == Loaded && p.url == url) {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	p.loadState = Loaded
	p.url = url
	p.lastNavigatedAt = now
	p.lastError = ""
	id := p.id
	m.mu.Unlock()

	m.log.Debug("page loaded on its own", zap.String("page_id", id), zap.String("url", url))
	m.publish(events.Event{Type: events.PageLoaded, Time: now, PageID: id, URL: url})
}

// OnLoadFail records a failed load the page started on its own and
// publishes PageLoadFailed.
func (m *Manager) OnLoadFail(h browser.Handle, url, code, description string) {
	m.mu.Lock()
	p := m.byHandle[h]
	if p == nil || p.dispatched > 0 {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	err := &NavigationError{PageID: p.id, URL: url, Code: code, Description: description}
	p.loadState = Failed
	p.url = url
	p.lastNavigatedAt = now
	p.lastError = err.Error()
	id := p.id
	m.mu.Unlock()

	m.log.Warn("page load failed on its own", zap.String("page_id", id), zap.Error(err))
	m.publish(events.Event{Type: events.PageLoadFailed, Time: now, PageID: id, URL: url, Error: err.Error(), ErrorCode: code})
}
