package session

import (
	"context"
	"fmt"

	"github.com/shehryarbajwa/browser-orchestrator/internal/browser"
)

// acquire pins a page's handle for one backend call. The returned release
// func must be called when the call returns.
func (m *Manager) acquire(pageID string) (browser.Handle, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", nil, ErrShuttingDown
	}
	p, ok := m.pages[pageID]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, pageID)
	}
	p.busy++
	return p.handle, func() {
		m.mu.Lock()
		m.unpinLocked(p)
		m.mu.Unlock()
	}, nil
}

// unpinLocked ends one backend call on p's handle.
func (m *Manager) unpinLocked(p *page) {
	p.busy--
	if p.busy == 0 && p.idle != nil {
		close(p.idle)
		p.idle = nil
	}
}

// ExecuteScript evaluates code in the page and returns its JSON value.
func (m *Manager) ExecuteScript(ctx context.Context, pageID, code string) (interface{}, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty script", ErrValidation)
	}
	h, done, err := m.acquire(pageID)
	if err != nil {
		return nil, err
	}
	defer done()

	v, err := m.backend.ExecuteScript(ctx, h, code)
	if err != nil {
		return nil, fmt.Errorf("execute script on page %s: %w", pageID, err)
	}
	return v, nil
}

// CaptureScreenshot returns an image of the page.
func (m *Manager) CaptureScreenshot(ctx context.Context, pageID string, opts browser.ScreenshotOptions) ([]byte, error) {
	switch opts.Format {
	case "", "png", "jpeg":
	default:
		return nil, fmt.Errorf("%w: unsupported screenshot format %q", ErrValidation, opts.Format)
	}
	h, done, err := m.acquire(pageID)
	if err != nil {
		return nil, err
	}
	defer done()

	data, err := m.backend.CaptureScreenshot(ctx, h, opts)
	if err != nil {
		return nil, fmt.Errorf("capture screenshot of page %s: %w", pageID, err)
	}
	return data, nil
}
