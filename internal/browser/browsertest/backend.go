// Package browsertest provides a scriptable in-memory browser.Backend.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shehryarbajwa/browser-orchestrator/internal/browser"
)

// Load records one LoadURL dispatch.
type Load struct {
	Handle browser.Handle
	URL    string
	At     time.Time
}

type contextState struct {
	partitionID string
	live        bool
}

// Backend is a fake browser.Backend. Loads succeed immediately unless the URL
// is gated or scripted to fail.
type Backend struct {
	mu         sync.Mutex
	next       int
	contexts   map[browser.Handle]*contextState
	gates      map[string]chan struct{}
	hangs      map[string]chan struct{}
	loadCtxs   []context.Context
	failures   map[string]error
	loads      []Load
	destroyed  []browser.Handle
	violations []string
	listener   browser.LoadListener
	dispatched chan Load
	createErr  error
	inFlight   int
	maxFlight  int
}

// New returns an empty fake backend.
func New() *Backend {
	return &Backend{
		contexts:   make(map[browser.Handle]*contextState),
		gates:      make(map[string]chan struct{}),
		hangs:      make(map[string]chan struct{}),
		failures:   make(map[string]error),
		dispatched: make(chan Load, 1024),
	}
}

// Gate makes loads of url block until the returned func is called or the
// load's context ends. Calling release more than once is safe.
func (b *Backend) Gate(url string) (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.gates[url] = ch
	b.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Fail makes loads of url fail with err.
func (b *Backend) Fail(url string, err error) {
	b.mu.Lock()
	b.failures[url] = err
	b.mu.Unlock()
}

// FailCreate makes CreateContext return err.
func (b *Backend) FailCreate(err error) {
	b.mu.Lock()
	b.createErr = err
	b.mu.Unlock()
}

// Dispatched delivers every load as it reaches the backend.
func (b *Backend) Dispatched() <-chan Load {
	return b.dispatched
}

// Loads returns the loads seen so far in dispatch order.
func (b *Backend) Loads() []Load {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Load(nil), b.loads...)
}

// Hang makes loads of url block until the returned func is called, ignoring
// their context like a wedged browser would.
func (b *Backend) Hang(url string) (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.hangs[url] = ch
	b.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// OpenLoadContexts counts contexts handed to LoadURL that have not ended.
func (b *Backend) OpenLoadContexts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ctx := range b.loadCtxs {
		if ctx.Err() == nil {
			n++
		}
	}
	return n
}

// MaxInFlight is the highest number of concurrent loads observed.
func (b *Backend) MaxInFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxFlight
}

// Live returns the number of contexts not yet destroyed.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.contexts {
		if c.live {
			n++
		}
	}
	return n
}

// Destroyed returns released handles in release order.
func (b *Backend) Destroyed() []browser.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]browser.Handle(nil), b.destroyed...)
}

// Violations lists misuse such as double release or use after release.
func (b *Backend) Violations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.violations...)
}

// SetLoadListener implements browser.EventSource.
func (b *Backend) SetLoadListener(l browser.LoadListener) {
	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()
}

// EmitLoadFinish reports a load the page started on its own.
func (b *Backend) EmitLoadFinish(h browser.Handle, url string) {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	if l != nil {
		l.OnLoadStart(h)
		l.OnLoadFinish(h, url)
	}
}

// EmitLoadFail reports a failed load the page started on its own.
func (b *Backend) EmitLoadFail(h browser.Handle, url, code string) {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	if l != nil {
		l.OnLoadStart(h)
		l.OnLoadFail(h, url, code, "")
	}
}

func (b *Backend) CreateContext(ctx context.Context, partitionID string, opts browser.ContextOptions) (browser.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return "", b.createErr
	}
	b.next++
	h := browser.Handle(fmt.Sprintf("ctx-%d", b.next))
	b.contexts[h] = &contextState{partitionID: partitionID, live: true}
	return h, nil
}

func (b *Backend) DestroyContext(ctx context.Context, h browser.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contexts[h]
	if !ok {
		b.violations = append(b.violations, fmt.Sprintf("release of unknown handle %s", h))
		return fmt.Errorf("%w: %s", browser.ErrUnknownHandle, h)
	}
	if !c.live {
		b.violations = append(b.violations, fmt.Sprintf("double release of %s", h))
		return fmt.Errorf("%w: %s", browser.ErrUnknownHandle, h)
	}
	c.live = false
	b.destroyed = append(b.destroyed, h)
	return nil
}

func (b *Backend) checkLive(h browser.Handle, op string) error {
	c, ok := b.contexts[h]
	if !ok || !c.live {
		b.violations = append(b.violations, fmt.Sprintf("%s on released handle %s", op, h))
		return fmt.Errorf("%w: %s", browser.ErrUnknownHandle, h)
	}
	return nil
}

func (b *Backend) LoadURL(ctx context.Context, h browser.Handle, url string, opts browser.LoadOptions) (browser.LoadResult, error) {
	b.mu.Lock()
	if err := b.checkLive(h, "load"); err != nil {
		b.mu.Unlock()
		return browser.LoadResult{}, err
	}
	load := Load{Handle: h, URL: url, At: time.Now()}
	b.loads = append(b.loads, load)
	b.inFlight++
	if b.inFlight > b.maxFlight {
		b.maxFlight = b.inFlight
	}
	b.loadCtxs = append(b.loadCtxs, ctx)
	gate := b.gates[url]
	hang := b.hangs[url]
	failure := b.failures[url]
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
	}()

	select {
	case b.dispatched <- load:
	default:
	}

	if hang != nil {
		<-hang
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return browser.LoadResult{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return browser.LoadResult{}, err
	}
	if failure != nil {
		return browser.LoadResult{}, failure
	}
	return browser.LoadResult{FinalURL: url, Title: "Title of " + url}, nil
}

func (b *Backend) ExecuteScript(ctx context.Context, h browser.Handle, code string) (interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLive(h, "execute"); err != nil {
		return nil, err
	}
	return map[string]interface{}{"handle": string(h), "script": code}, nil
}

// PNG is the payload CaptureScreenshot returns.
var PNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func (b *Backend) CaptureScreenshot(ctx context.Context, h browser.Handle, opts browser.ScreenshotOptions) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLive(h, "screenshot"); err != nil {
		return nil, err
	}
	return append([]byte(nil), PNG...), nil
}

func (b *Backend) Close() error {
	return nil
}
