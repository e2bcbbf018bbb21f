package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-orchestrator/internal/config"
)

const chromeErrorPrefix = "chrome-error://"

type rodContext struct {
	partitionID string
	incognito   *rod.Browser
	page        *rod.Page
	stopEvents  context.CancelFunc
}

// RodBackend drives a single Chrome instance over the DevTools protocol.
// Each browsing context is an incognito browser context holding one tab.
type RodBackend struct {
	cfg config.BrowserConfig
	log *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	launcher   *launcher.Launcher
	pool       *ContainerPool
	container  *Container
	contexts   map[Handle]*rodContext
	listener   LoadListener
}

// NewRodBackend creates a backend. Call Start before use.
func NewRodBackend(cfg config.BrowserConfig, log *zap.Logger) *RodBackend {
	return &RodBackend{
		cfg:      cfg,
		log:      log.Named("browser"),
		contexts: make(map[Handle]*rodContext),
	}
}

// Start launches or connects to Chrome according to the configured mode.
func (b *RodBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		return nil
	}

	var controlURL string
	switch b.cfg.Mode {
	case "remote":
		u, err := launcher.ResolveURL(b.cfg.ControlURL)
		if err != nil {
			return fmt.Errorf("resolve control url %s: %w", b.cfg.ControlURL, err)
		}
		controlURL = u

	case "docker":
		pool, err := NewContainerPool(b.cfg.DockerImage, b.log)
		if err != nil {
			return err
		}
		if err := pool.EnsureImage(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("ensure image %s: %w", b.cfg.DockerImage, err)
		}
		c, err := pool.Launch(ctx, uuid.NewString())
		if err != nil {
			pool.Close()
			return err
		}
		u, err := launcher.ResolveURL(c.Endpoint)
		if err != nil {
			_ = pool.Stop(context.Background(), c.ID)
			pool.Close()
			return fmt.Errorf("resolve container endpoint %s: %w", c.Endpoint, err)
		}
		b.pool = pool
		b.container = c
		controlURL = u

	default:
		l := launcher.New().Context(ctx).Headless(b.cfg.Headless)
		if b.cfg.Bin != "" {
			l = l.Bin(b.cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		b.launcher = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	b.browser = browser
	b.controlURL = controlURL
	b.log.Info("connected to chrome",
		zap.String("mode", b.cfg.Mode),
		zap.String("control_url", controlURL),
	)
	return nil
}

// ControlURL returns the DevTools websocket URL of the connected browser.
func (b *RodBackend) ControlURL() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.controlURL
}

// Ping checks that Chrome still answers and, in docker mode, that its
// container is running.
func (b *RodBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	browser, pool, c := b.browser, b.pool, b.container
	b.mu.RUnlock()
	if browser == nil {
		return fmt.Errorf("browser not connected")
	}
	if pool != nil && c != nil && !pool.IsHealthy(ctx, c.ID) {
		return fmt.Errorf("browser container %s is not running", c.ID[:min(12, len(c.ID))])
	}
	if _, err := (proto.BrowserGetVersion{}).Call(browser.Context(ctx)); err != nil {
		return fmt.Errorf("browser version: %w", err)
	}
	return nil
}

// SetLoadListener registers l for loads observed on any context.
func (b *RodBackend) SetLoadListener(l LoadListener) {
	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()
}

func (b *RodBackend) CreateContext(ctx context.Context, partitionID string, opts ContextOptions) (Handle, error) {
	b.mu.RLock()
	browser := b.browser
	listener := b.listener
	b.mu.RUnlock()
	if browser == nil {
		return "", fmt.Errorf("browser not connected")
	}

	incognito, err := browser.Context(ctx).Incognito()
	if err != nil {
		return "", fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		b.dispose(incognito)
		return "", fmt.Errorf("create page: %w", err)
	}

	width, height := opts.ViewportWidth, opts.ViewportHeight
	if width == 0 {
		width = b.cfg.ViewportWidth
	}
	if height == 0 {
		height = b.cfg.ViewportHeight
	}
	if width > 0 && height > 0 {
		if err := (proto.EmulationSetDeviceMetricsOverride{
			Width:             width,
			Height:            height,
			DeviceScaleFactor: 1.0,
		}).Call(page); err != nil {
			b.log.Warn("failed to set viewport", zap.Error(err))
		}
	}
	if opts.UserAgent != "" {
		if err := (proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent}).Call(page); err != nil {
			b.log.Warn("failed to set user agent", zap.Error(err))
		}
	}

	h := Handle(uuid.NewString())
	rc := &rodContext{partitionID: partitionID, incognito: incognito, page: page}
	if listener != nil {
		evCtx, cancel := context.WithCancel(context.Background())
		rc.stopEvents = cancel
		go b.watchLoads(evCtx, h, page, listener)
	}

	b.mu.Lock()
	b.contexts[h] = rc
	b.mu.Unlock()
	return h, nil
}

func (b *RodBackend) watchLoads(ctx context.Context, h Handle, page *rod.Page, l LoadListener) {
	page.Context(ctx).EachEvent(
		func(ev *proto.PageFrameStartedLoading) {
			if ev.FrameID == page.FrameID {
				l.OnLoadStart(h)
			}
		},
		func(ev *proto.PageFrameNavigated) {
			if ev.Frame.ParentID != "" {
				return
			}
			if strings.HasPrefix(ev.Frame.URL, chromeErrorPrefix) {
				l.OnLoadFail(h, ev.Frame.UnreachableURL, "net_error", "")
				return
			}
			l.OnLoadFinish(h, ev.Frame.URL)
		},
	)()
}

func (b *RodBackend) lookup(h Handle) (*rodContext, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rc, ok := b.contexts[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return rc, nil
}

func (b *RodBackend) DestroyContext(ctx context.Context, h Handle) error {
	b.mu.Lock()
	rc, ok := b.contexts[h]
	delete(b.contexts, h)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}

	if rc.stopEvents != nil {
		rc.stopEvents()
	}
	if err := rc.page.Context(ctx).Close(); err != nil {
		b.log.Debug("close page", zap.String("handle", string(h)), zap.Error(err))
	}
	return b.dispose(rc.incognito)
}

func (b *RodBackend) dispose(incognito *rod.Browser) error {
	b.mu.RLock()
	browser := b.browser
	b.mu.RUnlock()
	if browser == nil {
		return nil
	}
	err := proto.TargetDisposeBrowserContext{BrowserContextID: incognito.BrowserContextID}.Call(browser)
	if err != nil {
		return fmt.Errorf("dispose browser context: %w", err)
	}
	return nil
}

func (b *RodBackend) LoadURL(ctx context.Context, h Handle, url string, opts LoadOptions) (LoadResult, error) {
	rc, err := b.lookup(h)
	if err != nil {
		return LoadResult{}, err
	}

	// Cancelling on return also unregisters the lifecycle waiter below when
	// the load fails before it fires.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	page := rc.page.Context(ctx)

	var wait func()
	switch opts.WaitUntil {
	case WaitNone:
	case WaitDOMContentLoaded:
		wait = page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	default:
		wait = page.WaitNavigation(proto.PageLifecycleEventNameLoad)
	}

	res, err := proto.PageNavigate{URL: url, Referrer: opts.Referrer}.Call(page)
	if err != nil {
		if ctx.Err() != nil {
			return LoadResult{}, ctx.Err()
		}
		return LoadResult{}, &LoadError{URL: url, Code: "navigate_failed", Err: err}
	}
	if res.ErrorText != "" {
		return LoadResult{}, &LoadError{URL: url, Code: res.ErrorText}
	}
	if wait != nil {
		wait()
	}
	if ctx.Err() != nil {
		return LoadResult{}, ctx.Err()
	}

	info, err := page.Info()
	if err != nil {
		return LoadResult{FinalURL: url}, nil
	}
	if strings.HasPrefix(info.URL, chromeErrorPrefix) {
		return LoadResult{}, &LoadError{URL: url, Code: "net_error", Description: info.Title}
	}
	return LoadResult{FinalURL: info.URL, Title: info.Title}, nil
}

func (b *RodBackend) ExecuteScript(ctx context.Context, h Handle, code string) (interface{}, error) {
	rc, err := b.lookup(h)
	if err != nil {
		return nil, err
	}
	obj, err := rc.page.Context(ctx).Eval(code)
	if err != nil {
		return nil, fmt.Errorf("evaluate script: %w", err)
	}
	return obj.Value.Val(), nil
}

func (b *RodBackend) CaptureScreenshot(ctx context.Context, h Handle, opts ScreenshotOptions) ([]byte, error) {
	rc, err := b.lookup(h)
	if err != nil {
		return nil, err
	}
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if opts.Format == "jpeg" {
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		if opts.Quality > 0 {
			q := opts.Quality
			req.Quality = &q
		}
	}
	data, err := rc.page.Context(ctx).Screenshot(opts.FullPage, req)
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return data, nil
}

// Close releases every remaining context and the browser itself.
func (b *RodBackend) Close() error {
	b.mu.Lock()
	contexts := b.contexts
	b.contexts = make(map[Handle]*rodContext)
	browser := b.browser
	b.mu.Unlock()

	for h, rc := range contexts {
		if rc.stopEvents != nil {
			rc.stopEvents()
		}
		if err := rc.page.Close(); err != nil {
			b.log.Debug("close page", zap.String("handle", string(h)), zap.Error(err))
		}
	}

	var closeErr error
	if browser != nil {
		closeErr = browser.Close()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.browser = nil
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher.Cleanup()
		b.launcher = nil
	}
	if b.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := b.pool.Stop(ctx, b.container.ID); err != nil {
			b.log.Warn("failed to stop chrome container", zap.Error(err))
		}
		b.pool.Close()
		b.pool = nil
	}
	return closeErr
}
