// Package session owns the live pages, the navigation admission queue and the
// per-domain spacing of navigation starts. All shared state sits behind one
// mutex held only for short critical sections; waits happen outside it.
package session

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browser-orchestrator/internal/browser"
	"github.com/shehryarbajwa/browser-orchestrator/internal/config"
	"github.com/shehryarbajwa/browser-orchestrator/internal/events"
	"github.com/shehryarbajwa/browser-orchestrator/internal/logging"
	"github.com/shehryarbajwa/browser-orchestrator/internal/monitor"
	"github.com/shehryarbajwa/browser-orchestrator/internal/ratelimit"
)

// releaseTimeout bounds a single backend DestroyContext call.
const releaseTimeout = 30 * time.Second

// ResourceGate decides whether new pages may be created.
type ResourceGate interface {
	IsHealthy() bool
}

type thresholdSetter interface {
	SetThresholds(monitor.Thresholds)
}

type statsSource interface {
	Stats() monitor.Stats
}

type tickSource interface {
	OnTick(func())
}

type stopper interface {
	Stop()
}

// Options are the collaborators of a Manager.
type Options struct {
	Backend browser.Backend
	// Gate is consulted before every page creation. Nil admits everything.
	// A *monitor.Monitor also receives threshold updates, drives domain
	// pruning from its tick and is stopped on Shutdown.
	Gate      ResourceGate
	Publisher events.Publisher
	Logger    *zap.Logger
	// Limiter overrides the domain limiter built from the config.
	Limiter *ratelimit.DomainLimiter
}

// Manager manages pages and admits their navigations.
type Manager struct {
	backend browser.Backend
	gate    ResourceGate
	pub     events.Publisher
	log     *zap.Logger
	limiter *ratelimit.DomainLimiter

	mu       sync.Mutex
	cfg      config.ManagerConfig
	pages    map[string]*page
	byHandle map[browser.Handle]*page
	queue    *list.List
	active   int
	creating int
	closed   bool
	stats    Statistics

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager creates a manager for cfg.
func NewManager(cfg config.ManagerConfig, opts Options) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if opts.Backend == nil {
		return nil, errors.New("browsing backend is required")
	}

	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewDomainLimiter(cfg.DomainRateLimitDelay, cfg.MinDelayBetweenNavigations, cfg.DelayPolicy)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		backend:    opts.Backend,
		gate:       opts.Gate,
		pub:        opts.Publisher,
		log:        logging.OrNop(opts.Logger).Named("session"),
		limiter:    limiter,
		cfg:        cfg,
		pages:      make(map[string]*page),
		byHandle:   make(map[browser.Handle]*page),
		queue:      list.New(),
		baseCtx:    baseCtx,
		baseCancel: cancel,
	}

	if src, ok := opts.Backend.(browser.EventSource); ok {
		src.SetLoadListener(m)
	}
	if ts, ok := opts.Gate.(tickSource); ok {
		ts.OnTick(m.housekeep)
	}
	m.applyThresholds(cfg)
	return m, nil
}

// Config returns the active configuration.
func (m *Manager) Config() config.ManagerConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Create allocates a new browsing context and registers it as a page.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (Page, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Page{}, ErrShuttingDown
	}
	if m.gate != nil && !m.gate.IsHealthy() {
		m.stats.ResourceThresholdHits++
		m.mu.Unlock()
		m.log.Info("page creation rejected: resources unavailable")
		return Page{}, fmt.Errorf("%w: resource thresholds exceeded", ErrResourceUnavailable)
	}
	if live := len(m.pages) + m.creating; live >= m.cfg.MaxConcurrentPages {
		limit := m.cfg.MaxConcurrentPages
		m.mu.Unlock()
		m.log.Info("page creation rejected: limit reached", zap.Int("limit", limit))
		return Page{}, fmt.Errorf("%w: %d of %d pages in use", ErrLimitExceeded, live, limit)
	}
	m.creating++
	m.mu.Unlock()

	id := uuid.NewString()
	partition := opts.PartitionID
	if partition == "" {
		partition = id
	}

	handle, err := m.backend.CreateContext(ctx, partition, browser.ContextOptions{
		Metadata:       maps.Clone(opts.Metadata),
		UserAgent:      opts.UserAgent,
		ViewportWidth:  opts.ViewportWidth,
		ViewportHeight: opts.ViewportHeight,
	})

	m.mu.Lock()
	m.creating--
	if err != nil {
		m.mu.Unlock()
		m.log.Warn("failed to create browsing context", zap.Error(err))
		return Page{}, fmt.Errorf("create browsing context: %w", err)
	}
	if m.closed {
		m.mu.Unlock()
		m.releaseHandle(context.WithoutCancel(ctx), id, handle)
		return Page{}, ErrShuttingDown
	}

	p := &page{
		id:          id,
		partitionID: partition,
		handle:      handle,
		loadState:   Idle,
		createdAt:   time.Now(),
		metadata:    maps.Clone(opts.Metadata),
		requests:    make(map[*request]struct{}),
	}
	m.pages[id] = p
	m.byHandle[handle] = p
	m.stats.PagesCreated++
	snap := p.snapshot()
	m.mu.Unlock()

	m.log.Info("page created", zap.String("page_id", id), zap.String("partition_id", partition))
	m.publish(events.Event{Type: events.PageCreated, Time: snap.CreatedAt, PageID: id})
	return snap, nil
}

// Destroy cancels every navigation of the page, waits briefly for backend
// calls still using its handle and then releases the handle. The page is
// unreachable as soon as Destroy is called.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.pages[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.unregisterLocked(p)
	evs := m.cancelPageLocked(p, fmt.Errorf("%w: page %s destroyed", ErrCancelled, id))
	m.stats.PagesDestroyed++
	grace := m.cfg.DestroyGracePeriod
	m.mu.Unlock()

	m.publish(evs...)
	m.release(ctx, p, grace)

	m.log.Info("page destroyed", zap.String("page_id", id))
	m.publish(events.Event{Type: events.PageDestroyed, Time: time.Now(), PageID: id})
	return nil
}

func (m *Manager) unregisterLocked(p *page) {
	delete(m.pages, p.id)
	delete(m.byHandle, p.handle)
}

func (m *Manager) cancelPageLocked(p *page, cause error) []events.Event {
	var evs []events.Event
	for req := range p.requests {
		evs = append(evs, m.cancelLocked(req, cause)...)
	}
	return evs
}

// release waits up to grace for in-use backend calls and then destroys the
// page's browsing context. It runs exactly once per page, after the page was
// unregistered, so no new call can pin the handle. Calls still running when
// grace ends keep going until the backend returns them.
func (m *Manager) release(ctx context.Context, p *page, grace time.Duration) error {
	m.mu.Lock()
	var idle chan struct{}
	if p.busy > 0 {
		idle = make(chan struct{})
		p.idle = idle
	}
	m.mu.Unlock()

	if idle != nil && grace > 0 {
		t := time.NewTimer(grace)
		select {
		case <-idle:
		case <-t.C:
			m.log.Warn("releasing page with backend calls still running",
				zap.String("page_id", p.id),
				zap.Duration("grace", grace),
			)
		case <-ctx.Done():
		}
		t.Stop()
	}
	return m.releaseHandle(context.WithoutCancel(ctx), p.id, p.handle)
}

func (m *Manager) releaseHandle(ctx context.Context, id string, h browser.Handle) error {
	ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
	defer cancel()
	if err := m.backend.DestroyContext(ctx, h); err != nil {
		m.log.Error("failed to release browsing context", zap.String("page_id", id), zap.Error(err))
		return fmt.Errorf("release page %s: %w", id, err)
	}
	return nil
}

// Get returns a snapshot of one page.
func (m *Manager) Get(id string) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[id]
	if !ok {
		return Page{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.snapshot(), nil
}

// List returns snapshots of all live pages, oldest first.
func (m *Manager) List() []Page {
	m.mu.Lock()
	out := make([]Page, 0, len(m.pages))
	for _, p := range m.pages {
		out = append(out, p.snapshot())
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Page) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Statistics returns a copy of the counters.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	s := m.stats
	s.CurrentPages = len(m.pages)
	s.ActiveNavigations = m.active
	s.QueuedNavigations = m.queue.Len()
	m.mu.Unlock()

	s.TrackedDomains = m.limiter.Len()
	if src, ok := m.gate.(statsSource); ok {
		rs := src.Stats()
		s.Resources = &rs
	}
	return s
}

// UpdateConfig merges p into the active configuration. Only admission
// decisions made after the call see the new values; reservations already
// handed out keep their start times. Raising the navigation cap admits
// queued requests immediately.
func (m *Manager) UpdateConfig(p config.Partial) (config.ManagerConfig, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return config.ManagerConfig{}, ErrShuttingDown
	}
	next, err := m.cfg.Apply(p)
	if err != nil {
		cur := m.cfg
		m.mu.Unlock()
		return cur, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	m.cfg = next
	m.limiter.SetDelays(next.DomainRateLimitDelay, next.MinDelayBetweenNavigations, next.DelayPolicy)
	evs := m.drainLocked()
	m.mu.Unlock()

	m.applyThresholds(next)
	m.log.Info("config updated",
		zap.Int("max_pages", next.MaxConcurrentPages),
		zap.Int("max_navigations", next.MaxConcurrentNavigations),
		zap.Duration("domain_delay", next.DomainRateLimitDelay),
		zap.Duration("global_delay", next.MinDelayBetweenNavigations),
	)
	m.publish(append([]events.Event{{Type: events.ConfigUpdated, Time: time.Now()}}, evs...)...)
	return next, nil
}

func (m *Manager) applyThresholds(cfg config.ManagerConfig) {
	if ts, ok := m.gate.(thresholdSetter); ok {
		ts.SetThresholds(monitor.Thresholds{
			Enabled:       cfg.ResourceMonitoringEnabled,
			MaxMemoryMB:   cfg.MaxMemoryMB,
			MaxCPUPercent: cfg.MaxCPUPercent,
		})
	}
}

// housekeep drops domain spacing state nobody needs any more.
func (m *Manager) housekeep() {
	m.mu.Lock()
	idle := m.cfg.DomainStateMaxIdle
	m.mu.Unlock()
	if idle <= 0 {
		return
	}
	if n := m.limiter.Prune(idle); n > 0 {
		m.log.Debug("pruned idle domains", zap.Int("count", n))
	}
}

// Shutdown rejects every queued navigation with ErrShuttingDown, cancels
// those in flight, destroys all pages and stops the resource gate. Further
// calls return nil.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	var evs []events.Event
	for m.queue.Len() > 0 {
		req := m.queue.Front().Value.(*request)
		evs = append(evs, m.cancelLocked(req, fmt.Errorf("%w: navigation to %s rejected", ErrShuttingDown, req.url))...)
	}
	pages := make([]*page, 0, len(m.pages))
	for _, p := range m.pages {
		evs = append(evs, m.cancelPageLocked(p, fmt.Errorf("%w: page %s closing", ErrShuttingDown, p.id))...)
		pages = append(pages, p)
	}
	for _, p := range pages {
		m.unregisterLocked(p)
	}
	m.stats.PagesDestroyed += uint64(len(pages))
	grace := m.cfg.DestroyGracePeriod
	workers := int64(m.cfg.BatchConcurrency)
	m.mu.Unlock()

	m.publish(evs...)
	m.log.Info("shutting down", zap.Int("pages", len(pages)))

	sem := semaphore.NewWeighted(workers)
	var g errgroup.Group
	for _, p := range pages {
		// Every page is released even if ctx ends, so acquire cannot fail.
		_ = sem.Acquire(context.Background(), 1)
		g.Go(func() error {
			defer sem.Release(1)
			err := m.release(ctx, p, grace)
			m.publish(events.Event{Type: events.PageDestroyed, Time: time.Now(), PageID: p.id})
			return err
		})
	}
	releaseErr := g.Wait()

	m.baseCancel()
	idle := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(idle)
	}()
	var waitErr error
	select {
	case <-idle:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for navigations to stop: %w", ctx.Err())
	}

	if s, ok := m.gate.(stopper); ok {
		s.Stop()
	}
	m.log.Info("shutdown complete")
	return errors.Join(releaseErr, waitErr)
}

func (m *Manager) publish(evs ...events.Event) {
	if m.pub == nil {
		return
	}
	for _, ev := range evs {
		m.pub.Publish(ev)
	}
}
