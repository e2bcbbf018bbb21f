// Package monitor samples process memory and CPU on a timer and gates new
// admissions on those readings staying under configured thresholds.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-orchestrator/internal/events"
	"github.com/shehryarbajwa/browser-orchestrator/internal/logging"
)

// DefaultInterval is the sampling period used when none is configured.
const DefaultInterval = 5 * time.Second

// Thresholds configures the health predicate.
type Thresholds struct {
	Enabled       bool
	MaxMemoryMB   float64
	MaxCPUPercent float64
}

// Stats is a copy of the monitor's counters.
type Stats struct {
	Current  Sample `json:"current"`
	Peak     Sample `json:"peak"`
	Healthy  bool   `json:"healthy"`
	Samples  uint64 `json:"samples"`
	Warnings uint64 `json:"warnings"`
	Errors   uint64 `json:"errors"`
}

// Monitor periodically samples resource usage. It never touches pages or
// queues; it only publishes resource-warning and resource-recovered events.
type Monitor struct {
	sampler  Sampler
	interval time.Duration
	pub      events.Publisher
	log      *zap.Logger

	mu         sync.RWMutex
	thresholds Thresholds
	current    Sample
	peak       Sample
	healthy    bool
	samples    uint64
	warnings   uint64
	errors     uint64
	hooks      []func()

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped monitor. A nil publisher discards events.
func New(sampler Sampler, interval time.Duration, th Thresholds, pub events.Publisher, log *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if sampler == nil {
		sampler = DefaultSampler()
	}
	return &Monitor{
		sampler:    sampler,
		interval:   interval,
		pub:        pub,
		log:        logging.OrNop(log).Named("monitor"),
		thresholds: th,
		healthy:    true,
	}
}

// Start launches the sampling loop. Calling Start on a running monitor is
// a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	m.SampleNow()
	go m.loop(ctx, m.done)
	m.log.Info("resource monitor started", zap.Duration("interval", m.interval))
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
	m.log.Info("resource monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SampleNow()
			m.runHooks()
		}
	}
}

// OnTick registers fn to run after every periodic sample. Hooks run on the
// sampling goroutine.
func (m *Monitor) OnTick(fn func()) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

func (m *Monitor) runHooks() {
	m.mu.RLock()
	hooks := append([]func(){}, m.hooks...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// SampleNow takes one sample and updates health immediately.
func (m *Monitor) SampleNow() {
	s, err := m.sampler.Sample()
	if err != nil {
		m.mu.Lock()
		m.errors++
		m.mu.Unlock()
		m.log.Warn("resource sample failed", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.samples++
	m.current = s
	if s.MemoryMB > m.peak.MemoryMB {
		m.peak.MemoryMB = s.MemoryMB
		m.peak.Time = s.Time
	}
	if s.CPUPercent > m.peak.CPUPercent {
		m.peak.CPUPercent = s.CPUPercent
		m.peak.Time = s.Time
	}
	ev := m.evaluateLocked()
	m.mu.Unlock()

	m.publish(ev)
}

// SetThresholds replaces the thresholds and re-evaluates health against the
// latest sample.
func (m *Monitor) SetThresholds(th Thresholds) {
	m.mu.Lock()
	m.thresholds = th
	var ev *events.Event
	if m.samples > 0 {
		ev = m.evaluateLocked()
	} else if !th.Enabled {
		m.healthy = true
	}
	m.mu.Unlock()

	m.publish(ev)
}

// evaluateLocked updates m.healthy and returns an event only when health
// crosses between healthy and unhealthy.
func (m *Monitor) evaluateLocked() *events.Event {
	th := m.thresholds
	if !th.Enabled {
		m.healthy = true
		return nil
	}

	healthy := m.current.MemoryMB <= th.MaxMemoryMB && m.current.CPUPercent <= th.MaxCPUPercent
	if healthy == m.healthy {
		return nil
	}
	m.healthy = healthy

	ev := &events.Event{
		Time: m.current.Time,
		Resources: &events.Resources{
			MemoryMB:      m.current.MemoryMB,
			CPUPercent:    m.current.CPUPercent,
			MaxMemoryMB:   th.MaxMemoryMB,
			MaxCPUPercent: th.MaxCPUPercent,
		},
	}
	if healthy {
		ev.Type = events.ResourceRecovered
	} else {
		ev.Type = events.ResourceWarning
		m.warnings++
	}
	return ev
}

func (m *Monitor) publish(ev *events.Event) {
	if ev == nil {
		return
	}
	fields := []zap.Field{
		zap.Float64("memory_mb", ev.Resources.MemoryMB),
		zap.Float64("cpu_percent", ev.Resources.CPUPercent),
	}
	if ev.Type == events.ResourceWarning {
		m.log.Warn("resource threshold exceeded", fields...)
	} else {
		m.log.Info("resource usage back under thresholds", fields...)
	}
	if m.pub != nil {
		m.pub.Publish(*ev)
	}
}

// IsHealthy reports whether new admissions may proceed. It never blocks on
// sampling.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.thresholds.Enabled || m.healthy
}

// Stats returns a copy of the current readings and counters.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Current:  m.current,
		Peak:     m.peak,
		Healthy:  !m.thresholds.Enabled || m.healthy,
		Samples:  m.samples,
		Warnings: m.warnings,
		Errors:   m.errors,
	}
}
