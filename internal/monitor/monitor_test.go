package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shehryarbajwa/browser-orchestrator/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type scriptedSampler struct {
	mu      sync.Mutex
	samples []Sample
	err     error
	calls   int
}

func (s *scriptedSampler) Sample() (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return Sample{}, s.err
	}
	if len(s.samples) == 0 {
		return Sample{Time: time.Now()}, nil
	}
	next := s.samples[0]
	if len(s.samples) > 1 {
		s.samples = s.samples[1:]
	}
	next.Time = time.Now()
	return next, nil
}

func (s *scriptedSampler) set(samples ...Sample) {
	s.mu.Lock()
	s.samples = samples
	s.mu.Unlock()
}

func (s *scriptedSampler) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var limits = Thresholds{Enabled: true, MaxMemoryMB: 100, MaxCPUPercent: 50}

func TestHealthyBeforeFirstSample(t *testing.T) {
	m := New(&scriptedSampler{}, time.Hour, limits, nil, nil)
	assert.True(t, m.IsHealthy())
}

func TestHealthPredicate(t *testing.T) {
	tests := []struct {
		name    string
		sample  Sample
		healthy bool
	}{
		{name: "under both", sample: Sample{MemoryMB: 50, CPUPercent: 10}, healthy: true},
		{name: "at the limits", sample: Sample{MemoryMB: 100, CPUPercent: 50}, healthy: true},
		{name: "memory over", sample: Sample{MemoryMB: 101, CPUPercent: 10}, healthy: false},
		{name: "cpu over", sample: Sample{MemoryMB: 10, CPUPercent: 51}, healthy: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &scriptedSampler{}
			s.set(tt.sample)
			m := New(s, time.Hour, limits, nil, nil)
			m.SampleNow()
			assert.Equal(t, tt.healthy, m.IsHealthy())
		})
	}
}

func TestWarningOncePerCrossing(t *testing.T) {
	s := &scriptedSampler{}
	sub := events.NewChannelSubscriber(16)
	bus := events.NewBus(nil)
	bus.Subscribe(sub)
	m := New(s, time.Hour, limits, bus, nil)

	s.set(
		Sample{MemoryMB: 200},
		Sample{MemoryMB: 300},
		Sample{MemoryMB: 250},
		Sample{MemoryMB: 10},
		Sample{MemoryMB: 500},
	)
	for i := 0; i < 5; i++ {
		m.SampleNow()
	}

	var got []events.Type
	for len(sub.Events()) > 0 {
		got = append(got, (<-sub.Events()).Type)
	}
	assert.Equal(t, []events.Type{events.ResourceWarning, events.ResourceRecovered, events.ResourceWarning}, got)
	assert.Equal(t, uint64(2), m.Stats().Warnings)
}

func TestPeakTracking(t *testing.T) {
	s := &scriptedSampler{}
	s.set(Sample{MemoryMB: 10, CPUPercent: 40}, Sample{MemoryMB: 30, CPUPercent: 5}, Sample{MemoryMB: 20, CPUPercent: 1})
	m := New(s, time.Hour, limits, nil, nil)
	for i := 0; i < 3; i++ {
		m.SampleNow()
	}

	stats := m.Stats()
	assert.Equal(t, 20.0, stats.Current.MemoryMB)
	assert.Equal(t, 30.0, stats.Peak.MemoryMB)
	assert.Equal(t, 40.0, stats.Peak.CPUPercent)
	assert.Equal(t, uint64(3), stats.Samples)
}

func TestDisabledIsAlwaysHealthy(t *testing.T) {
	s := &scriptedSampler{}
	s.set(Sample{MemoryMB: 1e6})
	m := New(s, time.Hour, Thresholds{Enabled: false, MaxMemoryMB: 1, MaxCPUPercent: 1}, nil, nil)
	m.SampleNow()
	assert.True(t, m.IsHealthy())
}

func TestSetThresholdsReevaluates(t *testing.T) {
	s := &scriptedSampler{}
	s.set(Sample{MemoryMB: 80})
	sub := events.NewChannelSubscriber(4)
	bus := events.NewBus(nil)
	bus.Subscribe(sub)
	m := New(s, time.Hour, limits, bus, nil)
	m.SampleNow()
	require.True(t, m.IsHealthy())

	m.SetThresholds(Thresholds{Enabled: true, MaxMemoryMB: 50, MaxCPUPercent: 50})
	assert.False(t, m.IsHealthy())
	require.Len(t, sub.Events(), 1)
	assert.Equal(t, events.ResourceWarning, (<-sub.Events()).Type)

	m.SetThresholds(Thresholds{Enabled: false})
	assert.True(t, m.IsHealthy())
}

func TestSampleErrorsCounted(t *testing.T) {
	m := New(&scriptedSampler{err: errors.New("no proc")}, time.Hour, limits, nil, nil)
	m.SampleNow()
	assert.Equal(t, uint64(1), m.Stats().Errors)
	assert.True(t, m.IsHealthy())
}

func TestStartStopLoop(t *testing.T) {
	s := &scriptedSampler{}
	m := New(s, 5*time.Millisecond, limits, nil, nil)

	var ticks sync.WaitGroup
	ticks.Add(1)
	var once sync.Once
	m.OnTick(func() { once.Do(ticks.Done) })

	m.Start(context.Background())
	m.Start(context.Background())
	ticks.Wait()
	m.Stop()
	m.Stop()

	assert.GreaterOrEqual(t, s.Calls(), 2)
}

func TestRuntimeSampler(t *testing.T) {
	s, err := RuntimeSampler{}.Sample()
	require.NoError(t, err)
	assert.Greater(t, s.MemoryMB, 0.0)
}
