package monitor

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// Sample is one reading of process resource usage.
type Sample struct {
	MemoryMB   float64   `json:"memoryMB"`
	CPUPercent float64   `json:"cpuPercent"`
	Time       time.Time `json:"time"`
}

// Sampler reads current resource usage.
type Sampler interface {
	Sample() (Sample, error)
}

// ProcSampler reads resident memory and CPU time of the current process
// from /proc. CPU percent is averaged over the time since the previous
// sample, so the first sample always reports 0.
type ProcSampler struct {
	fs procfs.FS

	mu      sync.Mutex
	lastCPU float64
	lastAt  time.Time
}

// NewProcSampler returns a sampler backed by the default procfs mount.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	if _, err := fs.Self(); err != nil {
		return nil, fmt.Errorf("read own process: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

// Sample implements Sampler.
func (s *ProcSampler) Sample() (Sample, error) {
	proc, err := s.fs.Self()
	if err != nil {
		return Sample{}, fmt.Errorf("read own process: %w", err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return Sample{}, fmt.Errorf("read process stat: %w", err)
	}

	now := time.Now()
	cpu := stat.CPUTime()

	s.mu.Lock()
	defer s.mu.Unlock()

	var pct float64
	if !s.lastAt.IsZero() {
		if wall := now.Sub(s.lastAt).Seconds(); wall > 0 {
			pct = (cpu - s.lastCPU) / wall * 100
		}
	}
	s.lastCPU = cpu
	s.lastAt = now

	return Sample{
		MemoryMB:   float64(stat.ResidentMemory()) / (1024 * 1024),
		CPUPercent: pct,
		Time:       now,
	}, nil
}

// RuntimeSampler is the fallback when /proc is unavailable. It reports
// memory obtained from the OS by the Go runtime and no CPU usage.
type RuntimeSampler struct{}

// Sample implements Sampler.
func (RuntimeSampler) Sample() (Sample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Sample{
		MemoryMB: float64(ms.Sys) / (1024 * 1024),
		Time:     time.Now(),
	}, nil
}

// DefaultSampler prefers ProcSampler and falls back to RuntimeSampler.
func DefaultSampler() Sampler {
	if s, err := NewProcSampler(); err == nil {
		return s
	}
	return RuntimeSampler{}
}
