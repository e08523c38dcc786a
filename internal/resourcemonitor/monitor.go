// Package resourcemonitor periodically samples host memory and VRAM usage
// and drives eviction when either crosses a configurable watermark.
package resourcemonitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/modelfleet/node/internal/logging"
)

// Usage is one sample of system resource consumption.
type Usage struct {
	MemUsedBytes   uint64
	MemTotalBytes  uint64
	VRAMUsedBytes  uint64
	VRAMTotalBytes uint64
}

// Provider yields a fresh Usage sample. The default implementation
// (gopsutilProvider) is backed by gopsutil for host memory and nvidia-smi
// for VRAM; tests substitute a fake.
type Provider interface {
	Sample(ctx context.Context) (Usage, error)
}

type gopsutilProvider struct {
	gpu GPUInfo
}

// NewProvider returns the production Provider: gopsutil for host memory,
// nvidia-smi (when present) for VRAM.
func NewProvider() Provider {
	return &gopsutilProvider{gpu: DetectGPU()}
}

func (p *gopsutilProvider) Sample(ctx context.Context) (Usage, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}

	u := Usage{MemUsedBytes: vm.Used, MemTotalBytes: vm.Total}
	if p.gpu.Vendor == "nvidia" {
		if used, total, ok := nvidiaSMIVRAM(ctx); ok {
			u.VRAMUsedBytes, u.VRAMTotalBytes = used, total
		}
	}
	return u, nil
}

// EvictFunc is the callback invoked when a watermark is exceeded. It
// returns whether it performed an eviction, so the monitor can retry (up
// to maxRetriesPerTick) if usage is still over the watermark.
type EvictFunc func() bool

// Monitor runs the periodic sample-and-evict loop.
type Monitor struct {
	provider  Provider
	period    time.Duration
	watermark float64
	evict     EvictFunc
	log       logging.Logger

	maxRetriesPerTick int

	mu     sync.RWMutex
	latest Usage

	stop chan struct{}
	done chan struct{}

	running atomic.Bool
}

// Config configures a Monitor. Watermark defaults to 0.9 and Period to 2s
// when left zero.
type Config struct {
	Period            time.Duration
	Watermark         float64
	MaxRetriesPerTick int
}

// New constructs a Monitor. It does not start sampling until Run is called.
func New(provider Provider, cfg Config, evict EvictFunc, log logging.Logger) *Monitor {
	if cfg.Period <= 0 {
		cfg.Period = 2 * time.Second
	}
	if cfg.Watermark <= 0 {
		cfg.Watermark = 0.9
	}
	if cfg.MaxRetriesPerTick <= 0 {
		cfg.MaxRetriesPerTick = 3
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Monitor{
		provider:          provider,
		period:            cfg.Period,
		watermark:         cfg.Watermark,
		maxRetriesPerTick: cfg.MaxRetriesPerTick,
		evict:             evict,
		log:               log,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Run blocks, sampling every Period until ctx is cancelled or Stop is
// called. It is meant to be run on its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer close(m.done)

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to do so.
func (m *Monitor) Stop() {
	if m.running.Load() {
		close(m.stop)
		<-m.done
	}
}

func (m *Monitor) tick(ctx context.Context) {
	usage, err := m.provider.Sample(ctx)
	if err != nil {
		m.log.Warn("resource sample failed", "error", err)
		return
	}

	m.mu.Lock()
	m.latest = usage
	m.mu.Unlock()

	for attempt := 0; attempt < m.maxRetriesPerTick; attempt++ {
		if !m.overWatermark(usage) {
			return
		}
		if m.evict == nil || !m.evict() {
			return
		}
		usage, err = m.provider.Sample(ctx)
		if err != nil {
			return
		}
		m.mu.Lock()
		m.latest = usage
		m.mu.Unlock()
	}
}

func (m *Monitor) overWatermark(u Usage) bool {
	if u.MemTotalBytes > 0 && float64(u.MemUsedBytes)/float64(u.MemTotalBytes) >= m.watermark {
		return true
	}
	if u.VRAMTotalBytes > 0 && float64(u.VRAMUsedBytes)/float64(u.VRAMTotalBytes) >= m.watermark {
		return true
	}
	return false
}

// SampleNow takes an immediate sample and stores it as the latest, without
// running the watermark/eviction check. Useful for seeding LatestUsage in
// tests or right after startup, before the periodic loop has ticked.
func (m *Monitor) SampleNow(ctx context.Context) (Usage, error) {
	usage, err := m.provider.Sample(ctx)
	if err != nil {
		return Usage{}, err
	}
	m.mu.Lock()
	m.latest = usage
	m.mu.Unlock()
	return usage, nil
}

// LatestUsage returns the most recent sample, for publishing in heartbeats.
func (m *Monitor) LatestUsage() Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}
