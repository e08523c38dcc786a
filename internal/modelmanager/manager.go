// Package modelmanager owns the lifetime of every loaded model: on-demand
// loading with single-flight guarantees, LRU eviction, idle-timeout
// unload, and VRAM budget admission.
package modelmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/modelfleet/node/internal/engine"
	"github.com/modelfleet/node/internal/logging"
	"github.com/modelfleet/node/internal/nodeerr"
	"github.com/modelfleet/node/internal/resourcemonitor"
	"github.com/modelfleet/node/internal/storage"
)

// Resolver produces a descriptor for a model name, bridging to the Model
// Resolver component. Accepting it as an interface keeps the manager
// decoupled from resolver's sync/download machinery.
type Resolver interface {
	Resolve(ctx context.Context, name string) (*storage.ModelDescriptor, error)
}

// Registry selects an engine for a descriptor+capability pair.
type Registry interface {
	ResolveEngine(desc *storage.ModelDescriptor, capability storage.Capability) (engine.Engine, bool)
}

// loadedModel is a model currently resident in the manager, mirroring
// spec §3's LoadedModel.
type loadedModel struct {
	name          string
	descriptor    *storage.ModelDescriptor
	eng           engine.Engine
	engineID      string
	vramBytes     uint64
	lastUsedAt    time.Time
	inFlightCount int64
	pendingUnload bool
	loadGen       uint64
}

// Config holds the manager's runtime-adjustable budgets.
type Config struct {
	IdleTimeout     time.Duration
	MaxLoadedModels int
	MaxMemoryBytes  uint64
}

// Manager owns every LoadedModel. All mutation of the table (load, unload,
// last-used-at) is exclusive; Handle release paths only ever decrement a
// counter, so they never need the table lock held across an engine call.
type Manager struct {
	mu     sync.Mutex
	models map[string]*loadedModel

	cfgMu sync.RWMutex
	cfg   Config

	resolver Resolver
	registry Registry
	monitor  *resourcemonitor.Monitor
	log      logging.Logger

	group singleflight.Group

	idleStop chan struct{}
	idleDone chan struct{}
}

// New constructs a Manager. Call Run to start its idle-unload background
// loop; Close to stop it and unload everything.
func New(resolver Resolver, registry Registry, monitor *resourcemonitor.Monitor, cfg Config, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		models:   make(map[string]*loadedModel),
		cfg:      cfg,
		resolver: resolver,
		registry: registry,
		monitor:  monitor,
		log:      log,
		idleStop: make(chan struct{}),
		idleDone: make(chan struct{}),
	}
}

// Handle is a scoped, reference-counted borrow of a loaded model. Release
// must be called exactly once; it decrements in_flight_count and, if a
// deferred unload is pending and the counter reaches zero, completes it.
type Handle struct {
	mgr      *Manager
	name     string
	released atomic.Bool

	Descriptor *storage.ModelDescriptor
	Engine     engine.Engine
}

// Release ends the handle's hold on the model. Calling it more than once
// is a no-op (idempotent, matching a defer-heavy calling convention).
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.mgr.release(h.name)
}

// Acquire resolves name, performs a single-flight load if not already
// resident, bumps its in-flight counter, and returns a Handle. Concurrent
// Acquire calls for the same name observe exactly one engine.LoadModel
// invocation and share its outcome.
func (m *Manager) Acquire(ctx context.Context, name string, capability storage.Capability) (*Handle, error) {
	m.mu.Lock()
	if lm, ok := m.models[name]; ok && !lm.pendingUnload {
		lm.lastUsedAt = time.Now()
		atomic.AddInt64(&lm.inFlightCount, 1)
		m.mu.Unlock()
		return &Handle{mgr: m, name: name, Descriptor: lm.descriptor, Engine: lm.eng}, nil
	}
	m.mu.Unlock()

	result, err, _ := m.group.Do(name, func() (any, error) {
		return m.load(ctx, name, capability)
	})
	if err != nil {
		return nil, err
	}

	lm := result.(*loadedModel)
	atomic.AddInt64(&lm.inFlightCount, 1)
	return &Handle{mgr: m, name: name, Descriptor: lm.descriptor, Engine: lm.eng}, nil
}

// load performs the actual resolve → registry → admission → engine.LoadModel
// sequence. Only one goroutine per name ever runs this at a time, via
// singleflight.
func (m *Manager) load(ctx context.Context, name string, capability storage.Capability) (*loadedModel, error) {
	m.mu.Lock()
	if lm, ok := m.models[name]; ok && !lm.pendingUnload {
		m.mu.Unlock()
		return lm, nil
	}
	m.mu.Unlock()

	desc, err := m.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	eng, ok := m.registry.ResolveEngine(desc, capability)
	if !ok {
		return nil, nodeerr.New(nodeerr.KindUnsupported, "no engine supports model %q for capability %q", name, capability)
	}

	need, err := eng.GetModelVramBytes(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("querying required vram for %q: %w", name, err)
	}

	if err := m.admit(ctx, name, need); err != nil {
		return nil, err
	}

	result := eng.LoadModel(ctx, desc)
	if !result.Success {
		return nil, nodeerr.New(mapEngineCode(result.Code), "%s", result.Message)
	}

	lm := &loadedModel{
		name:       name,
		descriptor: desc,
		eng:        eng,
		vramBytes:  need,
		lastUsedAt: time.Now(),
	}

	m.mu.Lock()
	m.models[name] = lm
	m.mu.Unlock()

	return lm, nil
}

// admit enforces the VRAM budget and max_loaded_models cap, evicting LRU
// models with no in-flight requests as needed before a new load proceeds.
func (m *Manager) admit(ctx context.Context, name string, need uint64) error {
	m.cfgMu.RLock()
	cfg := m.cfg
	m.cfgMu.RUnlock()

	if m.monitor != nil && need > 0 {
		usage := m.monitor.LatestUsage()
		if usage.VRAMTotalBytes > 0 {
			available := usage.VRAMTotalBytes - usage.VRAMUsedBytes
			if need > available {
				return nodeerr.New(nodeerr.KindResourceExhausted, "VRAM insufficient for %q: need %d, available %d", name, need, available)
			}
		}
	}

	if cfg.MaxMemoryBytes > 0 {
		used := m.memoryUsageBytes()
		if used+need > cfg.MaxMemoryBytes {
			return nodeerr.New(nodeerr.KindResourceExhausted, "loading %q would exceed memory budget (%d+%d > %d)", name, used, need, cfg.MaxMemoryBytes)
		}
	}

	if cfg.MaxLoadedModels > 0 {
		for m.countLoaded() >= cfg.MaxLoadedModels {
			victim, ok := m.getLeastRecentlyUsedModel()
			if !ok {
				return nodeerr.New(nodeerr.KindResourceExhausted, "max_loaded_models (%d) reached and no model is evictable", cfg.MaxLoadedModels)
			}
			if err := m.unloadNow(victim); err != nil {
				return err
			}
		}
	}

	return nil
}

func mapEngineCode(c engine.Code) nodeerr.Kind {
	switch c {
	case engine.CodeInvalidArgument:
		return nodeerr.KindInvalidArgument
	case engine.CodeNotFound:
		return nodeerr.KindNotFound
	case engine.CodeUnsupported:
		return nodeerr.KindUnsupported
	case engine.CodeUnavailable:
		return nodeerr.KindUnavailable
	case engine.CodeResourceExhausted:
		return nodeerr.KindResourceExhausted
	case engine.CodeTimeout:
		return nodeerr.KindTimeout
	case engine.CodeCancelled:
		return nodeerr.KindCancelled
	default:
		return nodeerr.KindInternal
	}
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	lm, ok := m.models[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	remaining := atomic.AddInt64(&lm.inFlightCount, -1)
	shouldUnload := remaining == 0 && lm.pendingUnload
	m.mu.Unlock()

	if shouldUnload {
		_ = m.unloadNow(name)
	}
}

// UnloadModel marks name for unload. If nothing currently holds a handle
// to it, it is destroyed immediately; otherwise the unload is deferred
// until the last handle releases.
func (m *Manager) UnloadModel(name string) bool {
	m.mu.Lock()
	lm, ok := m.models[name]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if atomic.LoadInt64(&lm.inFlightCount) == 0 {
		delete(m.models, name)
		m.mu.Unlock()
		if err := lm.eng.UnloadModel(lm.descriptor); err != nil {
			m.log.Warn("engine unload failed", "model", name, "error", err)
		}
		return true
	}
	lm.pendingUnload = true
	m.mu.Unlock()
	return true
}

// unloadNow destroys a model. Callers typically already believe
// in_flight_count == 0 (getLeastRecentlyUsedModel only returns such
// candidates, release only calls this after the counter hits zero, and
// sweepIdle samples it before releasing m.mu), but that belief can be stale
// by the time the lock is reacquired here — an Acquire can slip in between.
// So the count is re-checked under m.mu immediately before delete, which is
// the only point that's actually authoritative.
func (m *Manager) unloadNow(name string) error {
	m.mu.Lock()
	lm, ok := m.models[name]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if atomic.LoadInt64(&lm.inFlightCount) != 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.models, name)
	m.mu.Unlock()

	return lm.eng.UnloadModel(lm.descriptor)
}

// getLeastRecentlyUsedModel returns the name of the resident model with
// the lowest last_used_at and zero in-flight requests, if any exists.
func (m *Manager) getLeastRecentlyUsedModel() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *loadedModel
	for _, lm := range m.models {
		if atomic.LoadInt64(&lm.inFlightCount) != 0 {
			continue
		}
		if best == nil || lm.lastUsedAt.Before(best.lastUsedAt) {
			best = lm
		}
	}
	if best == nil {
		return "", false
	}
	return best.name, true
}

func (m *Manager) countLoaded() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.models)
}

// MemoryUsageBytes returns the sum of vram_bytes across currently-loaded
// models.
func (m *Manager) MemoryUsageBytes() uint64 { return m.memoryUsageBytes() }

func (m *Manager) memoryUsageBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, lm := range m.models {
		total += lm.vramBytes
	}
	return total
}

// LoadedModelInfo is the public snapshot of a resident model.
type LoadedModelInfo struct {
	Name       string
	EngineID   string
	Runtime    storage.Runtime
	VRAMBytes  uint64
	LastUsedAt time.Time
	InFlight   int64
}

// GetLoadedModels returns a snapshot of every currently-resident model.
func (m *Manager) GetLoadedModels() []LoadedModelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]LoadedModelInfo, 0, len(m.models))
	for _, lm := range m.models {
		out = append(out, LoadedModelInfo{
			Name:       lm.name,
			Runtime:    lm.eng.Runtime(),
			VRAMBytes:  lm.vramBytes,
			LastUsedAt: lm.lastUsedAt,
			InFlight:   atomic.LoadInt64(&lm.inFlightCount),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) SetIdleTimeout(d time.Duration) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.cfg.IdleTimeout = d
}

func (m *Manager) SetMaxLoadedModels(n int) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.cfg.MaxLoadedModels = n
}

func (m *Manager) SetMaxMemoryBytes(b uint64) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.cfg.MaxMemoryBytes = b
}

// Run starts the idle-unload background loop, visiting each resident
// model every idle_timeout/2 and unloading any with no in-flight requests
// whose last use exceeds idle_timeout. It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.idleDone)

	for {
		m.cfgMu.RLock()
		timeout := m.cfg.IdleTimeout
		m.cfgMu.RUnlock()

		if timeout <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-m.idleStop:
				return
			case <-time.After(time.Second):
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-m.idleStop:
			return
		case <-time.After(timeout / 2):
			m.sweepIdle(timeout)
		}
	}
}

func (m *Manager) sweepIdle(timeout time.Duration) {
	now := time.Now()

	m.mu.Lock()
	var idle []string
	for name, lm := range m.models {
		if atomic.LoadInt64(&lm.inFlightCount) != 0 {
			continue
		}
		if now.Sub(lm.lastUsedAt) >= timeout {
			idle = append(idle, name)
		}
	}
	m.mu.Unlock()

	for _, name := range idle {
		if err := m.unloadNow(name); err != nil {
			m.log.Warn("idle unload failed", "model", name, "error", err)
		}
	}
}

// Close stops the idle-unload loop and unloads every resident model,
// used during shutdown.
func (m *Manager) Close() {
	close(m.idleStop)
	<-m.idleDone

	m.mu.Lock()
	names := make([]string, 0, len(m.models))
	for name := range m.models {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		_ = m.unloadNow(name)
	}
}
