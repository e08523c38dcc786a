package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelfleet/node/internal/logging"
	"github.com/modelfleet/node/internal/storage"
)

// Registration describes an engine's selection criteria: which formats,
// architectures, and capabilities it claims to serve.
type Registration struct {
	EngineID      string
	EngineVersion string

	// Formats this engine accepts.
	Formats map[storage.Format]bool
	// Architectures this engine accepts; empty means "any" (wildcard).
	Architectures map[string]bool
	// Capabilities this engine serves.
	Capabilities map[storage.Capability]bool
}

func (r Registration) acceptsFormat(f storage.Format) bool { return r.Formats[f] }

func (r Registration) acceptsArchitecture(arch string) bool {
	if len(r.Architectures) == 0 {
		return true
	}
	if arch == "" {
		return true
	}
	return r.Architectures[arch]
}

func (r Registration) acceptsCapability(c storage.Capability) bool { return r.Capabilities[c] }

type registeredEngine struct {
	engine       Engine
	registration Registration

	// pluginPath is set when this engine came from loadPlugins, so its
	// age/request count can be tracked for the restart policy.
	pluginPath   string
	loadedAt     time.Time
	// requestCount is bumped by ResolveEngine under only an RLock, so it
	// must be an atomic rather than a plain counter.
	requestCount int64
}

// Registry owns the set of live engines and resolves requests to one of
// them. Registration/unregistration is exclusive; resolution is read-mostly
// and safe for concurrent callers.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*registeredEngine

	pluginRestartInterval    time.Duration
	pluginRestartRequestLimit int64

	log logging.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(log logging.Logger, pluginRestartInterval time.Duration, pluginRestartRequestLimit int64) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{
		engines:                   make(map[string]*registeredEngine),
		pluginRestartInterval:     pluginRestartInterval,
		pluginRestartRequestLimit: pluginRestartRequestLimit,
		log:                       log,
	}
}

// RegisterEngine adds eng under registration.EngineID. It rejects a
// duplicate EngineID, returning an error rather than replacing the
// existing registration silently.
func (r *Registry) RegisterEngine(eng Engine, reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.engines[reg.EngineID]; exists {
		return fmt.Errorf("engine %q already registered", reg.EngineID)
	}
	r.engines[reg.EngineID] = &registeredEngine{engine: eng, registration: reg, loadedAt: time.Now()}
	r.log.Info("engine registered", "engine_id", reg.EngineID, "version", reg.EngineVersion)
	return nil
}

// UnregisterEngine removes an engine by ID. Unregistering an unknown ID is
// a no-op.
func (r *Registry) UnregisterEngine(engineID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, engineID)
}

// RegisteredRuntimes returns the storage.Runtime of every currently
// registered engine, for heartbeat reporting.
func (r *Registry) RegisteredRuntimes() []storage.Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[storage.Runtime]bool)
	var out []storage.Runtime
	for _, re := range r.engines {
		rt := re.engine.Runtime()
		if !seen[rt] {
			seen[rt] = true
			out = append(out, rt)
		}
	}
	return out
}

// ResolveEngine applies the four-step selection rule to pick exactly one
// engine for desc+capability: capability filter, format filter,
// architecture filter (wildcard-aware), then runtime match / engine_id
// lexicographic tie-break. It returns (nil, false) if no engine matches,
// or if the one engine that matches declines desc via IsModelSupported.
func (r *Registry) ResolveEngine(desc *storage.ModelDescriptor, capability storage.Capability) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*registeredEngine
	for _, re := range r.engines {
		reg := re.registration
		if !reg.acceptsCapability(capability) {
			continue
		}
		if !reg.acceptsFormat(desc.Format) {
			continue
		}
		if !reg.acceptsArchitecture(desc.Architecture) {
			continue
		}
		candidates = append(candidates, re)
	}

	if len(candidates) == 0 {
		return nil, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		iMatch := desc.Runtime != "" && candidates[i].registration.EngineID != "" && candidates[i].engine.Runtime() == desc.Runtime
		jMatch := desc.Runtime != "" && candidates[j].engine.Runtime() == desc.Runtime
		if iMatch != jMatch {
			return iMatch
		}
		return candidates[i].registration.EngineID < candidates[j].registration.EngineID
	})

	chosen := candidates[0]
	if !chosen.engine.IsModelSupported(desc) {
		return nil, false
	}
	atomic.AddInt64(&chosen.requestCount, 1)
	return chosen.engine, true
}

// pluginFactory is the symbol every plugin must export: a zero-argument
// constructor returning the engine instance plus its registration.
type pluginFactory func() (Engine, Registration)

// LoadPlugins scans dir for *.so files and loads each as a Go plugin,
// looking up the exported "NewEngine" symbol (a pluginFactory). A plugin
// that fails to load or doesn't export the expected symbol is logged and
// skipped — one bad plugin must not prevent the rest, or the built-ins,
// from registering.
func (r *Registry) LoadPlugins(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading plugin dir %q: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".so") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := r.loadPlugin(path); err != nil {
			r.log.Warn("plugin load failed, continuing without it", "path", path, "error", err)
		}
	}
	return nil
}

func (r *Registry) loadPlugin(path string) error {
	p, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("opening plugin %q: %w", path, err)
	}
	sym, err := p.Lookup("NewEngine")
	if err != nil {
		return fmt.Errorf("plugin %q missing NewEngine symbol: %w", path, err)
	}
	factory, ok := sym.(func() (Engine, Registration))
	if !ok {
		return fmt.Errorf("plugin %q NewEngine has unexpected signature", path)
	}

	eng, reg := factory()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[reg.EngineID]; exists {
		return fmt.Errorf("plugin %q engine_id %q collides with an existing engine", path, reg.EngineID)
	}
	r.engines[reg.EngineID] = &registeredEngine{engine: eng, registration: reg, pluginPath: path, loadedAt: time.Now()}
	r.log.Info("plugin engine registered", "engine_id", reg.EngineID, "path", path)
	return nil
}

// pluginsDueForRestart returns the engine_ids of every plugin-backed engine
// that has exceeded its age or request-count limit, per the restart
// policy. Restarts themselves are only applied when the node is idle
// (ApplyPendingPluginRestarts), so this just identifies candidates.
func (r *Registry) pluginsDueForRestart(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []string
	for id, re := range r.engines {
		if re.pluginPath == "" {
			continue
		}
		ageExceeded := r.pluginRestartInterval > 0 && now.Sub(re.loadedAt) >= r.pluginRestartInterval
		requestsExceeded := r.pluginRestartRequestLimit > 0 && atomic.LoadInt64(&re.requestCount) >= r.pluginRestartRequestLimit
		if ageExceeded || requestsExceeded {
			due = append(due, id)
		}
	}
	sort.Strings(due)
	return due
}

// ApplyPendingPluginRestarts reloads any plugin-backed engine due for
// restart, per the age/request-count policy. Callers must only invoke
// this when the node is idle (active_request_count == 0), so an in-flight
// request never observes its engine disappear mid-call.
func (r *Registry) ApplyPendingPluginRestarts(now time.Time) {
	for _, id := range r.pluginsDueForRestart(now) {
		r.mu.Lock()
		re, ok := r.engines[id]
		if !ok {
			r.mu.Unlock()
			continue
		}
		path := re.pluginPath
		delete(r.engines, id)
		r.mu.Unlock()

		if err := r.loadPlugin(path); err != nil {
			r.log.Warn("plugin restart failed", "engine_id", id, "path", path, "error", err)
		}
	}
}
