package modelmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelfleet/node/internal/engine"
	"github.com/modelfleet/node/internal/resourcemonitor"
	"github.com/modelfleet/node/internal/storage"
)

// fakeVRAMProvider reports a fixed VRAM used/total pair, for exercising
// admission without any real GPU.
type fakeVRAMProvider struct {
	used, total uint64
}

func (f *fakeVRAMProvider) Sample(context.Context) (resourcemonitor.Usage, error) {
	return resourcemonitor.Usage{VRAMUsedBytes: f.used, VRAMTotalBytes: f.total}, nil
}

func newFakeMonitor(t *testing.T, vramUsed, vramTotal uint64) *resourcemonitor.Monitor {
	t.Helper()
	mon := resourcemonitor.New(&fakeVRAMProvider{used: vramUsed, total: vramTotal}, resourcemonitor.Config{}, nil, nil)
	_, err := mon.SampleNow(context.Background())
	require.NoError(t, err)
	return mon
}

type fakeResolver struct {
	desc *storage.ModelDescriptor
	err  error
}

func (f *fakeResolver) Resolve(context.Context, string) (*storage.ModelDescriptor, error) {
	return f.desc, f.err
}

type fakeRegistry struct {
	eng engine.Engine
	ok  bool
}

func (f *fakeRegistry) ResolveEngine(*storage.ModelDescriptor, storage.Capability) (engine.Engine, bool) {
	return f.eng, f.ok
}

type countingEngine struct {
	engine.ChatOnlyEngine
	mu        sync.Mutex
	loadCount int
	vram      uint64
	runtime   storage.Runtime
	unloaded  []string
}

func (e *countingEngine) Runtime() storage.Runtime        { return e.runtime }
func (e *countingEngine) SupportsTextGeneration() bool    { return true }
func (e *countingEngine) SupportsEmbeddings() bool        { return true }
func (e *countingEngine) IsModelSupported(*storage.ModelDescriptor) bool { return true }
func (e *countingEngine) LoadModel(context.Context, *storage.ModelDescriptor) engine.LoadResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadCount++
	return engine.LoadResult{Success: true}
}
func (e *countingEngine) UnloadModel(desc *storage.ModelDescriptor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unloaded = append(e.unloaded, desc.Name)
	return nil
}
func (e *countingEngine) GenerateChat(context.Context, []engine.ChatMessage, *storage.ModelDescriptor, engine.InferenceParams) (string, error) {
	return "", nil
}
func (e *countingEngine) GenerateCompletion(context.Context, string, *storage.ModelDescriptor, engine.InferenceParams) (string, error) {
	return "", nil
}
func (e *countingEngine) GenerateChatStream(context.Context, []engine.ChatMessage, *storage.ModelDescriptor, engine.InferenceParams, engine.TokenCallback) error {
	return nil
}
func (e *countingEngine) GenerateEmbeddings(context.Context, []string, *storage.ModelDescriptor) ([][]float32, error) {
	return nil, nil
}
func (e *countingEngine) GetModelMaxContext(*storage.ModelDescriptor) int { return 4096 }
func (e *countingEngine) GetModelVramBytes(context.Context, *storage.ModelDescriptor) (uint64, error) {
	return e.vram, nil
}
func (e *countingEngine) GetRequiredMemoryForModel(context.Context, *storage.ModelDescriptor) (engine.RequiredMemory, error) {
	return engine.RequiredMemory{}, nil
}
func (e *countingEngine) loads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadCount
}

func newTestManager(t *testing.T, eng *countingEngine, cfg Config) *Manager {
	t.Helper()
	resolver := &fakeResolver{desc: &storage.ModelDescriptor{Name: "example/model", Format: storage.FormatGGUF}}
	registry := &fakeRegistry{eng: eng, ok: true}
	return New(resolver, registry, nil, cfg, nil)
}

func TestAcquireSingleFlightLoadsOnce(t *testing.T) {
	eng := &countingEngine{runtime: storage.RuntimeLlamaCpp}
	mgr := newTestManager(t, eng, Config{})

	const n = 20
	var wg sync.WaitGroup
	handles := make([]*Handle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := mgr.Acquire(context.Background(), "example/model", storage.CapabilityText)
			require.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, eng.loads())
	for _, h := range handles {
		h.Release()
	}

	loaded := mgr.GetLoadedModels()
	require.Len(t, loaded, 1)
	assert.Equal(t, int64(0), loaded[0].InFlight)
}

func TestUnloadModelDeferredUntilReleaseWhenInFlight(t *testing.T) {
	eng := &countingEngine{runtime: storage.RuntimeLlamaCpp}
	mgr := newTestManager(t, eng, Config{})

	h, err := mgr.Acquire(context.Background(), "example/model", storage.CapabilityText)
	require.NoError(t, err)

	ok := mgr.UnloadModel("example/model")
	assert.True(t, ok)

	// Still in-flight: not yet destroyed.
	assert.Len(t, mgr.GetLoadedModels(), 1)

	h.Release()
	assert.Len(t, mgr.GetLoadedModels(), 0)
	assert.Equal(t, []string{"example/model"}, eng.unloaded)
}

func TestMaxLoadedModelsEvictsLRU(t *testing.T) {
	eng := &countingEngine{runtime: storage.RuntimeLlamaCpp}
	resolver := &fakeResolver{}
	registry := &fakeRegistry{eng: eng, ok: true}
	mgr := New(resolver, registry, nil, Config{MaxLoadedModels: 1}, nil)

	resolver.desc = &storage.ModelDescriptor{Name: "a", Format: storage.FormatGGUF}
	h1, err := mgr.Acquire(context.Background(), "a", storage.CapabilityText)
	require.NoError(t, err)
	h1.Release()

	time.Sleep(2 * time.Millisecond)

	resolver.desc = &storage.ModelDescriptor{Name: "b", Format: storage.FormatGGUF}
	h2, err := mgr.Acquire(context.Background(), "b", storage.CapabilityText)
	require.NoError(t, err)
	h2.Release()

	loaded := mgr.GetLoadedModels()
	require.Len(t, loaded, 1)
	assert.Equal(t, "b", loaded[0].Name)
	assert.Contains(t, eng.unloaded, "a")
}

func TestMaxLoadedModelsFailsWhenNothingEvictable(t *testing.T) {
	eng := &countingEngine{runtime: storage.RuntimeLlamaCpp}
	resolver := &fakeResolver{desc: &storage.ModelDescriptor{Name: "a", Format: storage.FormatGGUF}}
	registry := &fakeRegistry{eng: eng, ok: true}
	mgr := New(resolver, registry, nil, Config{MaxLoadedModels: 1}, nil)

	h1, err := mgr.Acquire(context.Background(), "a", storage.CapabilityText)
	require.NoError(t, err)
	defer h1.Release()

	resolver.desc = &storage.ModelDescriptor{Name: "b", Format: storage.FormatGGUF}
	_, err = mgr.Acquire(context.Background(), "b", storage.CapabilityText)
	require.Error(t, err)
}

func TestVRAMAdmissionRejectsWhenInsufficient(t *testing.T) {
	eng := &countingEngine{runtime: storage.RuntimeLlamaCpp, vram: 2048}
	resolver := &fakeResolver{desc: &storage.ModelDescriptor{Name: "a", Format: storage.FormatGGUF}}
	registry := &fakeRegistry{eng: eng, ok: true}

	monitor := newFakeMonitor(t, 0, 1024)
	mgr := New(resolver, registry, monitor, Config{}, nil)

	_, err := mgr.Acquire(context.Background(), "a", storage.CapabilityText)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VRAM")
}

func TestCloseUnloadsEverything(t *testing.T) {
	eng := &countingEngine{runtime: storage.RuntimeLlamaCpp}
	mgr := newTestManager(t, eng, Config{})
	h, err := mgr.Acquire(context.Background(), "example/model", storage.CapabilityText)
	require.NoError(t, err)
	h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go mgr.Run(ctx)
	defer cancel()

	mgr.Close()
	assert.Empty(t, mgr.GetLoadedModels())
}

func TestInFlightNeverDestroyedDuringSweep(t *testing.T) {
	eng := &countingEngine{runtime: storage.RuntimeLlamaCpp}
	mgr := newTestManager(t, eng, Config{IdleTimeout: time.Millisecond})

	h, err := mgr.Acquire(context.Background(), "example/model", storage.CapabilityText)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	mgr.sweepIdle(time.Millisecond)

	assert.Len(t, mgr.GetLoadedModels(), 1, "in-flight model must survive an idle sweep")
	h.Release()
}
