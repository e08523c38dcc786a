package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/modelfleet/node/internal/admission"
	"github.com/modelfleet/node/internal/config"
	"github.com/modelfleet/node/internal/engine"
	"github.com/modelfleet/node/internal/engine/backends/gptosscpp"
	"github.com/modelfleet/node/internal/engine/backends/llamacpp"
	"github.com/modelfleet/node/internal/engine/backends/onnxtts"
	"github.com/modelfleet/node/internal/engine/backends/stablediffusion"
	"github.com/modelfleet/node/internal/engine/backends/whispercpp"
	"github.com/modelfleet/node/internal/facade"
	"github.com/modelfleet/node/internal/metrics"
	"github.com/modelfleet/node/internal/modelmanager"
	"github.com/modelfleet/node/internal/modelsync"
	"github.com/modelfleet/node/internal/ollamacompat"
	"github.com/modelfleet/node/internal/resolver"
	"github.com/modelfleet/node/internal/resourcemonitor"
	"github.com/modelfleet/node/internal/routerclient"
	"github.com/modelfleet/node/internal/storage"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node daemon: load models on demand and serve inference APIs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

// localLister adapts storage.Storage to modelsync.LocalLister.
type localLister struct{ store *storage.Storage }

func (l localLister) ListLocalModels() ([]string, error) {
	descs, err := l.store.ListAvailableDescriptors()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		names = append(names, d.Name)
	}
	return names, nil
}

func (l localLister) PathAccessible(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// routerCatalogPath adapts a modelsync.Syncer to
// resolver.RouterPathProvider, so the resolver's second fallthrough step
// can find a router-advertised shared-filesystem path. Each call fetches
// the router catalog afresh through the syncer; nothing is cached.
type routerCatalogPath struct{ syncer *modelsync.Syncer }

func (r routerCatalogPath) RouterPath(ctx context.Context, name string) (string, bool) {
	catalog, err := r.syncer.FetchCatalog(ctx)
	if err != nil {
		return "", false
	}
	for _, m := range catalog {
		if m.Name == name && m.Path != "" {
			return m.Path, true
		}
	}
	return "", false
}

func runServe(ctx context.Context) error {
	cfg := config.FromEnviron()

	modelsPath := cfg.ModelsPath
	if modelsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving default models path: %w", err)
		}
		modelsPath = filepath.Join(home, ".modelfleet", "models")
	}
	if err := os.MkdirAll(modelsPath, 0o755); err != nil {
		return fmt.Errorf("creating models directory: %w", err)
	}

	met := metrics.NewRegistry()
	store := storage.New(modelsPath)

	registry := engine.NewRegistry(log, 0, 0)
	registerBackends(registry, cfg)

	resourceProvider := resourcemonitor.NewProvider()
	var realMgr *modelmanager.Manager
	monitor := resourcemonitor.New(resourceProvider, resourcemonitor.Config{}, func() bool {
		return evictLeastRecentlyUsed(realMgr)
	}, log)

	var syncer *modelsync.Syncer
	var downloader resolver.Downloader
	var routerPath resolver.RouterPathProvider
	var routerClient *routerclient.Client

	if cfg.RouterHost != "" {
		cachePath := filepath.Join(modelsPath, ".etag-cache.json")
		cache, err := modelsync.LoadETagCache(cachePath)
		if err != nil {
			log.Warn("failed to load etag cache, continuing without it", "error", err)
			cache = nil
		}

		syncer = modelsync.New(modelsync.Config{
			RouterHost: cfg.RouterHost,
			NodeToken:  cfg.NodeAPIKey,
			ModelsDir:  modelsPath,
		}, http.DefaultClient, localLister{store: store}, cache, nil, log)
		downloader = syncer
		routerPath = routerCatalogPath{syncer: syncer}

		routerClient = routerclient.New(routerclient.Config{
			BaseURL: cfg.RouterHost,
			APIKey:  cfg.NodeAPIKey,
		}, log)
	}

	res := resolver.New(store, routerPath, downloader, nil, log)

	realMgr = modelmanager.New(res, registry, monitor, modelmanager.Config{
		IdleTimeout:     cfg.ModelIdleTimeout,
		MaxLoadedModels: cfg.MaxLoadedModels,
		MaxMemoryBytes:  cfg.MaxMemoryBytes,
	}, log)

	fac := facade.New(registry, realMgr)

	admissionHandler := admission.NewHandler(fac, store, admission.Config{
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		AllowedOrigins:        cfg.AllowedOrigins,
	}, log, met)

	ollamaHandler := ollamacompat.NewHandler(log, store, realMgr, cfg.OllamaMirrorPath, cfg.AllowedOrigins)

	mux := http.NewServeMux()
	mux.Handle("/v1/", admissionHandler)
	mux.Handle("/api/", ollamaHandler)
	mux.Handle("/metrics", met.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.NodePort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go realMgr.Run(ctx)
	go monitor.Run(ctx)

	if syncer != nil {
		go func() {
			if err := syncer.Run(ctx); err != nil {
				log.Warn("initial model sync failed", "error", err)
			}
			admissionHandler.SetReady(true)
			met.Readiness.Set(1)
		}()
	} else {
		admissionHandler.SetReady(true)
		met.Readiness.Set(1)
	}

	if routerClient != nil {
		if err := routerClient.Register(ctx, runtimeNames(registry)); err != nil {
			log.Warn("router registration failed, continuing standalone", "error", err)
		} else {
			routerClient.StartHeartbeatLoop(ctx, cfg.HeartbeatInterval, func() routerclient.HeartbeatRequest {
				return buildHeartbeat(registry, realMgr, monitor, syncer)
			})
		}
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.ListenAndServe()
	}()

	log.Info("node listening", "port", cfg.NodePort, "models_path", modelsPath)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", "error", err)
		}
		realMgr.Close()
		monitor.Stop()
	}

	return nil
}

func registerBackends(registry *engine.Registry, cfg config.Config) {
	llamaEngine := llamacpp.New(llamacpp.Config{BinaryPath: cfg.LlamaServerPath}, log)
	if err := registry.RegisterEngine(llamaEngine, engine.Registration{
		EngineID:      string(llamacpp.Name),
		EngineVersion: "1",
		Formats:       map[storage.Format]bool{storage.FormatGGUF: true},
		Capabilities: map[storage.Capability]bool{
			storage.CapabilityText:       true,
			storage.CapabilityEmbeddings: true,
		},
	}); err != nil {
		log.Warn("failed to register llama.cpp engine", "error", err)
	}

	gptossEngine := gptosscpp.New(gptosscpp.Config{BinaryPath: cfg.GPTOSSServerPath}, log)
	if err := registry.RegisterEngine(gptossEngine, engine.Registration{
		EngineID:      string(gptosscpp.Name),
		EngineVersion: "1",
		Formats:       map[storage.Format]bool{storage.FormatGGUF: true},
		Architectures: map[string]bool{"gptoss": true},
		Capabilities:  map[storage.Capability]bool{storage.CapabilityText: true},
	}); err != nil {
		log.Warn("failed to register gpt-oss.cpp engine", "error", err)
	}

	whisperEngine := whispercpp.New(whispercpp.Config{BinaryPath: cfg.WhisperServerPath}, log)
	if err := registry.RegisterEngine(whisperEngine, engine.Registration{
		EngineID:      string(whispercpp.Name),
		EngineVersion: "1",
		Formats:       map[storage.Format]bool{storage.FormatGGUF: true},
		Capabilities:  map[storage.Capability]bool{storage.CapabilityAudioASR: true},
	}); err != nil {
		log.Warn("failed to register whisper.cpp engine", "error", err)
	}

	sdEngine := stablediffusion.New(stablediffusion.Config{BinaryPath: cfg.StableDiffusionServerPath}, log)
	if err := registry.RegisterEngine(sdEngine, engine.Registration{
		EngineID:      string(stablediffusion.Name),
		EngineVersion: "1",
		Formats:       map[storage.Format]bool{storage.FormatGGUF: true, storage.FormatSafetensors: true},
		Capabilities:  map[storage.Capability]bool{storage.CapabilityImage: true},
	}); err != nil {
		log.Warn("failed to register stable-diffusion engine", "error", err)
	}

	ttsEngine := onnxtts.New(onnxtts.Config{SharedLibraryPath: cfg.ONNXRuntimeLibraryPath}, log)
	if err := registry.RegisterEngine(ttsEngine, engine.Registration{
		EngineID:      string(onnxtts.Name),
		EngineVersion: "1",
		Formats:       map[storage.Format]bool{storage.Format("onnx"): true},
		Capabilities:  map[storage.Capability]bool{storage.CapabilityAudioTTS: true},
	}); err != nil {
		log.Warn("failed to register onnx-tts engine", "error", err)
	}
}

func evictLeastRecentlyUsed(mgr *modelmanager.Manager) bool {
	if mgr == nil {
		return false
	}
	loaded := mgr.GetLoadedModels()
	if len(loaded) == 0 {
		return false
	}
	oldest := loaded[0]
	for _, lm := range loaded[1:] {
		if lm.LastUsedAt.Before(oldest.LastUsedAt) {
			oldest = lm
		}
	}
	return mgr.UnloadModel(oldest.Name)
}

func runtimeNames(registry *engine.Registry) []string {
	runtimes := registry.RegisteredRuntimes()
	names := make([]string, 0, len(runtimes))
	for _, rt := range runtimes {
		names = append(names, string(rt))
	}
	return names
}

func buildHeartbeat(registry *engine.Registry, mgr *modelmanager.Manager, monitor *resourcemonitor.Monitor, syncer *modelsync.Syncer) routerclient.HeartbeatRequest {
	var grouped routerclient.LoadedModelsByCapability
	for _, lm := range mgr.GetLoadedModels() {
		switch lm.Runtime {
		case storage.RuntimeWhisperCpp:
			grouped.ASR = append(grouped.ASR, lm.Name)
		case storage.RuntimeONNXRuntime:
			grouped.TTS = append(grouped.TTS, lm.Name)
		case storage.RuntimeStableDiffusion:
			grouped.Image = append(grouped.Image, lm.Name)
		default:
			grouped.LLM = append(grouped.LLM, lm.Name)
		}
	}

	status := modelsync.StatusIdle
	if syncer != nil {
		status = syncer.Status()
	}

	return routerclient.HeartbeatRequest{
		SupportedRuntimes: runtimeNames(registry),
		LoadedModels:      grouped,
		ResourceSample:    monitor.LatestUsage(),
		SyncStatus:        status,
	}
}
