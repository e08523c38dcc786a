// Package modelsync reconciles the node's local model store against the
// router's catalog: diffing, manifest-driven downloads with ETag/size
// caching, and rate-limited resumable transfers.
package modelsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/modelfleet/node/internal/logging"
)

// Status mirrors spec §3's SyncStatus.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Progress describes the file currently being downloaded, for dashboard
// reporting.
type Progress struct {
	ModelName       string `json:"model_id"`
	File            string `json:"file"`
	DownloadedBytes int64  `json:"downloaded"`
	TotalBytes      int64  `json:"total"`
}

// RemoteModel is one entry from the router's GET /v0/models catalog.
type RemoteModel struct {
	Name         string `json:"name"`
	Path         string `json:"path,omitempty"`
	DownloadURL  string `json:"download_url,omitempty"`
	ChatTemplate string `json:"chat_template,omitempty"`
	ETag         string `json:"etag,omitempty"`
	Size         int64  `json:"size"`
}

// Diff is the result of reconciling local names against the router
// catalog.
type Diff struct {
	ToDownload []RemoteModel
	ToDelete   []string
}

// LocalLister reports what the node currently has on disk, and whether
// a router-provided shared-filesystem path is locally accessible.
type LocalLister interface {
	ListLocalModels() ([]string, error)
	PathAccessible(path string) bool
}

// Reporter receives sync progress events for dashboard display.
type Reporter interface {
	ReportProgress(Progress)
	ReportStatus(Status)
}

type nopReporter struct{}

func (nopReporter) ReportProgress(Progress) {}
func (nopReporter) ReportStatus(Status)     {}

// Config configures the Syncer.
type Config struct {
	RouterHost     string
	NodeToken      string
	ModelsDir      string
	MaxConcurrency int // concurrency for the highest-priority files.
}

// Syncer reconciles local storage against the router's catalog and
// downloads missing artifacts.
type Syncer struct {
	cfg        Config
	httpClient *http.Client
	local      LocalLister
	reporter   Reporter
	cache      *ETagCache
	log        logging.Logger

	mu     sync.RWMutex
	status Status
}

// New constructs a Syncer. cache may be nil to disable ETag short-circuit
// (every file is re-verified every sync).
func New(cfg Config, httpClient *http.Client, local LocalLister, cache *ETagCache, reporter Reporter, log logging.Logger) *Syncer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	if log == nil {
		log = logging.Nop()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &Syncer{cfg: cfg, httpClient: httpClient, local: local, reporter: reporter, cache: cache, log: log, status: StatusIdle}
}

// Status returns the syncer's current status.
func (s *Syncer) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Syncer) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	s.reporter.ReportStatus(st)
}

// FetchCatalog fetches the router's model catalog.
func (s *Syncer) FetchCatalog(ctx context.Context) ([]RemoteModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.RouterHost+"/v0/models", nil)
	if err != nil {
		return nil, fmt.Errorf("building catalog request: %w", err)
	}
	req.Header.Set("X-Node-Token", s.cfg.NodeToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching catalog: unexpected status %d", resp.StatusCode)
	}

	var catalog []RemoteModel
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	return catalog, nil
}

// Diff reconciles remote against the node's local model list.
func (s *Syncer) Diff(remote []RemoteModel) (Diff, error) {
	localNames, err := s.local.ListLocalModels()
	if err != nil {
		return Diff{}, fmt.Errorf("listing local models: %w", err)
	}

	local := make(map[string]bool, len(localNames))
	for _, n := range localNames {
		local[n] = true
	}

	remoteNames := make(map[string]bool, len(remote))
	var diff Diff
	for _, rm := range remote {
		remoteNames[rm.Name] = true
		if !local[rm.Name] {
			diff.ToDownload = append(diff.ToDownload, rm)
		}
	}
	for name := range local {
		if !remoteNames[name] {
			diff.ToDelete = append(diff.ToDelete, name)
		}
	}
	sort.Strings(diff.ToDelete)
	return diff, nil
}

// Run fetches the catalog, diffs it, and downloads everything in
// ToDownload. ToDelete is only reported, never acted on — deletion is an
// operator decision (spec §4.6).
func (s *Syncer) Run(ctx context.Context) error {
	s.setStatus(StatusRunning)

	catalog, err := s.FetchCatalog(ctx)
	if err != nil {
		s.setStatus(StatusFailed)
		return err
	}

	diff, err := s.Diff(catalog)
	if err != nil {
		s.setStatus(StatusFailed)
		return err
	}
	if len(diff.ToDelete) > 0 {
		s.log.Info("sync found models to delete (not acted on automatically)", "models", diff.ToDelete)
	}

	for _, model := range diff.ToDownload {
		if err := s.downloadModel(ctx, model); err != nil {
			s.log.Warn("model download failed", "model", model.Name, "error", err)
			s.setStatus(StatusFailed)
			return err
		}
	}

	s.setStatus(StatusSuccess)
	return nil
}

// DownloadModel fetches the router's catalog and downloads name on demand,
// satisfying resolver.Downloader for the Model Resolver's sync-download
// fallback step. Returns an error if name isn't in the router's catalog.
func (s *Syncer) DownloadModel(ctx context.Context, name string) error {
	catalog, err := s.FetchCatalog(ctx)
	if err != nil {
		return fmt.Errorf("fetching catalog for %q: %w", name, err)
	}
	for _, model := range catalog {
		if model.Name == name {
			return s.downloadModel(ctx, model)
		}
	}
	return fmt.Errorf("model %q not found in router catalog", name)
}

// downloadModel resolves a single remote model's manifest and downloads
// its files, respecting the ETag/size short-circuit and per-priority
// concurrency.
func (s *Syncer) downloadModel(ctx context.Context, model RemoteModel) error {
	if s.cache != nil {
		if cached, ok := s.cache.Get(model.Name); ok {
			if cached.ETag == model.ETag && cached.Size == model.Size {
				return nil // size+etag short-circuit: nothing changed.
			}
		}
	}

	if model.Path != "" && s.local.PathAccessible(model.Path) {
		// Router-provided shared-filesystem path is directly usable;
		// nothing to download.
		return s.recordSuccess(model)
	}

	manifest, err := s.fetchManifest(ctx, model)
	if err != nil {
		return err
	}

	if err := s.downloadManifest(ctx, model.Name, manifest); err != nil {
		return err
	}
	return s.recordSuccess(model)
}

func (s *Syncer) recordSuccess(model RemoteModel) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Set(model.Name, CacheEntry{ETag: model.ETag, Size: model.Size})
}

// fetchManifest synthesizes a single-file manifest whose one file is the
// router's blob endpoint for model.Name; it fails when model.DownloadURL is
// empty. No per-model manifest is fetched from the router, and the value
// of DownloadURL itself is not used as the file's URL.
func (s *Syncer) fetchManifest(ctx context.Context, model RemoteModel) (Manifest, error) {
	if model.DownloadURL == "" {
		return Manifest{}, fmt.Errorf("model %q has no manifest or download_url", model.Name)
	}

	blobURL := s.cfg.RouterHost + "/v0/models/blob/" + url.PathEscape(model.Name)
	return Manifest{
		Name: model.Name,
		Files: []FileSpec{
			{Path: model.Name + ".bin", URL: blobURL, Priority: 0},
		},
	}, nil
}

// downloadManifest downloads every file in manifest, running
// highest-priority (numerically lowest) files first with full
// max_concurrency, then lower-priority files with concurrency scaled down
// by |priority|.
func (s *Syncer) downloadManifest(ctx context.Context, modelName string, manifest Manifest) error {
	d := newDownloader(s.httpClient, s.cfg.NodeToken)

	byPriority := make(map[int][]FileSpec)
	for _, f := range manifest.Files {
		byPriority[f.Priority] = append(byPriority[f.Priority], f)
	}

	var priorities []int
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	for _, p := range priorities {
		files := byPriority[p]
		concurrency := s.cfg.MaxConcurrency
		if p != 0 {
			scaled := s.cfg.MaxConcurrency / (abs(p) + 1)
			if scaled < 1 {
				scaled = 1
			}
			concurrency = scaled
		}

		if err := s.downloadBatch(ctx, modelName, d, files, concurrency); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) downloadBatch(ctx context.Context, modelName string, d *downloader, files []FileSpec, concurrency int) error {
	sem := make(chan struct{}, concurrency)
	errs := make(chan error, len(files))
	var wg sync.WaitGroup

	for _, f := range files {
		wg.Add(1)
		sem <- struct{}{}
		go func(f FileSpec) {
			defer wg.Done()
			defer func() { <-sem }()

			s.reporter.ReportProgress(Progress{ModelName: modelName, File: f.Path})
			if err := d.fetch(ctx, s.destDirFor(modelName), f); err != nil {
				errs <- fmt.Errorf("downloading %s/%s: %w", modelName, f.Path, err)
				return
			}
		}(f)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) destDirFor(modelName string) string {
	return s.cfg.ModelsDir + "/" + modelName
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// StartHeartbeatSync runs Run once immediately, then again every interval
// until ctx is cancelled. Each value received on trigger starts an
// out-of-band Run instead of waiting for the next tick.
func (s *Syncer) StartHeartbeatSync(ctx context.Context, interval time.Duration, trigger <-chan struct{}) {
	if err := s.Run(ctx); err != nil {
		s.log.Warn("initial sync failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Run(ctx); err != nil {
				s.log.Warn("periodic sync failed", "error", err)
			}
		case <-trigger:
			if err := s.Run(ctx); err != nil {
				s.log.Warn("triggered sync failed", "error", err)
			}
		}
	}
}
