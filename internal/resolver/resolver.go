// Package resolver implements the Model Resolver: it produces a
// ModelDescriptor for a name even when the model isn't yet present in
// local storage, falling through local storage, a router-provided shared
// path, and an on-demand sync download.
package resolver

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/modelfleet/node/internal/logging"
	"github.com/modelfleet/node/internal/nodeerr"
	"github.com/modelfleet/node/internal/storage"
)

// Storage is the subset of storage.Storage the resolver needs.
type Storage interface {
	ResolveDescriptor(name string) (*storage.ModelDescriptor, error)
}

// RouterPathProvider returns the router-advertised shared-filesystem path
// for a model, if the router's catalog carries one.
type RouterPathProvider interface {
	RouterPath(ctx context.Context, name string) (path string, ok bool)
}

// Downloader triggers an on-demand sync download of a single model and
// reports whether it succeeded.
type Downloader interface {
	DownloadModel(ctx context.Context, name string) error
}

// Reporter receives sync events as the resolver falls through to a
// download, for dashboard progress.
type Reporter interface {
	ReportResolving(name string, stage string)
}

type nopReporter struct{}

func (nopReporter) ReportResolving(string, string) {}

// Resolver implements the fallthrough: local storage -> router path ->
// sync download.
type Resolver struct {
	storage    Storage
	routerPath RouterPathProvider
	downloader Downloader
	reporter   Reporter
	log        logging.Logger
}

// New constructs a Resolver. routerPath and downloader may be nil, in
// which case the corresponding fallback step is skipped (useful for a
// standalone node with no router configured).
func New(store Storage, routerPath RouterPathProvider, downloader Downloader, reporter Reporter, log logging.Logger) *Resolver {
	if reporter == nil {
		reporter = nopReporter{}
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Resolver{storage: store, routerPath: routerPath, downloader: downloader, reporter: reporter, log: log}
}

// Resolve produces a ModelDescriptor for name, trying local storage first,
// then a router-provided shared path, then a sync download — in that
// order, stopping at the first step that succeeds.
func (r *Resolver) Resolve(ctx context.Context, name string) (*storage.ModelDescriptor, error) {
	r.reporter.ReportResolving(name, "local")
	if desc, err := r.storage.ResolveDescriptor(name); err == nil {
		return desc, nil
	}

	if r.routerPath != nil {
		r.reporter.ReportResolving(name, "router_path")
		if path, ok := r.routerPath.RouterPath(ctx, name); ok {
			if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
				format := storage.FormatGGUF
				if strings.HasSuffix(strings.ToLower(path), ".safetensors") {
					format = storage.FormatSafetensors
				}
				return &storage.ModelDescriptor{Name: name, ModelDir: filepath.Dir(path), PrimaryPath: path, Format: format}, nil
			}
		}
	}

	if r.downloader != nil {
		r.reporter.ReportResolving(name, "downloading")
		if err := r.downloader.DownloadModel(ctx, name); err != nil {
			return nil, nodeerr.Wrap(nodeerr.KindNotFound, err, "download failed for %q", name)
		}
		if desc, err := r.storage.ResolveDescriptor(name); err == nil {
			return desc, nil
		}
	}

	return nil, nodeerr.New(nodeerr.KindNotFound, "model %q not in router catalog", name)
}
