package modelsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocalLister struct {
	names       []string
	accessible  map[string]bool
}

func (f *fakeLocalLister) ListLocalModels() ([]string, error) { return f.names, nil }
func (f *fakeLocalLister) PathAccessible(path string) bool     { return f.accessible[path] }

func TestDiffComputesDownloadAndDelete(t *testing.T) {
	s := New(Config{}, nil, &fakeLocalLister{names: []string{"stale-model", "kept-model"}}, nil, nil, nil)

	remote := []RemoteModel{
		{Name: "kept-model"},
		{Name: "new-model"},
	}

	diff, err := s.Diff(remote)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale-model"}, diff.ToDelete)
	require.Len(t, diff.ToDownload, 1)
	assert.Equal(t, "new-model", diff.ToDownload[0].Name)
}

func TestDiffIsIdempotentWhenNothingChanged(t *testing.T) {
	s := New(Config{}, nil, &fakeLocalLister{names: []string{"a", "b"}}, nil, nil, nil)
	remote := []RemoteModel{{Name: "a"}, {Name: "b"}}

	diff, err := s.Diff(remote)
	require.NoError(t, err)
	assert.Empty(t, diff.ToDownload)
	assert.Empty(t, diff.ToDelete)
}

func TestFetchCatalogParsesRouterResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/models", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("X-Node-Token"))
		_ = json.NewEncoder(w).Encode([]RemoteModel{{Name: "example/model", ETag: "abc", Size: 10}})
	}))
	defer srv.Close()

	s := New(Config{RouterHost: srv.URL, NodeToken: "test-token"}, srv.Client(), &fakeLocalLister{}, nil, nil, nil)
	catalog, err := s.FetchCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, catalog, 1)
	assert.Equal(t, "example/model", catalog[0].Name)
}

func TestDownloadModelShortCircuitsOnMatchingETagAndSize(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, ".etag_cache.json")
	cache, err := LoadETagCache(cachePath)
	require.NoError(t, err)
	require.NoError(t, cache.Set("example/model", CacheEntry{ETag: "same", Size: 42}))

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	s := New(Config{RouterHost: srv.URL, ModelsDir: dir}, srv.Client(), &fakeLocalLister{}, cache, nil, nil)
	err = s.downloadModel(context.Background(), RemoteModel{Name: "example/model", ETag: "same", Size: 42})
	require.NoError(t, err)
	assert.False(t, called, "no network call should happen when etag+size already match")
}

func TestDownloadModelUsesRouterProvidedPathWhenAccessible(t *testing.T) {
	dir := t.TempDir()
	lister := &fakeLocalLister{accessible: map[string]bool{"/shared/model.bin": true}}

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	s := New(Config{RouterHost: srv.URL, ModelsDir: dir}, srv.Client(), lister, nil, nil, nil)
	err := s.downloadModel(context.Background(), RemoteModel{Name: "example/model", Path: "/shared/model.bin"})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestETagCachePersistsAcrossLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".etag_cache.json")
	cache, err := LoadETagCache(path)
	require.NoError(t, err)
	require.NoError(t, cache.Set("m", CacheEntry{ETag: "e1", Size: 5}))

	reloaded, err := LoadETagCache(path)
	require.NoError(t, err)
	entry, ok := reloaded.Get("m")
	require.True(t, ok)
	assert.Equal(t, "e1", entry.ETag)
	assert.Equal(t, int64(5), entry.Size)
}

func TestETagCacheMissingFileStartsEmpty(t *testing.T) {
	cache, err := LoadETagCache(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	_, ok := cache.Get("anything")
	assert.False(t, ok)
}

func TestDownloaderResumesFromPartialFile(t *testing.T) {
	const fullBody = "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Write([]byte(fullBody))
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(fullBody[5:]))
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.bin.part"), []byte(fullBody[:5]), 0o644))

	d := newDownloader(srv.Client(), "")
	err := d.fetch(context.Background(), dir, FileSpec{Path: "file.bin", URL: srv.URL})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, fullBody, string(data))
}
