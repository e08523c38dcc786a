package modelsync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// CacheEntry is the cached ETag/size pair for one model, keyed by model
// name in the on-disk cache file.
type CacheEntry struct {
	ETag string `json:"etag"`
	Size int64  `json:"size"`
}

// ETagCache is the shared, file-persisted cache of per-model ETag/size
// pairs used to short-circuit re-downloads. In-process access is
// serialized by a mutex; persistence to disk is additionally guarded by
// an inter-process file lock, since multiple node processes could in
// principle share a cache directory.
type ETagCache struct {
	path string

	mu      sync.Mutex
	entries map[string]CacheEntry
}

// LoadETagCache reads path if it exists, or starts with an empty cache
// otherwise — a missing cache file is the normal state on first run.
func LoadETagCache(path string) (*ETagCache, error) {
	c := &ETagCache{path: path, entries: make(map[string]CacheEntry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("reading etag cache %q: %w", path, err)
	}
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("parsing etag cache %q: %w", path, err)
	}
	return c, nil
}

// Get returns the cached entry for name, if any.
func (c *ETagCache) Get(name string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	return e, ok
}

// Set records an entry for name and flushes the whole cache to disk.
func (c *ETagCache) Set(name string, entry CacheEntry) error {
	c.mu.Lock()
	c.entries[name] = entry
	snapshot := make(map[string]CacheEntry, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.Unlock()

	return c.flush(snapshot)
}

// flush persists snapshot to disk atomically: write to a temp file, fsync,
// then rename over the real path. An inter-process flock guards the whole
// write+rename sequence so concurrent node processes never interleave
// partial writes.
func (c *ETagCache) flush(snapshot map[string]CacheEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lock := flock.New(c.path + ".lock")
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring etag cache lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("timed out acquiring etag cache lock")
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling etag cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".etag_cache-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp cache file: %w", err)
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("renaming temp cache file into place: %w", err)
	}
	return nil
}
