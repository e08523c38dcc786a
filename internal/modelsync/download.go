package modelsync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"
)

// FileSpec is one file entry from a per-model manifest.
type FileSpec struct {
	Path     string `json:"path"`
	URL      string `json:"url"`
	Digest   string `json:"digest,omitempty"`
	Chunk    int64  `json:"chunk,omitempty"`
	MaxBps   int64  `json:"max_bps,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// Manifest enumerates the files that make up one model's artifact, with
// per-file download policy hints.
type Manifest struct {
	Name  string     `json:"name"`
	Files []FileSpec `json:"files"`
}

// downloader fetches a single file with HTTP Range-based resume and an
// optional rate limit, writing into destDir.
type downloader struct {
	httpClient *http.Client
	nodeToken  string
}

func newDownloader(client *http.Client, nodeToken string) *downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &downloader{httpClient: client, nodeToken: nodeToken}
}

// fetch downloads spec into destDir/spec.Path, resuming from any partial
// ".part" file left by a previous attempt. If spec.MaxBps is set, the
// write is throttled to that rate.
func (d *downloader) fetch(ctx context.Context, destDir string, spec FileSpec) error {
	finalPath := filepath.Join(destDir, spec.Path)
	partPath := finalPath + ".part"

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("creating directory for %q: %w", spec.Path, err)
	}

	var offset int64
	if stat, err := os.Stat(partPath); err == nil {
		offset = stat.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return fmt.Errorf("building request for %q: %w", spec.Path, err)
	}
	if d.nodeToken != "" {
		req.Header.Set("X-Node-Token", d.nodeToken)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %q: %w", spec.Path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		offset = 0 // server ignored our range; start over.
	case http.StatusPartialContent:
		// resuming as requested.
	default:
		return fmt.Errorf("downloading %q: unexpected status %d", spec.Path, resp.StatusCode)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("opening %q for write: %w", partPath, err)
	}

	var body io.Reader = resp.Body
	if spec.MaxBps > 0 {
		body = &rateLimitedReader{ctx: ctx, r: resp.Body, limiter: rate.NewLimiter(rate.Limit(spec.MaxBps), int(spec.MaxBps))}
	}

	chunkSize := spec.Chunk
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	buf := make([]byte, chunkSize)

	if _, err := io.CopyBuffer(f, body, buf); err != nil {
		f.Close()
		return fmt.Errorf("writing %q (offset=%d): %w", spec.Path, offset, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", partPath, err)
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		return fmt.Errorf("renaming %q into place: %w", spec.Path, err)
	}
	return nil
}

// rateLimitedReader throttles reads to limiter's configured rate, one
// token per byte.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (rr *rateLimitedReader) Read(p []byte) (int, error) {
	// WaitN rejects n above the limiter's burst, so never read more than
	// one burst at a time.
	if burst := rr.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := rr.r.Read(p)
	if n > 0 {
		if waitErr := rr.limiter.WaitN(rr.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
