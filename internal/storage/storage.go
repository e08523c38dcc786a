// Package storage implements the node's on-disk model store: resolving a
// model name to its artifact layout, listing what's locally available, and
// deleting models. It never talks to the network — that's modelsync's job.
package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// hfConfig is the subset of a HuggingFace-style config.json this package
// reads to fill in ModelDescriptor.Architecture for safetensors models.
type hfConfig struct {
	ModelType    string   `json:"model_type"`
	Architectures []string `json:"architectures"`
}

// Storage resolves model names against a root directory on disk. The root
// is organized as one subdirectory per model, named by ModelNameToDir.
type Storage struct {
	root string
}

// New returns a Storage rooted at dir. The directory is not required to
// exist yet; ResolveDescriptor and ListAvailableDescriptors treat a
// missing root as an empty store.
func New(dir string) *Storage {
	return &Storage{root: filepath.Clean(dir)}
}

// Root returns the store's root directory.
func (s *Storage) Root() string { return s.root }

// ModelNameToDir maps a model name to its directory under root. Names are
// lowercased for filesystem case-insensitivity portability; a "/" in the
// name is preserved as a path separator so namespaced names (e.g.
// "meta-llama/llama-3-8b") nest naturally instead of colliding.
func (s *Storage) ModelNameToDir(name string) string {
	lower := strings.ToLower(name)
	parts := strings.Split(lower, "/")
	return filepath.Join(append([]string{s.root}, parts...)...)
}

// primaryCandidate is one (glob pattern, format, runtime) probe tried, in
// order, when resolving a model directory's primary artifact.
type primaryCandidate struct {
	glob    string
	format  Format
	runtime Runtime
}

// probeOrder is the fixed precedence used to pick a model directory's
// primary artifact when more than one file type is present: safetensors
// sharded index first, then a single safetensors file, then a conventional
// GGUF filename, then any GGUF file, then ONNX.
var probeOrder = []primaryCandidate{
	{glob: "*.safetensors.index.json", format: FormatSafetensors},
	{glob: "*.safetensors", format: FormatSafetensors},
	{glob: "model.gguf", format: FormatGGUF, runtime: RuntimeLlamaCpp},
	{glob: "*.gguf", format: FormatGGUF, runtime: RuntimeLlamaCpp},
	{glob: "model.onnx", format: "onnx", runtime: RuntimeONNXRuntime},
}

// ResolveDescriptor probes name's model directory for a recognized primary
// artifact and builds a ModelDescriptor for it. It returns
// (nil, *ErrModelNotFound) if the directory is absent or empty of
// recognizable artifacts.
func (s *Storage) ResolveDescriptor(name string) (*ModelDescriptor, error) {
	dir := s.ModelNameToDir(name)

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, &ErrModelNotFound{Name: name}
	}

	for _, candidate := range probeOrder {
		matches, err := filepath.Glob(filepath.Join(dir, candidate.glob))
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			continue
		}

		primary := matches[0]
		desc := &ModelDescriptor{
			Name:        name,
			ModelDir:    dir,
			PrimaryPath: primary,
			Format:      candidate.format,
			Runtime:     candidate.runtime,
		}

		switch candidate.format {
		case FormatSafetensors:
			desc.RequiredFiles = matches
			if arch := s.readHFArchitecture(dir); arch != "" {
				desc.Architecture = arch
			}
		case FormatGGUF:
			if arch, meta, err := ggufMetadata(primary); err == nil {
				if arch != "" {
					desc.Architecture = arch
				}
				desc.Metadata = meta
			}
		}

		return desc, nil
	}

	return nil, &ErrModelNotFound{Name: name}
}

// readHFArchitecture reads config.json in dir, if present, and returns its
// model_type (preferred) or first architectures entry.
func (s *Storage) readHFArchitecture(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return ""
	}
	var cfg hfConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ""
	}
	if cfg.ModelType != "" {
		return cfg.ModelType
	}
	if len(cfg.Architectures) > 0 {
		return cfg.Architectures[0]
	}
	return ""
}

// ListAvailableDescriptors walks root one level per namespace segment and
// returns a descriptor for every model directory that resolves to a
// recognized artifact. Directories that resolve to nothing are skipped
// rather than erroring, since a store may legitimately contain partial
// downloads or scratch directories.
func (s *Storage) ListAvailableDescriptors() ([]*ModelDescriptor, error) {
	names, err := s.discoverNames()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []*ModelDescriptor
	for _, name := range names {
		desc, err := s.ResolveDescriptor(name)
		if err != nil {
			var notFound *ErrModelNotFound
			if errors.As(err, &notFound) {
				continue
			}
			return nil, err
		}
		out = append(out, desc)
	}
	return out, nil
}

// discoverNames walks root and returns the "/"-joined model name for every leaf
// directory (a directory with no subdirectories of its own), reversing the
// lowercasing/path-splitting done by ModelNameToDir. Names are
// reconstructed from directory structure, so the original mixed case is
// lost; callers treat store names as canonically lowercase.
func (s *Storage) discoverNames() ([]string, error) {
	var names []string

	var walk func(dir string, segments []string) error
	walk = func(dir string, segments []string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}

		var subdirs []os.DirEntry
		hasFiles := false
		for _, e := range entries {
			if e.IsDir() {
				subdirs = append(subdirs, e)
			} else {
				hasFiles = true
			}
		}

		if hasFiles || len(subdirs) == 0 {
			if len(segments) > 0 {
				names = append(names, strings.Join(segments, "/"))
			}
			return nil
		}

		for _, sub := range subdirs {
			if err := walk(filepath.Join(dir, sub.Name()), append(segments, sub.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	if _, err := os.Stat(s.root); err != nil {
		return nil, err
	}

	topEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	for _, e := range topEntries {
		if !e.IsDir() {
			continue
		}
		if err := walk(filepath.Join(s.root, e.Name()), []string{e.Name()}); err != nil {
			return nil, err
		}
	}

	return names, nil
}

// DeleteModel removes a model's directory entirely. It is idempotent: a
// model that is already absent is treated as a successful deletion, not an
// error, since the caller's desired end state (model gone) already holds.
func (s *Storage) DeleteModel(name string) error {
	dir := s.ModelNameToDir(name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.RemoveAll(dir)
}
