package ollamacompat

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// MirroredModel is one model discovered in a local Ollama installation's
// on-disk store, read-only. The node never writes to this tree.
type MirroredModel struct {
	Name   string
	Digest string
	Size   int64
}

// manifestLayer is the subset of an Ollama manifest layer entry this
// package cares about: the model weight's size, identified by its
// well-known media type.
type manifestLayer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

type manifest struct {
	Layers []manifestLayer `json:"layers"`
}

const modelLayerMediaType = "application/vnd.ollama.image.model"

// ScanMirror walks root/manifests for Ollama manifest files and returns one
// MirroredModel per manifest, named by its path below
// manifests/<registry>/<namespace>/<name>/<tag> as namespace/name:tag: the
// registry is omitted, and the namespace is kept even when it is the
// default "library". A missing or unreadable root
// is reported as an empty list, never an error, since most nodes have no
// local Ollama installation at all.
func ScanMirror(root string) []MirroredModel {
	manifestsRoot := filepath.Join(root, "manifests")
	entries, err := os.ReadDir(manifestsRoot)
	if err != nil || len(entries) == 0 {
		return nil
	}

	var out []MirroredModel
	_ = filepath.WalkDir(manifestsRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		var m manifest
		if json.Unmarshal(data, &m) != nil {
			return nil
		}

		name, tag := modelNameFromManifestPath(manifestsRoot, path)
		if name == "" {
			return nil
		}

		var size int64
		var digest string
		for _, layer := range m.Layers {
			if layer.MediaType == modelLayerMediaType {
				size = layer.Size
				digest = layer.Digest
				break
			}
		}

		out = append(out, MirroredModel{Name: name + ":" + tag, Digest: digest, Size: size})
		return nil
	})
	return out
}

// modelNameFromManifestPath reconstructs "namespace/name" and "tag" from a
// manifest file's path, which Ollama lays out as
// <manifestsRoot>/<registry>/<namespace>/<name>/<tag>.
func modelNameFromManifestPath(manifestsRoot, path string) (name, tag string) {
	rel, err := filepath.Rel(manifestsRoot, path)
	if err != nil {
		return "", ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 4 {
		return "", ""
	}
	// parts[0] is the registry host (e.g. registry.ollama.ai); the rest is
	// namespace/.../name/tag.
	tag = parts[len(parts)-1]
	nameParts := parts[1 : len(parts)-1]
	return strings.Join(nameParts, "/"), tag
}
