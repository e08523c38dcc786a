package storage

import (
	"fmt"
	"regexp"
	"strings"

	parser "github.com/gpustack/gguf-parser-go"
)

// spaceBeforeUnitRegex strips the space gguf-parser-go's humanized sizes put
// between a number and its unit (e.g. "16.78 M" -> "16.78M"), matching the
// compact style the rest of the node's API surfaces use.
var spaceBeforeUnitRegex = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s+([A-Za-z]+)`)

func normalizeUnitString(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	return spaceBeforeUnitRegex.ReplaceAllString(s, "$1$2")
}

// ggufMetadata parses path's GGUF header with gguf-parser-go and returns its
// architecture plus the descriptor Metadata fields the store exposes:
// quantization, shard list, and a few humanized extras. It returns
// (*ErrGGUFParse) if the file isn't valid GGUF.
func ggufMetadata(path string) (architecture string, meta *Metadata, err error) {
	gf, parseErr := parser.ParseGGUFFile(path)
	if parseErr != nil {
		return "", nil, &ErrGGUFParse{Err: parseErr}
	}

	m := gf.Metadata()

	var shards []string
	if s := parser.CompleteShardGGUFFilename(path); len(s) > 1 {
		shards = s
	}

	return strings.TrimSpace(m.Architecture), &Metadata{
		Shards:       shards,
		Quantization: strings.TrimSpace(m.FileType.String()),
		Extra: map[string]string{
			"parameters": normalizeUnitString(m.Parameters.String()),
			"size":       normalizeUnitString(m.Size.String()),
			"size_bytes": fmt.Sprintf("%d", uint64(m.Size)),
		},
	}, nil
}
