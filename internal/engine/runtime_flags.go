package engine

import (
	"fmt"
	"strings"

	"github.com/mattn/go-shellwords"
)

// llamaCppAllowedFlags is the allowlist of safe llama.cpp server flags a
// model's metadata may request be passed through verbatim. Flags that take
// a filesystem path are deliberately excluded — extra flags come from
// router-synced model metadata, which this node does not otherwise treat
// as trusted enough to let it write arbitrary files.
var llamaCppAllowedFlags = map[string]bool{
	"-t": true, "--threads": true,
	"-c": true, "--ctx-size": true,
	"-n": true, "--predict": true, "--n-predict": true,
	"-b": true, "--batch-size": true,
	"-ub": true, "--ubatch-size": true,
	"-ngl": true, "--gpu-layers": true, "--n-gpu-layers": true,
	"-sm": true, "--split-mode": true,
	"-ts": true, "--tensor-split": true,
	"-mg": true, "--main-gpu": true,
	"--temp": true, "--temperature": true,
	"--top-k": true, "--top-p": true, "--min-p": true,
	"--repeat-penalty":    true,
	"--presence-penalty":  true,
	"--frequency-penalty": true,
	"-np":                 true, "--parallel": true,
	"-cb": true, "--cont-batching": true,
	"--mlock": true,
	"--mmap":  true, "--no-mmap": true,
	"--jinja": true, "--no-jinja": true,
	"--chat-template": true,
	"--embedding":      true, "--embeddings": true,
	"--rerank": true, "--reranking": true,
}

// allowedFlagsByRuntime maps a runtime name to its allowlist. Runtimes with
// no entry here accept no extra flags at all.
var allowedFlagsByRuntime = map[string]map[string]bool{
	"llama_cpp": llamaCppAllowedFlags,
}

// ParseFlagKey extracts the flag key from a flag token, e.g.
// "--threads=4" -> "--threads", "-t" -> "-t", "4" -> "".
func ParseFlagKey(flag string) string {
	if !strings.HasPrefix(flag, "-") {
		return ""
	}
	if idx := strings.Index(flag, "="); idx != -1 {
		return flag[:idx]
	}
	return flag
}

// ParseExtraFlags splits a raw extra-flags string (as stored in model
// metadata) the way a shell would, so quoted values survive intact.
func ParseExtraFlags(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parser := shellwords.NewParser()
	tokens, err := parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing extra flags: %w", err)
	}
	return tokens, nil
}

// ValidateRuntimeFlags rejects any flag or value containing a path
// separator, blocking attempts to smuggle a write-arbitrary-file flag
// (e.g. "--log-file", "/etc/passwd") through model metadata.
func ValidateRuntimeFlags(flags []string) error {
	for _, flag := range flags {
		if strings.ContainsAny(flag, "/\\") {
			return fmt.Errorf("invalid runtime flag %q: paths are not allowed", flag)
		}
	}
	return nil
}

// FilterAllowedFlags validates flags against runtime's allowlist, in
// addition to the blanket path-separator rejection. Flags whose key isn't
// present in the allowlist are dropped silently rather than erroring,
// since they typically originate from metadata a future engine version
// might support but this node's allowlist hasn't caught up to yet.
func FilterAllowedFlags(runtime string, flags []string) ([]string, error) {
	if err := ValidateRuntimeFlags(flags); err != nil {
		return nil, err
	}

	allowed := allowedFlagsByRuntime[runtime]
	if allowed == nil {
		if len(flags) > 0 {
			return nil, fmt.Errorf("runtime %q accepts no extra flags", runtime)
		}
		return nil, nil
	}

	var out []string
	for i := 0; i < len(flags); i++ {
		key := ParseFlagKey(flags[i])
		if key == "" || !allowed[key] {
			continue
		}
		out = append(out, flags[i])
		// A bare "-t" flag (no "=value") consumes the following token as
		// its value, provided that token isn't itself flag-shaped (allowed
		// or not).
		if !strings.Contains(flags[i], "=") && i+1 < len(flags) && ParseFlagKey(flags[i+1]) == "" {
			out = append(out, flags[i+1])
			i++
		}
	}
	return out, nil
}
