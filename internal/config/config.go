// Package config loads the small set of environment variables the node
// daemon recognizes. Full configuration management (files, flags, secret
// stores) is an external collaborator per the core spec and is intentionally
// not reimplemented here.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the node daemon's environment-derived settings.
type Config struct {
	// ModelIdleTimeout is how long a loaded model may sit unused before the
	// Model Manager's idle-unload loop evicts it. Zero disables idle unload.
	ModelIdleTimeout time.Duration
	// MaxLoadedModels caps the number of models the Model Manager keeps
	// resident at once. Zero disables the cap.
	MaxLoadedModels int
	// MaxMemoryBytes caps the Model Manager's VRAM budget. Zero disables it.
	MaxMemoryBytes uint64
	// RouterHost is the base URL of the fleet router.
	RouterHost string
	// NodePort is the port the node's HTTP server listens on.
	NodePort int
	// GPTOSSTrace enables verbose logging of gpt-oss channel post-processing.
	GPTOSSTrace bool
	// HeartbeatInterval is the cadence of heartbeat POSTs to the router.
	HeartbeatInterval time.Duration

	// ModelsPath is the local model store's root directory.
	ModelsPath string
	// OllamaMirrorPath is a local Ollama installation's model store, read
	// only for the Ollama-compatibility listing layer. Empty disables it.
	OllamaMirrorPath string

	// NodeAPIKey authenticates this node's router registration.
	NodeAPIKey string
	// MaxConcurrentRequests caps in-flight admitted requests; zero disables
	// the limit.
	MaxConcurrentRequests int
	// AllowedOrigins configures CORS on every HTTP surface; empty disables it.
	AllowedOrigins []string

	// Backend binary/library locations, following the teacher's
	// convention of one *_SERVER_PATH override per engine.
	LlamaServerPath           string
	GPTOSSServerPath          string
	WhisperServerPath         string
	StableDiffusionServerPath string
	ONNXRuntimeLibraryPath    string
}

// defaults mirror the teacher's convention of sane built-in fallbacks so the
// daemon runs standalone with no environment configured at all.
func defaults() Config {
	return Config{
		ModelIdleTimeout:  10 * time.Minute,
		MaxLoadedModels:   0,
		MaxMemoryBytes:    0,
		RouterHost:        "",
		NodePort:          8080,
		GPTOSSTrace:       false,
		HeartbeatInterval: 15 * time.Second,
		ModelsPath:        "",
	}
}

// FromEnviron reads recognized LLM_* environment variables over the
// defaults, returning a usable Config even when none are set.
func FromEnviron() Config {
	c := defaults()

	if v, ok := durationFromEnv("LLM_MODEL_IDLE_TIMEOUT"); ok {
		c.ModelIdleTimeout = v
	}
	if v, ok := intFromEnv("LLM_MAX_LOADED_MODELS"); ok {
		c.MaxLoadedModels = v
	}
	if v, ok := os.LookupEnv("LLM_MAX_MEMORY_BYTES"); ok {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.MaxMemoryBytes = parsed
		}
	}
	if v, ok := os.LookupEnv("LLM_ROUTER_HOST"); ok && v != "" {
		c.RouterHost = v
	}
	if v, ok := intFromEnv("LLM_NODE_PORT"); ok {
		c.NodePort = v
	}
	if v, ok := os.LookupEnv("LLM_NODE_GPTOSS_TRACE"); ok {
		c.GPTOSSTrace = v == "1" || v == "true"
	}
	if v, ok := os.LookupEnv("LLM_MODELS_PATH"); ok && v != "" {
		c.ModelsPath = v
	}
	if v, ok := os.LookupEnv("LLM_OLLAMA_MIRROR_PATH"); ok && v != "" {
		c.OllamaMirrorPath = v
	}
	if v, ok := os.LookupEnv("LLM_NODE_API_KEY"); ok {
		c.NodeAPIKey = v
	}
	if v, ok := intFromEnv("LLM_MAX_CONCURRENT_REQUESTS"); ok {
		c.MaxConcurrentRequests = v
	}
	if v, ok := os.LookupEnv("LLM_ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv("LLAMA_SERVER_PATH"); ok {
		c.LlamaServerPath = v
	}
	if v, ok := os.LookupEnv("GPTOSS_SERVER_PATH"); ok {
		c.GPTOSSServerPath = v
	}
	if v, ok := os.LookupEnv("WHISPER_SERVER_PATH"); ok {
		c.WhisperServerPath = v
	}
	if v, ok := os.LookupEnv("STABLE_DIFFUSION_SERVER_PATH"); ok {
		c.StableDiffusionServerPath = v
	}
	if v, ok := os.LookupEnv("ONNXRUNTIME_LIB_PATH"); ok {
		c.ONNXRuntimeLibraryPath = v
	}

	return c
}

// durationFromEnv interprets the variable as a count of seconds, matching
// the spec's "idle_timeout (seconds)" convention.
func durationFromEnv(name string) (time.Duration, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

func intFromEnv(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return parsed, true
}
