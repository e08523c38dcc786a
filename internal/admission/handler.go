package admission

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/modelfleet/node/internal/engine"
	"github.com/modelfleet/node/internal/logging"
	"github.com/modelfleet/node/internal/metrics"
	"github.com/modelfleet/node/internal/middleware"
	"github.com/modelfleet/node/internal/nodeerr"
	"github.com/modelfleet/node/internal/storage"
)

// maxRequestBodyBytes bounds every inbound JSON request body, mirroring the
// teacher's maximumOpenAIInferenceRequestSize guard.
const maxRequestBodyBytes = 64 << 20

// maxAudioUploadBytes bounds the multipart audio upload for transcription.
const maxAudioUploadBytes = 256 << 20

// Facade is the subset of facade.Facade the admission layer drives.
type Facade interface {
	GenerateChat(ctx context.Context, name string, msgs []engine.ChatMessage, params engine.InferenceParams) (string, error)
	GenerateChatWithImages(ctx context.Context, name string, msgs []engine.ChatMessage, imageURLs []string, params engine.InferenceParams) (string, error)
	GenerateCompletion(ctx context.Context, name, prompt string, params engine.InferenceParams) (string, error)
	GenerateChatStream(ctx context.Context, name string, msgs []engine.ChatMessage, params engine.InferenceParams, onToken engine.TokenCallback) error
	GenerateEmbeddings(ctx context.Context, name string, texts []string) ([][]float32, error)
	Transcribe(ctx context.Context, name string, req engine.AudioTranscriptionRequest) (engine.AudioTranscriptionResult, error)
	Synthesize(ctx context.Context, name string, req engine.SpeechRequest) ([]byte, error)
	GenerateImages(ctx context.Context, name string, req engine.ImageRequest) ([]engine.ImageResult, error)
}

// ModelLister exposes the set of models the node can serve, for
// GET /v1/models, which is excluded from readiness gating.
type ModelLister interface {
	ListAvailableDescriptors() ([]*storage.ModelDescriptor, error)
}

// Config tunes the admission layer's own policy knobs, independent of
// any individual request's sampling parameters.
type Config struct {
	// MaxConcurrentRequests is the soft limit enforced by the active
	// request guard. Zero disables the limit.
	MaxConcurrentRequests int
	// AllowedOrigins configures CORS; empty disables it.
	AllowedOrigins []string
}

// Handler serves the OpenAI-compatible HTTP surface described in the
// external interfaces table: chat/completions/embeddings, audio
// transcription and speech, and image generation, gated by a process-wide
// readiness flag and a soft concurrency limit.
type Handler struct {
	facade Facade
	lister ModelLister
	cfg    Config
	log    logging.Logger
	met    *metrics.Registry

	ready  atomic.Bool
	active atomic.Int64

	mux         *http.ServeMux
	httpHandler http.Handler
}

// NewHandler constructs a Handler. met may be nil, in which case metrics
// are silently skipped (useful in tests).
func NewHandler(facade Facade, lister ModelLister, cfg Config, log logging.Logger, met *metrics.Registry) *Handler {
	if log == nil {
		log = logging.Nop()
	}
	h := &Handler{facade: facade, lister: lister, cfg: cfg, log: log, met: met}
	h.mux = http.NewServeMux()
	h.registerRoutes()
	h.httpHandler = middleware.CORS(cfg.AllowedOrigins, h.mux)
	return h
}

// SetReady flips the readiness flag. The serve command sets it to true
// once the node completes its initial catalog sync (at once when no
// router is configured); it never sets it back to false.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
	if h.met != nil {
		if ready {
			h.met.Readiness.Set(1)
		} else {
			h.met.Readiness.Set(0)
		}
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.httpHandler.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("POST /v1/chat/completions", h.gated(h.handleChatCompletions))
	h.mux.HandleFunc("POST /v1/completions", h.gated(h.handleCompletions))
	h.mux.HandleFunc("POST /v1/embeddings", h.gated(h.handleEmbeddings))
	h.mux.HandleFunc("POST /v1/audio/transcriptions", h.gated(h.handleAudioTranscriptions))
	h.mux.HandleFunc("POST /v1/audio/speech", h.gated(h.handleAudioSpeech))
	h.mux.HandleFunc("POST /v1/images/generations", h.gated(h.handleImageGenerations))
	h.mux.HandleFunc("POST /v1/images/edits", h.gated(h.handleImageGenerations))
	h.mux.HandleFunc("POST /v1/images/variations", h.gated(h.handleImageGenerations))
}

// gated wraps next with the readiness gate and the concurrency guard,
// matching §4.8: every non-trivial /v1/* endpoint (everything but
// /v1/models) rejects with 503 while not ready, and with 429 once the
// soft concurrency limit is exceeded.
func (h *Handler) gated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.ready.Load() {
			writeErrorEnvelope(w, http.StatusServiceUnavailable, "service_unavailable", "Node is syncing models with router")
			return
		}

		if !h.tryAcquire() {
			if h.met != nil {
				h.met.RejectedBackpressure.Inc()
			}
			writeErrorEnvelope(w, http.StatusTooManyRequests, "too_many_requests", "too many concurrent requests")
			return
		}
		defer h.release()

		next(w, r)
	}
}

func (h *Handler) tryAcquire() bool {
	if h.cfg.MaxConcurrentRequests <= 0 {
		h.active.Add(1)
		h.updateActiveGauge()
		return true
	}
	for {
		cur := h.active.Load()
		if cur >= int64(h.cfg.MaxConcurrentRequests) {
			return false
		}
		if h.active.CompareAndSwap(cur, cur+1) {
			h.updateActiveGauge()
			return true
		}
	}
}

func (h *Handler) release() {
	h.active.Add(-1)
	h.updateActiveGauge()
}

func (h *Handler) updateActiveGauge() {
	if h.met != nil {
		h.met.ActiveRequests.Set(float64(h.active.Load()))
	}
}

// errorEnvelope matches the OpenAI-style error body the spec calls for.
type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeErrorEnvelope(w http.ResponseWriter, status int, kind, message string) {
	var env errorEnvelope
	env.Error.Type = kind
	env.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// writeFacadeError maps a façade/nodeerr error to an HTTP status per §4.8:
// kNotFound -> 404, kUnsupported -> 400, kResourceExhausted -> 503, else
// 400/500.
func writeFacadeError(w http.ResponseWriter, err error) {
	kind := nodeerr.KindOf(err)
	status, errType := statusForKind(kind)
	writeErrorEnvelope(w, status, errType, err.Error())
}

func statusForKind(kind nodeerr.Kind) (int, string) {
	switch kind {
	case nodeerr.KindNotFound:
		return http.StatusNotFound, "not_found"
	case nodeerr.KindUnsupported:
		return http.StatusBadRequest, "unsupported"
	case nodeerr.KindResourceExhausted:
		return http.StatusServiceUnavailable, "resource_exhausted"
	case nodeerr.KindInvalidArgument:
		return http.StatusBadRequest, "invalid_request_error"
	case nodeerr.KindTimeout, nodeerr.KindCancelled:
		return http.StatusGatewayTimeout, "timeout"
	case nodeerr.KindUnavailable:
		return http.StatusServiceUnavailable, "service_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "request too large")
		} else {
			writeErrorEnvelope(w, http.StatusInternalServerError, "internal_error", "failed to read request body")
		}
		return nil, false
	}
	return body, true
}

func requireModel(spec string) (name, quantization string, ok bool) {
	if strings.TrimSpace(spec) == "" {
		return "", "", false
	}
	name, quantization = modelAndQuantization(spec)
	return name, quantization, true
}

// handleListModels answers GET /v1/models; it is exempt from readiness
// gating so operators can always discover what the node can serve.
func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	descs, err := h.lister.ListAvailableDescriptors()
	if err != nil {
		writeErrorEnvelope(w, http.StatusInternalServerError, "internal_error", "failed to list models")
		return
	}
	type modelEntry struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	data := make([]modelEntry, 0, len(descs))
	for _, desc := range descs {
		data = append(data, modelEntry{ID: desc.Name, Object: "model"})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}{Object: "list", Data: data})
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req chatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	name, _, ok := requireModel(req.Model)
	if !ok {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	msgs, imageURLs, err := parseChatMessages(req.Messages)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if err := validateSamplingParams(req.Temperature, req.TopP, req.TopK, req.N, req.PresencePenalty, req.FrequencyPenalty, req.TopLogprobs, req.Logprobs, req.Stream); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	params := toInferenceParams(req.MaxTokens, req.Temperature, req.TopP, req.TopK, req.N, req.PresencePenalty, req.FrequencyPenalty, req.Seed, req.Stop, req.Logprobs, req.TopLogprobs)

	h.recordRequest(name, "text")

	if req.Stream {
		h.streamChat(w, r, name, msgs, imageURLs, params)
		return
	}

	var (
		text string
		genErr error
	)
	if len(imageURLs) > 0 {
		text, genErr = h.facade.GenerateChatWithImages(r.Context(), name, msgs, imageURLs, params)
	} else {
		text, genErr = h.facade.GenerateChat(r.Context(), name, msgs, params)
	}
	if genErr != nil {
		writeFacadeError(w, genErr)
		return
	}

	writeChatCompletionResponse(w, name, text)
}

func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, name string, msgs []engine.ChatMessage, imageURLs []string, params engine.InferenceParams) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorEnvelope(w, http.StatusInternalServerError, "internal_error", "streaming unsupported by response writer")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	err := h.facade.GenerateChatStream(r.Context(), name, msgs, params, func(token string) bool {
		chunk := map[string]interface{}{
			"id": id, "object": "chat.completion.chunk", "created": created, "model": name,
			"choices": []map[string]interface{}{{
				"index": 0,
				"delta": map[string]string{"content": token},
			}},
		}
		data, _ := json.Marshal(chunk)
		if _, werr := fmt.Fprintf(w, "data: %s\n\n", data); werr != nil {
			return false
		}
		flusher.Flush()
		return true
	})
	if err != nil {
		h.log.WithError(err).Warn("chat stream ended with error")
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeChatCompletionResponse(w http.ResponseWriter, model, text string) {
	resp := map[string]interface{}{
		"id": "chatcmpl-" + uuid.NewString(), "object": "chat.completion", "created": time.Now().Unix(), "model": model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": text},
			"finish_reason": "stop",
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleCompletions(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req completionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	name, _, ok := requireModel(req.Model)
	if !ok {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "prompt must not be empty")
		return
	}
	if err := validateSamplingParams(req.Temperature, req.TopP, req.TopK, req.N, req.PresencePenalty, req.FrequencyPenalty, req.TopLogprobs, req.Logprobs, req.Stream); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	params := toInferenceParams(req.MaxTokens, req.Temperature, req.TopP, req.TopK, req.N, req.PresencePenalty, req.FrequencyPenalty, req.Seed, req.Stop, req.Logprobs, req.TopLogprobs)

	h.recordRequest(name, "text")

	text, err := h.facade.GenerateCompletion(r.Context(), name, req.Prompt, params)
	if err != nil {
		writeFacadeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"id": "cmpl-" + uuid.NewString(), "object": "text_completion", "created": time.Now().Unix(), "model": name,
		"choices": []map[string]interface{}{{"index": 0, "text": text, "finish_reason": "stop"}},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req embeddingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	name, _, ok := requireModel(req.Model)
	if !ok {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	inputs, err := req.inputs()
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	h.recordRequest(name, "embeddings")

	vectors, genErr := h.facade.GenerateEmbeddings(r.Context(), name, inputs)
	if genErr != nil {
		writeFacadeError(w, genErr)
		return
	}

	type embeddingEntry struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
		Object    string    `json:"object"`
	}
	data := make([]embeddingEntry, len(vectors))
	for i, v := range vectors {
		data[i] = embeddingEntry{Embedding: v, Index: i, Object: "embedding"}
	}

	resp := map[string]interface{}{
		"object": "list", "data": data, "model": name,
		"usage": map[string]int{"prompt_tokens": 0, "total_tokens": 0},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleAudioTranscriptions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "request too large")
		} else {
			writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form")
		}
		return
	}

	name, _, ok := requireModel(r.FormValue("model"))
	if !ok {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "file is required")
		return
	}
	defer file.Close()

	format := r.FormValue("response_format")
	if format == "" {
		format = "json"
	}
	switch format {
	case "json", "text", "srt", "vtt", "verbose_json":
	default:
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "unsupported response_format")
		return
	}

	audio, err := io.ReadAll(file)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "failed to read uploaded audio")
		return
	}

	h.recordRequest(name, "audio_asr")

	result, err := h.facade.Transcribe(r.Context(), name, engine.AudioTranscriptionRequest{Audio: audio, Language: r.FormValue("language")})
	if err != nil {
		writeFacadeError(w, err)
		return
	}

	if format == "text" {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(result.Text))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"text": result.Text})
}

func (h *Handler) handleAudioSpeech(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req speechRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	name, _, ok := requireModel(req.Model)
	if !ok {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "input must not be empty")
		return
	}

	h.recordRequest(name, "audio_tts")

	audio, err := h.facade.Synthesize(r.Context(), name, engine.SpeechRequest{
		Input: req.Input, Voice: req.Voice, Speed: req.Speed, Format: req.ResponseFormat,
	})
	if err != nil {
		writeFacadeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	_, _ = w.Write(audio)
}

func (h *Handler) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	var req imageGenerationRequest

	if strings.HasPrefix(contentType, "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, maxAudioUploadBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form")
			return
		}
		req.Model = r.FormValue("model")
		req.Prompt = r.FormValue("prompt")
		req.Size = r.FormValue("size")
		req.N = 1
		if n := r.FormValue("n"); n != "" {
			fmt.Sscanf(n, "%d", &req.N)
		}
	} else {
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
			return
		}
	}

	name, _, ok := requireModel(req.Model)
	if !ok {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "prompt must not be empty")
		return
	}
	if req.N != 0 && (req.N < 1 || req.N > 8) {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "n must be in [1, 8]")
		return
	}

	h.recordRequest(name, "image")

	results, err := h.facade.GenerateImages(r.Context(), name, engine.ImageRequest{Prompt: req.Prompt, N: req.N, Size: req.Size})
	if err != nil {
		writeFacadeError(w, err)
		return
	}

	type imageEntry struct {
		B64JSON string `json:"b64_json"`
	}
	data := make([]imageEntry, len(results))
	for i, res := range results {
		data[i] = imageEntry{B64JSON: base64.StdEncoding.EncodeToString(res.Data)}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"created": time.Now().Unix(), "data": data})
}

func (h *Handler) recordRequest(model, capability string) {
	if h.met != nil {
		h.met.RequestsTotal.WithLabelValues(model, capability).Inc()
	}
}
