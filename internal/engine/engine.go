// Package engine defines the contract every inference runtime backend
// implements, and the types used to invoke it.
package engine

import (
	"context"

	"github.com/modelfleet/node/internal/storage"
)

// Capability re-exports storage.Capability so callers that only need the
// engine contract don't have to import storage directly.
type Capability = storage.Capability

// InferenceParams is the normalized sampling configuration passed to every
// generation call, after admission-layer validation.
type InferenceParams struct {
	MaxTokens        int
	Temperature      float64
	TopP             float64
	TopK             int
	RepeatPenalty    float64
	PresencePenalty  float64
	FrequencyPenalty float64
	Seed             int64
	N                int
	StopSequences    []string
	LogprobsEnabled  bool
	TopLogprobs      int
}

// ChatMessage is one turn in a chat-completion request. Content is plain
// text; image inputs of multimodal requests are passed separately, as the
// imageURLs argument of GenerateChatWithImages.
type ChatMessage struct {
	Role    string
	Content string
}

// TokenCallback receives one generated token during streaming generation.
// It returns false to request that generation stop early (client
// disconnect).
type TokenCallback func(token string) bool

// Code classifies an engine-level failure so the façade and admission
// layer can map it to an HTTP status without inspecting message text.
type Code int

const (
	CodeOK Code = iota
	CodeInvalidArgument
	CodeNotFound
	CodeUnsupported
	CodeUnavailable
	CodeResourceExhausted
	CodeTimeout
	CodeCancelled
	CodeInternal
)

// LoadResult is the outcome of Engine.LoadModel.
type LoadResult struct {
	Success bool
	Code    Code
	Message string
}

// RequiredMemory describes the working-set memory an engine expects to
// need in order to load a given model.
type RequiredMemory struct {
	RAMBytes  uint64
	VRAMBytes uint64
}

// Engine is the uniform contract implemented by every runtime backend
// (llama.cpp, gpt-oss.cpp, whisper.cpp, ONNX Runtime, Stable Diffusion).
// The Model Manager runs LoadModel at most once at a time per model, but
// it does not serialize generation calls: concurrent requests holding
// handles to the same model call these methods concurrently, so
// implementations must tolerate concurrent calls for a single model as
// well as across distinct models.
type Engine interface {
	// Runtime returns the storage.Runtime this engine implements, used as
	// the registry's tie-break key and for heartbeat reporting.
	Runtime() storage.Runtime

	// SupportsTextGeneration and SupportsEmbeddings report static
	// capability, independent of any specific model.
	SupportsTextGeneration() bool
	SupportsEmbeddings() bool

	// IsModelSupported performs the engine's own final admission check on
	// a resolved descriptor (e.g. platform-specific artifact
	// requirements).
	IsModelSupported(desc *storage.ModelDescriptor) bool

	// LoadModel prepares desc for inference. Implementations that manage
	// an external process should treat this as starting it; implementations
	// that load in-process should treat it as doing so synchronously.
	LoadModel(ctx context.Context, desc *storage.ModelDescriptor) LoadResult

	// UnloadModel releases any resources acquired by LoadModel. It must be
	// safe to call even if LoadModel never succeeded.
	UnloadModel(desc *storage.ModelDescriptor) error

	GenerateChat(ctx context.Context, msgs []ChatMessage, desc *storage.ModelDescriptor, params InferenceParams) (string, error)
	GenerateChatWithImages(ctx context.Context, msgs []ChatMessage, imageURLs []string, desc *storage.ModelDescriptor, params InferenceParams) (string, error)
	GenerateCompletion(ctx context.Context, prompt string, desc *storage.ModelDescriptor, params InferenceParams) (string, error)
	GenerateChatStream(ctx context.Context, msgs []ChatMessage, desc *storage.ModelDescriptor, params InferenceParams, onToken TokenCallback) error
	GenerateEmbeddings(ctx context.Context, texts []string, desc *storage.ModelDescriptor) ([][]float32, error)

	// GetModelMaxContext returns the model's context window, in tokens.
	GetModelMaxContext(desc *storage.ModelDescriptor) int

	// GetModelVramBytes returns the VRAM the engine expects a load of desc
	// to consume. A return of 0 means unknown — admission treats unknown
	// as unconstrained.
	GetModelVramBytes(ctx context.Context, desc *storage.ModelDescriptor) (uint64, error)

	// GetRequiredMemoryForModel is consulted before a load is attempted,
	// so admission can reject before any process is spawned.
	GetRequiredMemoryForModel(ctx context.Context, desc *storage.ModelDescriptor) (RequiredMemory, error)
}

// AudioTranscriptionRequest carries the inputs to a transcription call.
// Audio is raw file bytes in whatever container the client uploaded;
// engines are responsible for their own decoding.
type AudioTranscriptionRequest struct {
	Audio    []byte
	Language string
}

// AudioTranscriptionResult is the engine's transcription output, ready for
// the admission layer to render in whichever response_format was asked for.
type AudioTranscriptionResult struct {
	Text string
}

// AudioTranscriber is implemented by engines that support the
// audio_asr capability (whisper.cpp). Per spec §4.2's "polymorphic
// engines" note, this is a separate trait rather than a method bolted
// onto Engine, so text-only engines never need to stub it.
type AudioTranscriber interface {
	Transcribe(ctx context.Context, req AudioTranscriptionRequest, desc *storage.ModelDescriptor) (AudioTranscriptionResult, error)
}

// SpeechRequest carries the inputs to a text-to-speech call.
type SpeechRequest struct {
	Input  string
	Voice  string
	Speed  float64
	Format string
}

// SpeechSynthesizer is implemented by engines that support the
// audio_tts capability (ONNX TTS).
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest, desc *storage.ModelDescriptor) ([]byte, error)
}

// ImageRequest carries the inputs to an image-generation call.
type ImageRequest struct {
	Prompt string
	N      int
	Size   string
}

// ImageResult is one generated image, returned as raw bytes in whatever
// encoding the engine produces (PNG).
type ImageResult struct {
	Data []byte
}

// ImageGenerator is implemented by engines that support the image
// capability (Stable Diffusion).
type ImageGenerator interface {
	GenerateImages(ctx context.Context, req ImageRequest, desc *storage.ModelDescriptor) ([]ImageResult, error)
}

// ChatOnlyEngine supplies a GenerateChatWithImages that reports
// unsupported; an engine that doesn't accept image inputs can embed it
// instead of stubbing that method. The backends in this tree implement the
// method themselves; only test engines embed ChatOnlyEngine.
type ChatOnlyEngine struct{}

func (ChatOnlyEngine) GenerateChatWithImages(ctx context.Context, _ []ChatMessage, _ []string, _ *storage.ModelDescriptor, _ InferenceParams) (string, error) {
	return "", &Error{Code: CodeUnsupported, Message: "this engine does not support image inputs"}
}

// Error is the concrete error type engines and the registry return; its
// Code is consulted directly by the façade and admission layer rather
// than inferred from message text.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }
