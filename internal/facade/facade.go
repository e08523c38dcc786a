// Package facade implements the Inference Engine façade: the single entry
// point HTTP handlers use to load models and run generation, orchestrating
// the resolver, engine registry, and model manager.
package facade

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/modelfleet/node/internal/engine"
	"github.com/modelfleet/node/internal/modelmanager"
	"github.com/modelfleet/node/internal/nodeerr"
	"github.com/modelfleet/node/internal/storage"
)

// Registry is the subset of engine.Registry the façade needs for
// capability validation and runtime introspection.
type Registry interface {
	ResolveEngine(desc *storage.ModelDescriptor, capability storage.Capability) (engine.Engine, bool)
	RegisteredRuntimes() []storage.Runtime
}

// Manager is the subset of modelmanager.Manager the façade drives.
type Manager interface {
	Acquire(ctx context.Context, name string, capability storage.Capability) (*modelmanager.Handle, error)
}

// LoadResult mirrors modelmanager/engine outcomes in façade terms.
type LoadResult struct {
	Success bool
	Kind    nodeerr.Kind
	Message string
}

// Facade is the façade itself.
type Facade struct {
	registry Registry
	manager  Manager

	mu sync.RWMutex
}

// New constructs a Facade over an already-wired registry and manager.
func New(registry Registry, manager Manager) *Facade {
	return &Facade{registry: registry, manager: manager}
}

// LoadModel resolves and admits name for capability, without yet running
// a generation. The handle is released at once, so the model stays
// resident under the manager's normal eviction rules.
func (f *Facade) LoadModel(ctx context.Context, name string, capability storage.Capability) LoadResult {
	if capability == "" {
		capability = storage.CapabilityText
	}
	if !storage.ValidCapabilities[capability] {
		return LoadResult{Kind: nodeerr.KindUnsupported, Message: "unknown capability " + string(capability)}
	}

	h, err := f.manager.Acquire(ctx, name, capability)
	if err != nil {
		return LoadResult{Kind: nodeerr.KindOf(err), Message: err.Error()}
	}
	h.Release()
	return LoadResult{Success: true}
}

// GenerateChat acquires a handle for name, runs chat generation, applies
// stop-sequence truncation and UTF-8 sanitization, and releases the handle
// before returning.
func (f *Facade) GenerateChat(ctx context.Context, name string, msgs []engine.ChatMessage, params engine.InferenceParams) (string, error) {
	h, err := f.manager.Acquire(ctx, name, storage.CapabilityText)
	if err != nil {
		return "", err
	}
	defer h.Release()

	out, err := h.Engine.GenerateChat(ctx, msgs, h.Descriptor, params)
	if err != nil {
		return "", err
	}
	return postProcess(out, params.StopSequences, isGPTOSS(h.Descriptor)), nil
}

// GenerateChatWithImages is GenerateChat's multimodal counterpart.
func (f *Facade) GenerateChatWithImages(ctx context.Context, name string, msgs []engine.ChatMessage, imageURLs []string, params engine.InferenceParams) (string, error) {
	h, err := f.manager.Acquire(ctx, name, storage.CapabilityImageUnderstanding)
	if err != nil {
		return "", err
	}
	defer h.Release()

	out, err := h.Engine.GenerateChatWithImages(ctx, msgs, imageURLs, h.Descriptor, params)
	if err != nil {
		return "", err
	}
	return postProcess(out, params.StopSequences, isGPTOSS(h.Descriptor)), nil
}

// GenerateCompletion is the plain-text-prompt counterpart to GenerateChat.
func (f *Facade) GenerateCompletion(ctx context.Context, name, prompt string, params engine.InferenceParams) (string, error) {
	h, err := f.manager.Acquire(ctx, name, storage.CapabilityText)
	if err != nil {
		return "", err
	}
	defer h.Release()

	out, err := h.Engine.GenerateCompletion(ctx, prompt, h.Descriptor, params)
	if err != nil {
		return "", err
	}
	return postProcess(out, params.StopSequences, isGPTOSS(h.Descriptor)), nil
}

// GenerateChatStream streams tokens via onToken, applying stop-sequence
// truncation and UTF-8 sanitization incrementally: the stream ends as soon
// as the leftmost stop match completes, and text held back as a possible
// stop-sequence prefix is delivered once the engine finishes without a
// match. gpt-oss channel extraction is not applied to streamed chunks.
func (f *Facade) GenerateChatStream(ctx context.Context, name string, msgs []engine.ChatMessage, params engine.InferenceParams, onToken engine.TokenCallback) error {
	h, err := f.manager.Acquire(ctx, name, storage.CapabilityText)
	if err != nil {
		return err
	}
	defer h.Release()

	truncator := newStreamTruncator(params.StopSequences)
	cancelled := false
	err = h.Engine.GenerateChatStream(ctx, msgs, h.Descriptor, params, func(token string) bool {
		chunk, stop := truncator.feed(token)
		if chunk != "" {
			if !onToken(sanitizeUTF8(chunk)) {
				cancelled = true
				return false
			}
		}
		return !stop
	})
	if err == nil && !cancelled && !truncator.done {
		if rest := truncator.buf.String(); rest != "" {
			onToken(sanitizeUTF8(rest))
		}
	}
	return err
}

// GenerateEmbeddings acquires a handle for the embeddings capability and
// returns the engine's raw vectors; no post-processing applies to
// embeddings.
func (f *Facade) GenerateEmbeddings(ctx context.Context, name string, texts []string) ([][]float32, error) {
	h, err := f.manager.Acquire(ctx, name, storage.CapabilityEmbeddings)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	return h.Engine.GenerateEmbeddings(ctx, texts, h.Descriptor)
}

// GetRegisteredRuntimes exposes the registry's runtime set, for heartbeat
// reporting.
func (f *Facade) GetRegisteredRuntimes() []storage.Runtime {
	return f.registry.RegisteredRuntimes()
}

// Transcribe acquires a handle for the audio_asr capability and dispatches
// to the engine's engine.AudioTranscriber side-interface. Returns
// nodeerr.KindUnsupported if the resolved engine doesn't implement it.
func (f *Facade) Transcribe(ctx context.Context, name string, req engine.AudioTranscriptionRequest) (engine.AudioTranscriptionResult, error) {
	h, err := f.manager.Acquire(ctx, name, storage.CapabilityAudioASR)
	if err != nil {
		return engine.AudioTranscriptionResult{}, err
	}
	defer h.Release()

	transcriber, ok := h.Engine.(engine.AudioTranscriber)
	if !ok {
		return engine.AudioTranscriptionResult{}, nodeerr.New(nodeerr.KindUnsupported, "engine %q does not support audio transcription", h.Engine.Runtime())
	}
	return transcriber.Transcribe(ctx, req, h.Descriptor)
}

// Synthesize acquires a handle for the audio_tts capability and dispatches
// to the engine's engine.SpeechSynthesizer side-interface.
func (f *Facade) Synthesize(ctx context.Context, name string, req engine.SpeechRequest) ([]byte, error) {
	h, err := f.manager.Acquire(ctx, name, storage.CapabilityAudioTTS)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	synth, ok := h.Engine.(engine.SpeechSynthesizer)
	if !ok {
		return nil, nodeerr.New(nodeerr.KindUnsupported, "engine %q does not support speech synthesis", h.Engine.Runtime())
	}
	return synth.Synthesize(ctx, req, h.Descriptor)
}

// GenerateImages acquires a handle for the image capability and dispatches
// to the engine's engine.ImageGenerator side-interface.
func (f *Facade) GenerateImages(ctx context.Context, name string, req engine.ImageRequest) ([]engine.ImageResult, error) {
	h, err := f.manager.Acquire(ctx, name, storage.CapabilityImage)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	gen, ok := h.Engine.(engine.ImageGenerator)
	if !ok {
		return nil, nodeerr.New(nodeerr.KindUnsupported, "engine %q does not support image generation", h.Engine.Runtime())
	}
	return gen.GenerateImages(ctx, req, h.Descriptor)
}

func isGPTOSS(desc *storage.ModelDescriptor) bool {
	return desc.Runtime == storage.RuntimeGPTOSSCpp
}

// postProcess applies gpt-oss channel extraction (when applicable), then
// stop-sequence truncation, then UTF-8 sanitization — in that order, since
// stop-sequence matching must see the already-unwrapped final-channel text.
func postProcess(raw string, stopSequences []string, gptoss bool) string {
	text := raw
	if gptoss {
		text = postProcessGeneratedText(raw)
	}
	text = applyStopSequences(text, stopSequences)
	return sanitizeUTF8(text)
}

// applyStopSequences truncates text at the leftmost occurrence of any
// stop sequence; if none match, text is returned unchanged.
func applyStopSequences(text string, stopSequences []string) string {
	cut := -1
	for _, stop := range stopSequences {
		if stop == "" {
			continue
		}
		if idx := strings.Index(text, stop); idx != -1 && (cut == -1 || idx < cut) {
			cut = idx
		}
	}
	if cut == -1 {
		return text
	}
	return text[:cut]
}

// sanitizeUTF8 lossily replaces invalid UTF-8 byte sequences, since engine
// output can be truncated mid-codepoint by token boundaries.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}

const (
	gptossStart   = "<|start|>"
	gptossChannel = "<|channel|>"
	gptossMessage = "<|message|>"
	gptossEnd     = "<|end|>"
	gptossFinal   = "final"
)

// postProcessGeneratedText extracts the "final" channel's message from
// raw gpt-oss output of the form
// "<|start|>role<|channel|>name<|message|>text<|end|>", discarding other
// channels (e.g. "analysis"). If the input never reaches a "final"
// channel, or the terminator is missing entirely, the best partial text
// found is returned rather than an empty string — a truncated stream
// must never be reported as empty.
func postProcessGeneratedText(raw string) string {
	search := raw
	for {
		startIdx := strings.Index(search, gptossChannel)
		if startIdx == -1 {
			break
		}
		afterChannel := search[startIdx+len(gptossChannel):]

		msgIdx := strings.Index(afterChannel, gptossMessage)
		if msgIdx == -1 {
			break
		}
		channelName := afterChannel[:msgIdx]
		afterMessage := afterChannel[msgIdx+len(gptossMessage):]

		if channelName != gptossFinal {
			nextStart := strings.Index(afterMessage, gptossStart)
			if nextStart == -1 {
				break
			}
			search = afterMessage[nextStart:]
			continue
		}

		if endIdx := strings.Index(afterMessage, gptossEnd); endIdx != -1 {
			return afterMessage[:endIdx]
		}
		return afterMessage
	}

	return raw
}
