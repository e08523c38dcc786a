// Package onnxtts implements engine.Engine and engine.SpeechSynthesizer
// in-process using the ONNX Runtime Go binding, rather than shelling out to
// a subprocess server — ONNX Runtime sessions are a native library call,
// not a protocol boundary.
package onnxtts

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/modelfleet/node/internal/engine"
	"github.com/modelfleet/node/internal/logging"
	"github.com/modelfleet/node/internal/storage"
)

// Name is this engine's runtime identifier.
const Name = storage.RuntimeONNXRuntime

// sampleRate is the fixed output rate of the onnx_runtime TTS models this
// engine targets; the numerical vocoder itself is out of scope (per the
// spec's own "per-engine numerical kernels" exclusion) so this is a
// reasonable, widely-used default rather than something read from the
// model.
const sampleRate = 22050

// maxInputTokens and maxSamples bound the fixed-shape tensors bound to
// each session: onnxruntime_go's Session type takes pre-allocated
// input/output tensors rather than dynamic shapes, so synthesis is capped
// to inputs/outputs of this size. Requests producing fewer samples than
// maxSamples leave the rest of the output tensor as session.Run left it;
// Synthesize trims only trailing near-zero samples from it.
const (
	maxInputTokens = 512
	maxSamples     = sampleRate * 30
)

// loadedModel holds the session and its bound input/output tensors for one
// loaded voice model. The tensors must outlive the session and are
// destroyed alongside it.
type loadedModel struct {
	session   *ort.Session[float32]
	inTensor  *ort.Tensor[float32]
	outTensor *ort.Tensor[float32]
}

// Engine runs text-to-speech ONNX models in-process.
type Engine struct {
	log logging.Logger

	mu     sync.Mutex
	models map[string]*loadedModel
	initd  bool
}

// Config configures the ONNX Runtime shared library location, when it
// isn't discoverable on the default search path.
type Config struct {
	SharedLibraryPath string
}

// New constructs an Engine. The ONNX Runtime environment is initialized
// lazily on first LoadModel, since InitializeEnvironment must only be
// called once per process and this engine may never be used.
func New(cfg Config, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	if cfg.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
	}
	return &Engine{log: log, models: make(map[string]*loadedModel)}
}

func (e *Engine) Runtime() storage.Runtime     { return Name }
func (e *Engine) SupportsTextGeneration() bool { return false }
func (e *Engine) SupportsEmbeddings() bool     { return false }

func (e *Engine) IsModelSupported(desc *storage.ModelDescriptor) bool {
	return desc.Format == "onnx"
}

func (e *Engine) ensureInitialized() error {
	if e.initd {
		return nil
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initializing onnxruntime environment: %w", err)
		}
	}
	e.initd = true
	return nil
}

func (e *Engine) LoadModel(ctx context.Context, desc *storage.ModelDescriptor) engine.LoadResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.models[desc.Name]; exists {
		return engine.LoadResult{Success: true}
	}

	if err := e.ensureInitialized(); err != nil {
		return engine.LoadResult{Code: engine.CodeUnavailable, Message: err.Error()}
	}

	inTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, maxInputTokens))
	if err != nil {
		return engine.LoadResult{Code: engine.CodeUnavailable, Message: fmt.Sprintf("creating input tensor: %v", err)}
	}
	outTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, maxSamples))
	if err != nil {
		_ = inTensor.Destroy()
		return engine.LoadResult{Code: engine.CodeUnavailable, Message: fmt.Sprintf("creating output tensor: %v", err)}
	}

	session, err := ort.NewSession[float32](desc.PrimaryPath, []string{"input_ids"}, []string{"waveform"}, []*ort.Tensor[float32]{inTensor}, []*ort.Tensor[float32]{outTensor})
	if err != nil {
		_ = inTensor.Destroy()
		_ = outTensor.Destroy()
		return engine.LoadResult{Code: engine.CodeUnavailable, Message: fmt.Sprintf("creating onnx session: %v", err)}
	}

	e.models[desc.Name] = &loadedModel{session: session, inTensor: inTensor, outTensor: outTensor}
	return engine.LoadResult{Success: true}
}

func (e *Engine) UnloadModel(desc *storage.ModelDescriptor) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	lm, ok := e.models[desc.Name]
	if !ok {
		return nil
	}
	delete(e.models, desc.Name)
	if err := lm.session.Destroy(); err != nil {
		return err
	}
	_ = lm.inTensor.Destroy()
	_ = lm.outTensor.Destroy()
	return nil
}

// textToInputIDs performs the minimal byte-level tokenization this
// reference integration needs to exercise the ONNX session; real phoneme
// tokenization is a per-model numerical-kernel concern excluded from this
// component's scope. Truncates to maxInputTokens, the session's bound
// input tensor capacity.
func textToInputIDs(text string) []float32 {
	b := []byte(text)
	if len(b) > maxInputTokens {
		b = b[:maxInputTokens]
	}
	ids := make([]float32, len(b))
	for i, c := range b {
		ids[i] = float32(c)
	}
	return ids
}

// Synthesize implements engine.SpeechSynthesizer. It writes tokenized
// input directly into the model's bound input tensor, runs the session,
// and trims the bound output tensor's trailing silence before WAV-encoding
// it. The bound tensors are shared by every call against a model, so
// Synthesize holds the engine lock for the whole call: calls are
// serialized across all models, and an unload cannot destroy a session
// mid-run.
func (e *Engine) Synthesize(ctx context.Context, req engine.SpeechRequest, desc *storage.ModelDescriptor) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lm, ok := e.models[desc.Name]
	if !ok {
		return nil, &engine.Error{Code: engine.CodeNotFound, Message: fmt.Sprintf("model %q is not loaded", desc.Name)}
	}

	ids := textToInputIDs(req.Input)
	inData := lm.inTensor.GetData()
	for i := range inData {
		if i < len(ids) {
			inData[i] = ids[i]
		} else {
			inData[i] = 0
		}
	}

	if err := lm.session.Run(); err != nil {
		return nil, &engine.Error{Code: engine.CodeInternal, Message: fmt.Sprintf("running onnx session: %v", err)}
	}

	samples := trimTrailingSilence(lm.outTensor.GetData())
	return encodeWAV(samples, sampleRate), nil
}

// trimTrailingSilence drops trailing near-zero samples from a fixed-size
// output tensor, since the bound output buffer is sized for the longest
// utterance this engine supports and shorter utterances leave it
// zero-padded.
func trimTrailingSilence(samples []float32) []float32 {
	const silence = 1e-4
	end := len(samples)
	for end > 0 && samples[end-1] > -silence && samples[end-1] < silence {
		end--
	}
	out := make([]float32, end)
	copy(out, samples[:end])
	return out
}

// encodeWAV wraps PCM float32 samples (rescaled to 16-bit signed PCM) in a
// canonical WAV container. No ecosystem audio-encoding library appears
// anywhere in the retrieval pack, and a WAV header is a fixed 44-byte
// struct — plain encoding/binary is proportionate here.
func encodeWAV(samples []float32, rate uint32) []byte {
	const bitsPerSample = 16
	const numChannels = 1

	dataSize := uint32(len(samples) * 2)
	buf := make([]byte, 0, 44+dataSize)

	write := func(b []byte) { buf = append(buf, b...) }
	u32 := func(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }
	u16 := func(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }

	write([]byte("RIFF"))
	write(u32(36 + dataSize))
	write([]byte("WAVE"))
	write([]byte("fmt "))
	write(u32(16))
	write(u16(1)) // PCM
	write(u16(numChannels))
	write(u32(rate))
	write(u32(rate * numChannels * bitsPerSample / 8))
	write(u16(numChannels * bitsPerSample / 8))
	write(u16(bitsPerSample))
	write([]byte("data"))
	write(u32(dataSize))

	for _, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		write(u16(uint16(int16(s * 32767))))
	}
	return buf
}

func (e *Engine) GenerateChat(context.Context, []engine.ChatMessage, *storage.ModelDescriptor, engine.InferenceParams) (string, error) {
	return "", &engine.Error{Code: engine.CodeUnsupported, Message: "onnx tts only supports speech synthesis"}
}

func (e *Engine) GenerateChatWithImages(context.Context, []engine.ChatMessage, []string, *storage.ModelDescriptor, engine.InferenceParams) (string, error) {
	return "", &engine.Error{Code: engine.CodeUnsupported, Message: "onnx tts does not support chat"}
}

func (e *Engine) GenerateCompletion(context.Context, string, *storage.ModelDescriptor, engine.InferenceParams) (string, error) {
	return "", &engine.Error{Code: engine.CodeUnsupported, Message: "onnx tts does not support completion"}
}

func (e *Engine) GenerateChatStream(context.Context, []engine.ChatMessage, *storage.ModelDescriptor, engine.InferenceParams, engine.TokenCallback) error {
	return &engine.Error{Code: engine.CodeUnsupported, Message: "onnx tts does not support chat streaming"}
}

func (e *Engine) GenerateEmbeddings(context.Context, []string, *storage.ModelDescriptor) ([][]float32, error) {
	return nil, &engine.Error{Code: engine.CodeUnsupported, Message: "onnx tts does not support embeddings"}
}

func (e *Engine) GetModelMaxContext(desc *storage.ModelDescriptor) int { return 0 }

func (e *Engine) GetModelVramBytes(ctx context.Context, desc *storage.ModelDescriptor) (uint64, error) {
	mem, err := e.GetRequiredMemoryForModel(ctx, desc)
	if err != nil {
		return 0, err
	}
	return mem.VRAMBytes, nil
}

func (e *Engine) GetRequiredMemoryForModel(ctx context.Context, desc *storage.ModelDescriptor) (engine.RequiredMemory, error) {
	info, err := os.Stat(desc.PrimaryPath)
	if err != nil {
		return engine.RequiredMemory{}, fmt.Errorf("stat %s: %w", desc.PrimaryPath, err)
	}
	weights := uint64(info.Size())
	return engine.RequiredMemory{RAMBytes: weights * 2, VRAMBytes: weights / 2}, nil
}
