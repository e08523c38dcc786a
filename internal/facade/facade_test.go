package facade

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelfleet/node/internal/engine"
	"github.com/modelfleet/node/internal/modelmanager"
	"github.com/modelfleet/node/internal/storage"
)

type fakeResolver struct {
	desc *storage.ModelDescriptor
}

func (f *fakeResolver) Resolve(context.Context, string) (*storage.ModelDescriptor, error) {
	return f.desc, nil
}

type fakeRegistry struct {
	eng engine.Engine
}

func (f *fakeRegistry) ResolveEngine(*storage.ModelDescriptor, storage.Capability) (engine.Engine, bool) {
	return f.eng, f.eng != nil
}

func (f *fakeRegistry) RegisteredRuntimes() []storage.Runtime {
	return []storage.Runtime{storage.RuntimeLlamaCpp}
}

type scriptedEngine struct {
	engine.ChatOnlyEngine
	chatOutput   string
	streamTokens []string
	embeddings   [][]float32
	runtime      storage.Runtime
}

func (e *scriptedEngine) Runtime() storage.Runtime                                { return e.runtime }
func (e *scriptedEngine) SupportsTextGeneration() bool                            { return true }
func (e *scriptedEngine) SupportsEmbeddings() bool                                { return true }
func (e *scriptedEngine) IsModelSupported(*storage.ModelDescriptor) bool          { return true }
func (e *scriptedEngine) LoadModel(context.Context, *storage.ModelDescriptor) engine.LoadResult {
	return engine.LoadResult{Success: true}
}
func (e *scriptedEngine) UnloadModel(*storage.ModelDescriptor) error { return nil }
func (e *scriptedEngine) GenerateChat(context.Context, []engine.ChatMessage, *storage.ModelDescriptor, engine.InferenceParams) (string, error) {
	return e.chatOutput, nil
}
func (e *scriptedEngine) GenerateCompletion(context.Context, string, *storage.ModelDescriptor, engine.InferenceParams) (string, error) {
	return e.chatOutput, nil
}
func (e *scriptedEngine) GenerateChatStream(ctx context.Context, _ []engine.ChatMessage, _ *storage.ModelDescriptor, _ engine.InferenceParams, onToken engine.TokenCallback) error {
	for _, tok := range e.streamTokens {
		if !onToken(tok) {
			return nil
		}
	}
	return nil
}
func (e *scriptedEngine) GenerateEmbeddings(context.Context, []string, *storage.ModelDescriptor) ([][]float32, error) {
	return e.embeddings, nil
}

type transcribingEngine struct {
	scriptedEngine
	transcript string
}

func (e *transcribingEngine) Transcribe(context.Context, engine.AudioTranscriptionRequest, *storage.ModelDescriptor) (engine.AudioTranscriptionResult, error) {
	return engine.AudioTranscriptionResult{Text: e.transcript}, nil
}

func newTestFacade(t *testing.T, desc *storage.ModelDescriptor, eng engine.Engine) *Facade {
	t.Helper()
	mgr := modelmanager.New(&fakeResolver{desc: desc}, &fakeRegistry{eng: eng}, nil, modelmanager.Config{}, nil)
	t.Cleanup(func() { mgr.Close() })
	return New(&fakeRegistry{eng: eng}, mgr)
}

func TestGenerateChatAppliesStopSequences(t *testing.T) {
	desc := &storage.ModelDescriptor{Name: "m", Runtime: storage.RuntimeLlamaCpp}
	eng := &scriptedEngine{chatOutput: "hello world STOP trailing junk", runtime: storage.RuntimeLlamaCpp}
	f := newTestFacade(t, desc, eng)

	out, err := f.GenerateChat(context.Background(), "m", nil, engine.InferenceParams{StopSequences: []string{"STOP", "world"}})
	require.NoError(t, err)
	// "world" occurs before "STOP"; leftmost match wins.
	assert.Equal(t, "hello ", out)
}

func TestGenerateChatNoStopSequenceMatchReturnsFullOutput(t *testing.T) {
	desc := &storage.ModelDescriptor{Name: "m", Runtime: storage.RuntimeLlamaCpp}
	eng := &scriptedEngine{chatOutput: "hello world", runtime: storage.RuntimeLlamaCpp}
	f := newTestFacade(t, desc, eng)

	out, err := f.GenerateChat(context.Background(), "m", nil, engine.InferenceParams{StopSequences: []string{"nope"}})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestGenerateChatGPTOSSExtractsFinalChannel(t *testing.T) {
	desc := &storage.ModelDescriptor{Name: "m", Runtime: storage.RuntimeGPTOSSCpp}
	raw := "<|start|>assistant<|channel|>analysis<|message|>thinking...<|end|>" +
		"<|start|>assistant<|channel|>final<|message|>the answer is 4<|end|>"
	eng := &scriptedEngine{chatOutput: raw, runtime: storage.RuntimeGPTOSSCpp}
	f := newTestFacade(t, desc, eng)

	out, err := f.GenerateChat(context.Background(), "m", nil, engine.InferenceParams{})
	require.NoError(t, err)
	assert.Equal(t, "the answer is 4", out)
}

func TestGenerateChatGPTOSSMissingEndTerminatorNotEmpty(t *testing.T) {
	desc := &storage.ModelDescriptor{Name: "m", Runtime: storage.RuntimeGPTOSSCpp}
	raw := "<|start|>assistant<|channel|>final<|message|>partial answer with no terminator"
	eng := &scriptedEngine{chatOutput: raw, runtime: storage.RuntimeGPTOSSCpp}
	f := newTestFacade(t, desc, eng)

	out, err := f.GenerateChat(context.Background(), "m", nil, engine.InferenceParams{})
	require.NoError(t, err)
	assert.Equal(t, "partial answer with no terminator", out)
	assert.NotEmpty(t, out)
}

func TestGenerateChatSanitizesInvalidUTF8(t *testing.T) {
	desc := &storage.ModelDescriptor{Name: "m", Runtime: storage.RuntimeLlamaCpp}
	eng := &scriptedEngine{chatOutput: "valid text \xff\xfe tail", runtime: storage.RuntimeLlamaCpp}
	f := newTestFacade(t, desc, eng)

	out, err := f.GenerateChat(context.Background(), "m", nil, engine.InferenceParams{})
	require.NoError(t, err)
	assert.Contains(t, out, "valid text")
	assert.NotContains(t, out, "\xff")
}

func TestGenerateChatStreamStopsAtStopSequenceAcrossTokenBoundary(t *testing.T) {
	desc := &storage.ModelDescriptor{Name: "m", Runtime: storage.RuntimeLlamaCpp}
	eng := &scriptedEngine{streamTokens: []string{"hel", "lo ST", "OP world"}, runtime: storage.RuntimeLlamaCpp}
	f := newTestFacade(t, desc, eng)

	var got string
	err := f.GenerateChatStream(context.Background(), "m", nil, engine.InferenceParams{StopSequences: []string{"STOP"}}, func(tok string) bool {
		got += tok
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, "hello ", got)
}

func TestGenerateChatStreamDeliversAllTokensWhenNoStopMatches(t *testing.T) {
	desc := &storage.ModelDescriptor{Name: "m", Runtime: storage.RuntimeLlamaCpp}
	eng := &scriptedEngine{streamTokens: []string{"a", "b", "c"}, runtime: storage.RuntimeLlamaCpp}
	f := newTestFacade(t, desc, eng)

	var got string
	err := f.GenerateChatStream(context.Background(), "m", nil, engine.InferenceParams{}, func(tok string) bool {
		got += tok
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
}

func TestGenerateEmbeddingsReturnsVectorsUnmodified(t *testing.T) {
	desc := &storage.ModelDescriptor{Name: "m", Runtime: storage.RuntimeLlamaCpp}
	eng := &scriptedEngine{embeddings: [][]float32{{1, 2, 3}}, runtime: storage.RuntimeLlamaCpp}
	f := newTestFacade(t, desc, eng)

	out, err := f.GenerateEmbeddings(context.Background(), "m", []string{"hi"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2, 3}}, out)
}

func TestLoadModelRejectsUnknownCapability(t *testing.T) {
	desc := &storage.ModelDescriptor{Name: "m", Runtime: storage.RuntimeLlamaCpp}
	eng := &scriptedEngine{runtime: storage.RuntimeLlamaCpp}
	f := newTestFacade(t, desc, eng)

	res := f.LoadModel(context.Background(), "m", storage.Capability("not-a-capability"))
	assert.False(t, res.Success)
}

func TestLoadModelSucceedsAndReleasesHandle(t *testing.T) {
	desc := &storage.ModelDescriptor{Name: "m", Runtime: storage.RuntimeLlamaCpp}
	eng := &scriptedEngine{runtime: storage.RuntimeLlamaCpp}
	f := newTestFacade(t, desc, eng)

	res := f.LoadModel(context.Background(), "m", storage.CapabilityText)
	assert.True(t, res.Success)
}

func TestGetRegisteredRuntimes(t *testing.T) {
	f := New(&fakeRegistry{}, nil)
	assert.Equal(t, []storage.Runtime{storage.RuntimeLlamaCpp}, f.GetRegisteredRuntimes())
}

func TestTranscribeDispatchesToAudioTranscriber(t *testing.T) {
	desc := &storage.ModelDescriptor{Name: "m", Runtime: storage.RuntimeWhisperCpp}
	eng := &transcribingEngine{scriptedEngine: scriptedEngine{runtime: storage.RuntimeWhisperCpp}, transcript: "hello"}
	f := newTestFacade(t, desc, eng)

	out, err := f.Transcribe(context.Background(), "m", engine.AudioTranscriptionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Text)
}

func TestSynthesizeUnsupportedWhenEngineLacksInterface(t *testing.T) {
	desc := &storage.ModelDescriptor{Name: "m", Runtime: storage.RuntimeLlamaCpp}
	eng := &scriptedEngine{runtime: storage.RuntimeLlamaCpp}
	f := newTestFacade(t, desc, eng)

	_, err := f.Synthesize(context.Background(), "m", engine.SpeechRequest{Input: "hi"})
	require.Error(t, err)
}

func TestGenerateImagesUnsupportedWhenEngineLacksInterface(t *testing.T) {
	desc := &storage.ModelDescriptor{Name: "m", Runtime: storage.RuntimeLlamaCpp}
	eng := &scriptedEngine{runtime: storage.RuntimeLlamaCpp}
	f := newTestFacade(t, desc, eng)

	_, err := f.GenerateImages(context.Background(), "m", engine.ImageRequest{Prompt: "x"})
	require.Error(t, err)
}

func TestApplyStopSequencesRoundTripWhenStopNotPresent(t *testing.T) {
	generated := "the quick brown fox"
	assert.Equal(t, generated, applyStopSequences(generated, []string{"never-appears"}))
}

func TestStreamTruncatorHoldsBackPartialStopSequencePrefix(t *testing.T) {
	tr := newStreamTruncator([]string{"STOP"})

	chunk, stop := tr.feed("foo ST")
	assert.False(t, stop)
	assert.Equal(t, "foo ", chunk)

	chunk, stop = tr.feed("OP bar")
	assert.True(t, stop)
	assert.Equal(t, "", chunk)
}
