package gptosscpp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelfleet/node/internal/engine"
	"github.com/modelfleet/node/internal/storage"
)

func TestIsModelSupportedRequiresGPTOSSArchitecture(t *testing.T) {
	e := New(Config{}, nil)
	assert.True(t, e.IsModelSupported(&storage.ModelDescriptor{Architecture: "GptOssForCausalLM"}))
	assert.False(t, e.IsModelSupported(&storage.ModelDescriptor{Architecture: "llama"}))
}

func TestRenderHarmonyPromptLeavesAssistantTurnOpen(t *testing.T) {
	prompt := renderHarmonyPrompt([]engine.ChatMessage{{Role: "user", Content: "hi"}})
	assert.Equal(t, "<|start|>user<|message|>hi<|end|><|start|>assistant", prompt)
}

func TestGenerateChatReturnsRawChannelMarkersUnparsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/completion", r.URL.Path)
		w.Write([]byte(`{"choices":[{"text":"<|channel|>final<|message|>the answer<|end|>"}]}`))
	}))
	defer srv.Close()

	e := New(Config{}, nil)
	e.servers["m"] = &server{baseURL: srv.URL}

	out, err := e.GenerateChat(context.Background(), []engine.ChatMessage{{Role: "user", Content: "2+2?"}}, &storage.ModelDescriptor{Name: "m"}, engine.InferenceParams{})
	require.NoError(t, err)
	assert.Contains(t, out, "<|channel|>final<|message|>the answer<|end|>")
}

func TestGenerateChatNotLoadedReturnsNotFound(t *testing.T) {
	e := New(Config{}, nil)
	_, err := e.GenerateChat(context.Background(), nil, &storage.ModelDescriptor{Name: "absent"}, engine.InferenceParams{})
	require.Error(t, err)
	var engErr *engine.Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, engine.CodeNotFound, engErr.Code)
}

func TestGenerateEmbeddingsUnsupported(t *testing.T) {
	e := New(Config{}, nil)
	_, err := e.GenerateEmbeddings(context.Background(), []string{"x"}, &storage.ModelDescriptor{Name: "m"})
	require.Error(t, err)
	var engErr *engine.Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, engine.CodeUnsupported, engErr.Code)
}

func TestGenerateChatWithImagesUnsupported(t *testing.T) {
	e := New(Config{}, nil)
	_, err := e.GenerateChatWithImages(context.Background(), nil, nil, &storage.ModelDescriptor{}, engine.InferenceParams{})
	require.Error(t, err)
}

func TestSupportsEmbeddingsFalse(t *testing.T) {
	e := New(Config{}, nil)
	assert.False(t, e.SupportsEmbeddings())
	assert.True(t, e.SupportsTextGeneration())
}
