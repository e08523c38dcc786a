package llamacpp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelfleet/node/internal/engine"
	"github.com/modelfleet/node/internal/storage"
)

func TestIsModelSupportedRequiresGGUF(t *testing.T) {
	e := New(Config{}, nil)
	assert.True(t, e.IsModelSupported(&storage.ModelDescriptor{Format: storage.FormatGGUF}))
	assert.False(t, e.IsModelSupported(&storage.ModelDescriptor{Format: storage.FormatSafetensors}))
}

func TestGenerateChatNotLoadedReturnsNotFound(t *testing.T) {
	e := New(Config{}, nil)
	_, err := e.GenerateChat(context.Background(), nil, &storage.ModelDescriptor{Name: "never-loaded"}, engine.InferenceParams{})
	require.Error(t, err)

	var engErr *engine.Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, engine.CodeNotFound, engErr.Code)
}

func TestGenerateChatParsesOpenAIResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`))
	}))
	defer srv.Close()

	e := New(Config{}, nil)
	e.servers["m"] = &server{baseURL: srv.URL}

	out, err := e.GenerateChat(context.Background(), []engine.ChatMessage{{Role: "user", Content: "hello"}}, &storage.ModelDescriptor{Name: "m"}, engine.InferenceParams{})
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)
}

func TestGenerateChatStreamParsesSSEDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n"))
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	e := New(Config{}, nil)
	e.servers["m"] = &server{baseURL: srv.URL}

	var got string
	err := e.GenerateChatStream(context.Background(), nil, &storage.ModelDescriptor{Name: "m"}, engine.InferenceParams{}, func(tok string) bool {
		got += tok
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestGenerateEmbeddingsParsesVectors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2]},{"embedding":[0.3,0.4]}]}`))
	}))
	defer srv.Close()

	e := New(Config{}, nil)
	e.servers["m"] = &server{baseURL: srv.URL}

	vecs, err := e.GenerateEmbeddings(context.Background(), []string{"a", "b"}, &storage.ModelDescriptor{Name: "m"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vecs[0])
}

func TestUnloadModelIsIdempotentWhenNeverLoaded(t *testing.T) {
	e := New(Config{}, nil)
	assert.NoError(t, e.UnloadModel(&storage.ModelDescriptor{Name: "absent"}))
}

func TestGetRequiredMemoryForModelScalesWithFileSize(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "model-*.gguf")
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 1000))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e := New(Config{}, nil)
	mem, err := e.GetRequiredMemoryForModel(context.Background(), &storage.ModelDescriptor{PrimaryPath: f.Name()})
	require.NoError(t, err)
	assert.Greater(t, mem.VRAMBytes, uint64(1000))
}

func TestGetModelMaxContextDefaultsWhenUnset(t *testing.T) {
	e := New(Config{}, nil)
	assert.Equal(t, 4096, e.GetModelMaxContext(&storage.ModelDescriptor{}))
}

func TestGetModelMaxContextReadsMetadataOverride(t *testing.T) {
	e := New(Config{}, nil)
	desc := &storage.ModelDescriptor{Metadata: &storage.Metadata{Extra: map[string]string{"context_size": "8192"}}}
	assert.Equal(t, 8192, e.GetModelMaxContext(desc))
}
