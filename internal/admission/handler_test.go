package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelfleet/node/internal/engine"
	"github.com/modelfleet/node/internal/nodeerr"
	"github.com/modelfleet/node/internal/storage"
)

type fakeFacade struct {
	chatOutput      string
	streamTokens    []string
	embeddings      [][]float32
	transcript      string
	speechAudio     []byte
	images          []engine.ImageResult
	err             error
	lastParams      engine.InferenceParams
	lastImageURLs   []string
}

func (f *fakeFacade) GenerateChat(_ context.Context, _ string, _ []engine.ChatMessage, params engine.InferenceParams) (string, error) {
	f.lastParams = params
	if f.err != nil {
		return "", f.err
	}
	return f.chatOutput, nil
}

func (f *fakeFacade) GenerateChatWithImages(_ context.Context, _ string, _ []engine.ChatMessage, imageURLs []string, params engine.InferenceParams) (string, error) {
	f.lastParams = params
	f.lastImageURLs = imageURLs
	if f.err != nil {
		return "", f.err
	}
	return f.chatOutput, nil
}

func (f *fakeFacade) GenerateCompletion(_ context.Context, _ string, _ string, params engine.InferenceParams) (string, error) {
	f.lastParams = params
	if f.err != nil {
		return "", f.err
	}
	return f.chatOutput, nil
}

func (f *fakeFacade) GenerateChatStream(_ context.Context, _ string, _ []engine.ChatMessage, _ engine.InferenceParams, onToken engine.TokenCallback) error {
	if f.err != nil {
		return f.err
	}
	for _, tok := range f.streamTokens {
		if !onToken(tok) {
			break
		}
	}
	return nil
}

func (f *fakeFacade) GenerateEmbeddings(_ context.Context, _ string, _ []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.embeddings, nil
}

func (f *fakeFacade) Transcribe(_ context.Context, _ string, _ engine.AudioTranscriptionRequest) (engine.AudioTranscriptionResult, error) {
	if f.err != nil {
		return engine.AudioTranscriptionResult{}, f.err
	}
	return engine.AudioTranscriptionResult{Text: f.transcript}, nil
}

func (f *fakeFacade) Synthesize(_ context.Context, _ string, _ engine.SpeechRequest) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.speechAudio, nil
}

func (f *fakeFacade) GenerateImages(_ context.Context, _ string, _ engine.ImageRequest) ([]engine.ImageResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.images, nil
}

type fakeLister struct {
	descs []*storage.ModelDescriptor
}

func (f *fakeLister) ListAvailableDescriptors() ([]*storage.ModelDescriptor, error) {
	return f.descs, nil
}

func newTestHandler(facade Facade) *Handler {
	h := NewHandler(facade, &fakeLister{descs: []*storage.ModelDescriptor{{Name: "qwen2.5"}}}, Config{}, nil, nil)
	h.SetReady(true)
	return h
}

func TestListModelsIsExemptFromReadinessGate(t *testing.T) {
	h := NewHandler(&fakeFacade{}, &fakeLister{descs: []*storage.ModelDescriptor{{Name: "m"}}}, Config{}, nil, nil)
	// never call SetReady(true)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "list", body.Object)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "m", body.Data[0].ID)
}

func TestChatCompletionsReturns503WhenNotReady(t *testing.T) {
	h := NewHandler(&fakeFacade{}, &fakeLister{}, Config{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "service_unavailable", body.Error.Type)
}

func TestChatCompletionsRejectsMissingModel(t *testing.T) {
	h := newTestHandler(&fakeFacade{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletionsRejectsEmptyMessages(t *testing.T) {
	h := newTestHandler(&fakeFacade{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m","messages":[]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletionsRejectsOutOfRangeTemperature(t *testing.T) {
	h := newTestHandler(&fakeFacade{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}],"temperature":3.0}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletionsRejectsLogprobsWithStream(t *testing.T) {
	h := newTestHandler(&fakeFacade{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}],"logprobs":true,"stream":true}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletionsRejectsMoreThanTenImages(t *testing.T) {
	parts := make([]map[string]interface{}, 0, 11)
	for i := 0; i < 11; i++ {
		parts = append(parts, map[string]interface{}{"type": "image_url", "image_url": map[string]string{"url": "http://x/img.png"}})
	}
	body, _ := json.Marshal(map[string]interface{}{
		"model": "m",
		"messages": []map[string]interface{}{
			{"role": "user", "content": parts},
		},
	})

	h := newTestHandler(&fakeFacade{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletionsHappyPath(t *testing.T) {
	facade := &fakeFacade{chatOutput: "hello there"}
	h := newTestHandler(facade)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"qwen2.5","messages":[{"role":"user","content":"hi"}],"temperature":0.5}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Choices, 1)
	assert.Equal(t, "hello there", body.Choices[0].Message.Content)
	assert.InDelta(t, 0.5, facade.lastParams.Temperature, 0.0001)
}

func TestChatCompletionsStreamsSSEFrames(t *testing.T) {
	facade := &fakeFacade{streamTokens: []string{"a", "b", "c"}}
	h := newTestHandler(facade)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"qwen2.5","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	assert.Contains(t, out, "data: ")
	assert.Contains(t, out, "data: [DONE]\n\n")
}

func TestChatCompletionsMapsNotFoundToHTTP404(t *testing.T) {
	facade := &fakeFacade{err: nodeerr.New(nodeerr.KindNotFound, "model %q not found", "missing")}
	h := newTestHandler(facade)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"missing","messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCompletionsRejectsEmptyPrompt(t *testing.T) {
	h := newTestHandler(&fakeFacade{})

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"m","prompt":""}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEmbeddingsAcceptsStringOrArrayInput(t *testing.T) {
	facade := &fakeFacade{embeddings: [][]float32{{1, 2}, {3, 4}}}
	h := newTestHandler(facade)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(`{"model":"qwen2.5","input":["a","b"]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 2)
}

func TestAudioTranscriptionsReturnsText(t *testing.T) {
	facade := &fakeFacade{transcript: "the quick brown fox"}
	h := newTestHandler(facade)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "sample.wav")
	fw.Write([]byte("RIFF...."))
	_ = mw.WriteField("model", "whisper-base")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "the quick brown fox", body.Text)
}

func TestAudioSpeechReturnsWAVBytes(t *testing.T) {
	facade := &fakeFacade{speechAudio: []byte("RIFF-fake-wav")}
	h := newTestHandler(facade)

	req := httptest.NewRequest(http.MethodPost, "/v1/audio/speech", strings.NewReader(`{"model":"tts-1","input":"hello"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RIFF-fake-wav", w.Body.String())
	assert.Equal(t, "audio/wav", w.Header().Get("Content-Type"))
}

func TestImageGenerationsReturnsBase64Images(t *testing.T) {
	facade := &fakeFacade{images: []engine.ImageResult{{Data: []byte("png-bytes")}}}
	h := newTestHandler(facade)

	req := httptest.NewRequest(http.MethodPost, "/v1/images/generations", strings.NewReader(`{"model":"sd-1","prompt":"a cat"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.NotEmpty(t, body.Data[0].B64JSON)
}

func TestConcurrencyLimitRejectsWithTooManyRequests(t *testing.T) {
	facade := &fakeFacade{chatOutput: "ok"}
	h := NewHandler(facade, &fakeLister{}, Config{MaxConcurrentRequests: 1}, nil, nil)
	h.SetReady(true)

	// Manually occupy the single slot to simulate an in-flight request.
	require.True(t, h.tryAcquire())
	defer h.release()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
