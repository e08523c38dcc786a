// Package llamacpp implements engine.Engine by managing a llama-server
// subprocess per loaded model and speaking its OpenAI-compatible HTTP API.
package llamacpp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modelfleet/node/internal/engine"
	"github.com/modelfleet/node/internal/logging"
	"github.com/modelfleet/node/internal/storage"
)

// Name is this engine's runtime identifier.
const Name = storage.RuntimeLlamaCpp

// server tracks one running llama-server process serving one loaded model.
type server struct {
	cmd     *exec.Cmd
	baseURL string
	port    int
}

// Engine is the llama.cpp-backed engine.Engine implementation. One process
// is spawned per loaded model; LoadModel/UnloadModel manage its lifecycle
// and the Generate* methods proxy to its HTTP API.
type Engine struct {
	log        logging.Logger
	binaryPath string
	extraArgs  []string
	httpClient *http.Client

	mu      sync.Mutex
	servers map[string]*server
}

// Config configures the llama-server binary location and any operator-
// supplied extra CLI flags (already validated by engine.ValidateRuntimeFlags).
type Config struct {
	BinaryPath string
	ExtraArgs  []string
}

// New constructs an Engine. binaryPath defaults to "llama-server" on PATH
// if cfg.BinaryPath is empty.
func New(cfg Config, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	binaryPath := cfg.BinaryPath
	if binaryPath == "" {
		binaryPath = "llama-server"
	}
	return &Engine{
		log:        log,
		binaryPath: binaryPath,
		extraArgs:  cfg.ExtraArgs,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		servers:    make(map[string]*server),
	}
}

func (e *Engine) Runtime() storage.Runtime     { return Name }
func (e *Engine) SupportsTextGeneration() bool { return true }
func (e *Engine) SupportsEmbeddings() bool     { return true }

func (e *Engine) IsModelSupported(desc *storage.ModelDescriptor) bool {
	return desc.Format == storage.FormatGGUF
}

// defaultArgs mirrors the teacher's default llama-server invocation:
// full GPU offload, metrics endpoint, and an ARM64-aware thread count.
func defaultArgs() []string {
	args := []string{"-ngl", "999", "--metrics"}
	if runtime.GOOS == "darwin" {
		args = append(args, "--no-mmap")
	}
	if runtime.GOARCH == "arm64" {
		nThreads := runtime.NumCPU() / 2
		if nThreads < 2 {
			nThreads = 2
		}
		args = append(args, "--threads", strconv.Itoa(nThreads))
	}
	return args
}

// LoadModel spawns a llama-server process bound to a free loopback port
// and blocks until its /health endpoint responds or ctx expires.
func (e *Engine) LoadModel(ctx context.Context, desc *storage.ModelDescriptor) engine.LoadResult {
	e.mu.Lock()
	if _, exists := e.servers[desc.Name]; exists {
		e.mu.Unlock()
		return engine.LoadResult{Success: true}
	}
	e.mu.Unlock()

	port, err := freePort()
	if err != nil {
		return engine.LoadResult{Code: engine.CodeUnavailable, Message: fmt.Sprintf("allocating port: %v", err)}
	}

	args := append(defaultArgs(), "--model", desc.PrimaryPath, "--port", strconv.Itoa(port), "--host", "127.0.0.1")
	if desc.Metadata != nil && desc.Metadata.ChatTemplate != "" {
		args = append(args, "--chat-template", desc.Metadata.ChatTemplate)
	} else {
		args = append(args, "--jinja")
	}
	args = append(args, e.extraArgs...)

	cmd := exec.Command(e.binaryPath, args...)
	cmd.Stdout = e.log.Writer()
	cmd.Stderr = e.log.Writer()

	if err := cmd.Start(); err != nil {
		return engine.LoadResult{Code: engine.CodeUnavailable, Message: fmt.Sprintf("starting llama-server: %v", err)}
	}

	srv := &server{cmd: cmd, port: port, baseURL: fmt.Sprintf("http://127.0.0.1:%d", port)}

	if err := e.waitReady(ctx, srv); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return engine.LoadResult{Code: engine.CodeUnavailable, Message: fmt.Sprintf("llama-server did not become ready: %v", err)}
	}

	e.mu.Lock()
	e.servers[desc.Name] = srv
	e.mu.Unlock()

	return engine.LoadResult{Success: true}
}

func (e *Engine) waitReady(ctx context.Context, srv *server) error {
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.baseURL+"/health", nil)
		if err == nil {
			if resp, err := e.httpClient.Do(req); err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for health check")
}

// UnloadModel terminates the model's llama-server process. Safe to call
// even if LoadModel never succeeded for this model.
func (e *Engine) UnloadModel(desc *storage.ModelDescriptor) error {
	e.mu.Lock()
	srv, ok := e.servers[desc.Name]
	if ok {
		delete(e.servers, desc.Name)
	}
	e.mu.Unlock()

	if !ok {
		return nil
	}
	if err := srv.cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "process already finished") {
		return err
	}
	_ = srv.cmd.Wait()
	return nil
}

func (e *Engine) serverFor(name string) (*server, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	srv, ok := e.servers[name]
	if !ok {
		return nil, &engine.Error{Code: engine.CodeNotFound, Message: fmt.Sprintf("model %q is not loaded", name)}
	}
	return srv, nil
}

type chatCompletionRequest struct {
	Model            string        `json:"model"`
	Messages         []openAIMsg   `json:"messages"`
	Stream           bool          `json:"stream"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	Temperature      float64       `json:"temperature,omitempty"`
	TopP             float64       `json:"top_p,omitempty"`
	TopK             int           `json:"top_k,omitempty"`
	RepeatPenalty    float64       `json:"repeat_penalty,omitempty"`
	PresencePenalty  float64       `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64       `json:"frequency_penalty,omitempty"`
	Seed             int64         `json:"seed,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
}

type openAIMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message openAIMsg `json:"message"`
		Delta   openAIMsg `json:"delta"`
	} `json:"choices"`
}

func toRequestBody(model string, msgs []engine.ChatMessage, params engine.InferenceParams, stream bool) chatCompletionRequest {
	oaiMsgs := make([]openAIMsg, len(msgs))
	for i, m := range msgs {
		oaiMsgs[i] = openAIMsg{Role: m.Role, Content: m.Content}
	}
	return chatCompletionRequest{
		Model:            model,
		Messages:         oaiMsgs,
		Stream:           stream,
		MaxTokens:        params.MaxTokens,
		Temperature:      params.Temperature,
		TopP:             params.TopP,
		TopK:             params.TopK,
		RepeatPenalty:    params.RepeatPenalty,
		PresencePenalty:  params.PresencePenalty,
		FrequencyPenalty: params.FrequencyPenalty,
		Seed:             params.Seed,
		Stop:             params.StopSequences,
	}
}

func (e *Engine) GenerateChat(ctx context.Context, msgs []engine.ChatMessage, desc *storage.ModelDescriptor, params engine.InferenceParams) (string, error) {
	srv, err := e.serverFor(desc.Name)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(toRequestBody(desc.Name, msgs, params, false))
	if err != nil {
		return "", err
	}

	resp, err := e.post(ctx, srv.baseURL+"/v1/chat/completions", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding chat completion response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Message.Content, nil
}

func (e *Engine) GenerateChatStream(ctx context.Context, msgs []engine.ChatMessage, desc *storage.ModelDescriptor, params engine.InferenceParams, onToken engine.TokenCallback) error {
	srv, err := e.serverFor(desc.Name)
	if err != nil {
		return err
	}

	body, err := json.Marshal(toRequestBody(desc.Name, msgs, params, true))
	if err != nil {
		return err
	}

	resp, err := e.post(ctx, srv.baseURL+"/v1/chat/completions", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil
		}

		var chunk chatCompletionResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if tok := chunk.Choices[0].Delta.Content; tok != "" {
			if !onToken(tok) {
				return nil
			}
		}
	}
	return scanner.Err()
}

type completionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

func (e *Engine) GenerateCompletion(ctx context.Context, prompt string, desc *storage.ModelDescriptor, params engine.InferenceParams) (string, error) {
	srv, err := e.serverFor(desc.Name)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(completionRequest{Model: desc.Name, Prompt: prompt})
	if err != nil {
		return "", err
	}

	resp, err := e.post(ctx, srv.baseURL+"/v1/completions", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding completion response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Text, nil
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *Engine) GenerateEmbeddings(ctx context.Context, texts []string, desc *storage.ModelDescriptor) ([][]float32, error) {
	srv, err := e.serverFor(desc.Name)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(embeddingsRequest{Model: desc.Name, Input: texts})
	if err != nil {
		return nil, err
	}

	resp, err := e.post(ctx, srv.baseURL+"/v1/embeddings", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding embeddings response: %w", err)
	}

	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func (e *Engine) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &engine.Error{Code: engine.CodeUnavailable, Message: err.Error()}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &engine.Error{Code: engine.CodeInternal, Message: fmt.Sprintf("llama-server returned %d: %s", resp.StatusCode, msg)}
	}
	return resp, nil
}

// GetModelMaxContext reports the model's configured context window, falling
// back to llama.cpp's own default when the descriptor doesn't specify one.
func (e *Engine) GetModelMaxContext(desc *storage.ModelDescriptor) int {
	if desc.Metadata != nil {
		if v, ok := desc.Metadata.Extra["context_size"]; ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return 4096
}

// GetModelVramBytes estimates VRAM usage for a full GPU offload as the
// on-disk GGUF size plus one fifth of that size as overhead for the KV
// cache and activation buffers, since llama.cpp doesn't expose an exact figure until a process
// is actually running.
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
	overhead := weights / 5 // rough KV-cache/activation overhead at default context size
	return engine.RequiredMemory{
		RAMBytes:  weights / 10, // host-side mmap bookkeeping, not the full weights
		VRAMBytes: weights + overhead,
	}, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
