// Package gptosscpp implements engine.Engine for gpt-oss models: a
// llama.cpp-derived server process addressed with the raw Harmony prompt
// format, so its multi-channel output (<|channel|>analysis ... <|channel|>
// final ...) reaches the façade unparsed for postProcessGeneratedText to
// extract.
package gptosscpp

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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modelfleet/node/internal/engine"
	"github.com/modelfleet/node/internal/logging"
	"github.com/modelfleet/node/internal/storage"
)

// Name is this engine's runtime identifier.
const Name = storage.RuntimeGPTOSSCpp

const (
	harmonyStart   = "<|start|>"
	harmonyChannel = "<|channel|>"
	harmonyMessage = "<|message|>"
	harmonyEnd     = "<|end|>"
)

type server struct {
	cmd     *exec.Cmd
	baseURL string
}

// Engine manages one gpt-oss.cpp server subprocess per loaded model and
// talks to its raw-completion endpoint with a hand-built Harmony prompt,
// deliberately bypassing any server-side chat templating that would strip
// the channel markers the façade relies on.
type Engine struct {
	log        logging.Logger
	binaryPath string
	extraArgs  []string
	httpClient *http.Client

	mu      sync.Mutex
	servers map[string]*server
}

// Config configures the gpt-oss.cpp server binary location.
type Config struct {
	BinaryPath string
	ExtraArgs  []string
}

// New constructs an Engine. binaryPath defaults to "gpt-oss-server" on PATH.
func New(cfg Config, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	binaryPath := cfg.BinaryPath
	if binaryPath == "" {
		binaryPath = "gpt-oss-server"
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
func (e *Engine) SupportsEmbeddings() bool     { return false }

// IsModelSupported accepts either GGUF or safetensors artifacts tagged
// with a gpt-oss architecture name, matching spec's architecture-reject
// scenario (a generic llama-only engine must not claim a gpt-oss model,
// and conversely this engine must not claim a non-gpt-oss one).
func (e *Engine) IsModelSupported(desc *storage.ModelDescriptor) bool {
	return strings.Contains(strings.ToLower(desc.Architecture), "gptoss")
}

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

	args := append([]string{"--model", desc.PrimaryPath, "--port", strconv.Itoa(port), "--host", "127.0.0.1", "--no-chat-template"}, e.extraArgs...)
	cmd := exec.Command(e.binaryPath, args...)
	cmd.Stdout = e.log.Writer()
	cmd.Stderr = e.log.Writer()

	if err := cmd.Start(); err != nil {
		return engine.LoadResult{Code: engine.CodeUnavailable, Message: fmt.Sprintf("starting gpt-oss.cpp server: %v", err)}
	}

	srv := &server{cmd: cmd, baseURL: fmt.Sprintf("http://127.0.0.1:%d", port)}
	if err := e.waitReady(ctx, srv); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return engine.LoadResult{Code: engine.CodeUnavailable, Message: fmt.Sprintf("gpt-oss.cpp server did not become ready: %v", err)}
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

// renderHarmonyPrompt turns a chat turn list into the raw Harmony prompt
// format gpt-oss models are trained on, leaving the trailing assistant
// turn open so the server continues it with <|channel|>...<|message|>...
func renderHarmonyPrompt(msgs []engine.ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(harmonyStart)
		b.WriteString(m.Role)
		b.WriteString(harmonyMessage)
		b.WriteString(m.Content)
		b.WriteString(harmonyEnd)
	}
	b.WriteString(harmonyStart)
	b.WriteString("assistant")
	return b.String()
}

type rawCompletionRequest struct {
	Prompt      string   `json:"prompt"`
	Stream      bool     `json:"stream"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type rawCompletionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

func (e *Engine) GenerateChat(ctx context.Context, msgs []engine.ChatMessage, desc *storage.ModelDescriptor, params engine.InferenceParams) (string, error) {
	return e.generateRaw(ctx, renderHarmonyPrompt(msgs), desc, params)
}

func (e *Engine) GenerateCompletion(ctx context.Context, prompt string, desc *storage.ModelDescriptor, params engine.InferenceParams) (string, error) {
	return e.generateRaw(ctx, prompt, desc, params)
}

func (e *Engine) generateRaw(ctx context.Context, prompt string, desc *storage.ModelDescriptor, params engine.InferenceParams) (string, error) {
	srv, err := e.serverFor(desc.Name)
	if err != nil {
		return "", err
	}

	// Harmony's own <|end|> terminates a channel; the normal stop-sequence
	// list must not be forwarded to the server, since truncating there
	// (rather than in the façade, after channel extraction) would risk
	// cutting the final channel before postProcessGeneratedText sees it.
	body, err := json.Marshal(rawCompletionRequest{
		Prompt:      prompt,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	})
	if err != nil {
		return "", err
	}

	resp, err := e.post(ctx, srv.baseURL+"/completion", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out rawCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding gpt-oss completion response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Text, nil
}

func (e *Engine) GenerateChatStream(ctx context.Context, msgs []engine.ChatMessage, desc *storage.ModelDescriptor, params engine.InferenceParams, onToken engine.TokenCallback) error {
	srv, err := e.serverFor(desc.Name)
	if err != nil {
		return err
	}

	body, err := json.Marshal(rawCompletionRequest{
		Prompt:      renderHarmonyPrompt(msgs),
		Stream:      true,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	})
	if err != nil {
		return err
	}

	resp, err := e.post(ctx, srv.baseURL+"/completion", body)
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
		var chunk rawCompletionResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if tok := chunk.Choices[0].Text; tok != "" {
			if !onToken(tok) {
				return nil
			}
		}
	}
	return scanner.Err()
}

func (e *Engine) GenerateChatWithImages(ctx context.Context, _ []engine.ChatMessage, _ []string, _ *storage.ModelDescriptor, _ engine.InferenceParams) (string, error) {
	return "", &engine.Error{Code: engine.CodeUnsupported, Message: "gpt-oss.cpp does not support image inputs"}
}

func (e *Engine) GenerateEmbeddings(ctx context.Context, texts []string, desc *storage.ModelDescriptor) ([][]float32, error) {
	return nil, &engine.Error{Code: engine.CodeUnsupported, Message: "gpt-oss.cpp does not support embeddings"}
}

func (e *Engine) GetModelMaxContext(desc *storage.ModelDescriptor) int {
	return 131072
}

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
	return engine.RequiredMemory{RAMBytes: weights / 10, VRAMBytes: weights + weights/5}, nil
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
		return nil, &engine.Error{Code: engine.CodeInternal, Message: fmt.Sprintf("gpt-oss.cpp server returned %d: %s", resp.StatusCode, msg)}
	}
	return resp, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
