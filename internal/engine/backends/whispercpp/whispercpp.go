// Package whispercpp implements engine.Engine and engine.AudioTranscriber
// by managing a whisper.cpp server subprocess and proxying transcription
// requests to its HTTP API.
package whispercpp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
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
const Name = storage.RuntimeWhisperCpp

type server struct {
	cmd     *exec.Cmd
	baseURL string
}

// Engine manages one whisper.cpp server subprocess per loaded model.
type Engine struct {
	log        logging.Logger
	binaryPath string
	extraArgs  []string
	httpClient *http.Client

	mu      sync.Mutex
	servers map[string]*server
}

// Config configures the whisper-server binary location.
type Config struct {
	BinaryPath string
	ExtraArgs  []string
}

// New constructs an Engine. binaryPath defaults to "whisper-server" on PATH.
func New(cfg Config, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	binaryPath := cfg.BinaryPath
	if binaryPath == "" {
		binaryPath = "whisper-server"
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
func (e *Engine) SupportsTextGeneration() bool { return false }
func (e *Engine) SupportsEmbeddings() bool     { return false }

func (e *Engine) IsModelSupported(desc *storage.ModelDescriptor) bool {
	return desc.Format == storage.FormatGGUF
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

	args := append([]string{"--model", desc.PrimaryPath, "--port", strconv.Itoa(port), "--host", "127.0.0.1"}, e.extraArgs...)
	cmd := exec.Command(e.binaryPath, args...)
	cmd.Stdout = e.log.Writer()
	cmd.Stderr = e.log.Writer()

	if err := cmd.Start(); err != nil {
		return engine.LoadResult{Code: engine.CodeUnavailable, Message: fmt.Sprintf("starting whisper-server: %v", err)}
	}

	srv := &server{cmd: cmd, baseURL: fmt.Sprintf("http://127.0.0.1:%d", port)}
	if err := e.waitReady(ctx, srv); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return engine.LoadResult{Code: engine.CodeUnavailable, Message: fmt.Sprintf("whisper-server did not become ready: %v", err)}
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

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe implements engine.AudioTranscriber by posting a multipart
// form (matching whisper.cpp server's own /inference contract) and
// decoding its JSON response.
func (e *Engine) Transcribe(ctx context.Context, req engine.AudioTranscriptionRequest, desc *storage.ModelDescriptor) (engine.AudioTranscriptionResult, error) {
	srv, err := e.serverFor(desc.Name)
	if err != nil {
		return engine.AudioTranscriptionResult{}, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return engine.AudioTranscriptionResult{}, err
	}
	if _, err := part.Write(req.Audio); err != nil {
		return engine.AudioTranscriptionResult{}, err
	}
	if req.Language != "" {
		_ = mw.WriteField("language", req.Language)
	}
	_ = mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return engine.AudioTranscriptionResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.baseURL+"/inference", &body)
	if err != nil {
		return engine.AudioTranscriptionResult{}, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return engine.AudioTranscriptionResult{}, &engine.Error{Code: engine.CodeUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return engine.AudioTranscriptionResult{}, &engine.Error{Code: engine.CodeInternal, Message: fmt.Sprintf("whisper-server returned %d: %s", resp.StatusCode, msg)}
	}

	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return engine.AudioTranscriptionResult{}, fmt.Errorf("decoding transcription response: %w", err)
	}
	return engine.AudioTranscriptionResult{Text: out.Text}, nil
}

// The text-generation surface of Engine is not meaningful for an ASR-only
// backend; these return CodeUnsupported rather than being omitted, so
// whispercpp.Engine still satisfies the full engine.Engine interface.
func (e *Engine) GenerateChat(context.Context, []engine.ChatMessage, *storage.ModelDescriptor, engine.InferenceParams) (string, error) {
	return "", &engine.Error{Code: engine.CodeUnsupported, Message: "whisper.cpp only supports audio transcription"}
}

func (e *Engine) GenerateChatWithImages(context.Context, []engine.ChatMessage, []string, *storage.ModelDescriptor, engine.InferenceParams) (string, error) {
	return "", &engine.Error{Code: engine.CodeUnsupported, Message: "whisper.cpp does not support chat"}
}

func (e *Engine) GenerateCompletion(context.Context, string, *storage.ModelDescriptor, engine.InferenceParams) (string, error) {
	return "", &engine.Error{Code: engine.CodeUnsupported, Message: "whisper.cpp does not support completion"}
}

func (e *Engine) GenerateChatStream(context.Context, []engine.ChatMessage, *storage.ModelDescriptor, engine.InferenceParams, engine.TokenCallback) error {
	return &engine.Error{Code: engine.CodeUnsupported, Message: "whisper.cpp does not support chat streaming"}
}

func (e *Engine) GenerateEmbeddings(context.Context, []string, *storage.ModelDescriptor) ([][]float32, error) {
	return nil, &engine.Error{Code: engine.CodeUnsupported, Message: "whisper.cpp does not support embeddings"}
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
	return engine.RequiredMemory{RAMBytes: weights / 4, VRAMBytes: weights + weights/10}, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
