package ollamacompat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelfleet/node/internal/modelmanager"
	"github.com/modelfleet/node/internal/storage"
)

type fakeModelSource struct {
	descs []*storage.ModelDescriptor
}

func (f *fakeModelSource) ListAvailableDescriptors() ([]*storage.ModelDescriptor, error) {
	return f.descs, nil
}

type fakeRunningSource struct {
	loaded []modelmanager.LoadedModelInfo
}

func (f *fakeRunningSource) GetLoadedModels() []modelmanager.LoadedModelInfo {
	return f.loaded
}

func writeManifest(t *testing.T, root, registry, namespace, name, tag string) {
	t.Helper()
	dir := filepath.Join(root, "manifests", registry, namespace, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := `{"layers":[{"mediaType":"application/vnd.ollama.image.model","digest":"sha256:abc123","size":4096}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, tag), []byte(body), 0o644))
}

func TestHandleTagsReturnsSyncedModels(t *testing.T) {
	models := &fakeModelSource{descs: []*storage.ModelDescriptor{
		{Name: "qwen2.5:7b", Format: storage.FormatGGUF, Architecture: "qwen2"},
	}}
	h := NewHandler(nil, models, &fakeRunningSource{}, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/tags", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp TagsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Models, 1)
	assert.Equal(t, "qwen2.5:7b", resp.Models[0].Name)
	assert.Equal(t, "qwen2", resp.Models[0].Details.Family)
}

func TestHandleTagsMergesOllamaMirrorWithoutRouterCollision(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "registry.ollama.ai", "library", "llama3", "8b")

	models := &fakeModelSource{descs: []*storage.ModelDescriptor{
		{Name: "qwen2.5:7b", Format: storage.FormatGGUF, Architecture: "qwen2"},
	}}
	h := NewHandler(nil, models, &fakeRunningSource{}, dir, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/tags", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp TagsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Models, 2)

	names := []string{resp.Models[0].Name, resp.Models[1].Name}
	assert.Contains(t, names, "qwen2.5:7b")
	assert.Contains(t, names, "library/llama3:8b")
}

func TestHandleTagsRouterWinsNameCollision(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "registry.ollama.ai", "library", "qwen2.5", "7b")

	models := &fakeModelSource{descs: []*storage.ModelDescriptor{
		{Name: "library/qwen2.5:7b", Format: storage.FormatGGUF, Architecture: "qwen2", PrimaryPath: "/router/synced.gguf"},
	}}
	h := NewHandler(nil, models, &fakeRunningSource{}, dir, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/tags", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp TagsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Models, 1)
	assert.Equal(t, "library/qwen2.5:7b", resp.Models[0].Name)
	assert.Equal(t, "qwen2", resp.Models[0].Details.Family)
}

func TestHandlePSReturnsLoadedModels(t *testing.T) {
	running := &fakeRunningSource{loaded: []modelmanager.LoadedModelInfo{
		{Name: "qwen2.5:7b", EngineID: "llamacpp-0", VRAMBytes: 6 << 30},
	}}
	h := NewHandler(nil, &fakeModelSource{}, running, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/ps", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Models []PSModelEntry `json:"models"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Models, 1)
	assert.Equal(t, "qwen2.5:7b", body.Models[0].Name)
	assert.EqualValues(t, 6<<30, body.Models[0].SizeVRAM)
}

func TestHandleShowReturnsNotFoundForUnknownModel(t *testing.T) {
	h := NewHandler(nil, &fakeModelSource{}, &fakeRunningSource{}, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/show", strings.NewReader(`{"name":"missing:1b"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleShowReturnsDetailsForSyncedModel(t *testing.T) {
	models := &fakeModelSource{descs: []*storage.ModelDescriptor{
		{Name: "qwen2.5:7b", Format: storage.FormatGGUF, Architecture: "qwen2"},
	}}
	h := NewHandler(nil, models, &fakeRunningSource{}, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/show", strings.NewReader(`{"model":"qwen2.5:7b"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ShowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "qwen2", resp.Details.Family)
}

func TestHandleShowRejectsMissingName(t *testing.T) {
	h := NewHandler(nil, &fakeModelSource{}, &fakeRunningSource{}, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/show", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
