// Package ollamacompat implements the node's Ollama API compatibility
// surface (/api/tags, /api/ps, /api/show), adapted from the teacher's
// pkg/ollama so a client written against Ollama's API works unmodified.
package ollamacompat

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/modelfleet/node/internal/logging"
	"github.com/modelfleet/node/internal/middleware"
	"github.com/modelfleet/node/internal/modelmanager"
	"github.com/modelfleet/node/internal/storage"
)

// APIPrefix mirrors the teacher's Ollama route prefix.
const APIPrefix = "/api"

// ModelSource is the subset of storage.Storage this handler reads from;
// router-synced descriptors are the fleet's source of truth.
type ModelSource interface {
	ListAvailableDescriptors() ([]*storage.ModelDescriptor, error)
}

// RunningModelSource exposes loaded-model snapshots for /api/ps.
type RunningModelSource interface {
	GetLoadedModels() []modelmanager.LoadedModelInfo
}

// Handler serves the Ollama-compatible listing/show/ps endpoints.
type Handler struct {
	log         logging.Logger
	router      *http.ServeMux
	httpHandler http.Handler
	models      ModelSource
	running     RunningModelSource
	mirrorRoot  string
}

// NewHandler constructs a Handler. mirrorRoot is the local Ollama
// installation's model store (typically "~/.ollama/models"); an empty
// string disables mirror scanning entirely.
func NewHandler(log logging.Logger, models ModelSource, running RunningModelSource, mirrorRoot string, allowedOrigins []string) *Handler {
	if log == nil {
		log = logging.Nop()
	}
	h := &Handler{log: log, router: http.NewServeMux(), models: models, running: running, mirrorRoot: mirrorRoot}
	for route, handler := range h.routeHandlers() {
		h.router.HandleFunc(route, handler)
	}
	h.httpHandler = middleware.CORS(allowedOrigins, h.router)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.httpHandler.ServeHTTP(w, r)
}

func (h *Handler) routeHandlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET " + APIPrefix + "/tags": h.handleTags,
		"GET " + APIPrefix + "/ps":   h.handlePS,
		"POST " + APIPrefix + "/show": h.handleShow,
	}
}

// ModelDetails mirrors Ollama's per-model metadata block.
type ModelDetails struct {
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size,omitempty"`
	QuantizationLevel string   `json:"quantization_level,omitempty"`
}

// TagsModelEntry is one entry in the /api/tags response.
type TagsModelEntry struct {
	Name       string       `json:"name"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

// TagsResponse is the /api/tags response envelope.
type TagsResponse struct {
	Models []TagsModelEntry `json:"models"`
}

// mergedCatalog returns the union of router-synced descriptors and locally
// mirrored Ollama models, keyed by name with router-synced entries always
// winning a name collision — the router catalog is the fleet's source of
// truth and the mirror is offered only for names it has never supplied.
func (h *Handler) mergedCatalog() (synced []*storage.ModelDescriptor, mirrored []MirroredModel) {
	synced, _ = h.models.ListAvailableDescriptors()

	if h.mirrorRoot == "" {
		return synced, nil
	}

	seen := make(map[string]struct{}, len(synced))
	for _, d := range synced {
		seen[d.Name] = struct{}{}
	}

	for _, m := range ScanMirror(h.mirrorRoot) {
		if _, ok := seen[m.Name]; ok {
			continue
		}
		mirrored = append(mirrored, m)
	}
	return synced, mirrored
}

// handleTags handles GET /api/tags: the union of router-synced and
// Ollama-mirrored models, synced entries winning name collisions.
func (h *Handler) handleTags(w http.ResponseWriter, r *http.Request) {
	synced, mirrored := h.mergedCatalog()

	resp := TagsResponse{Models: make([]TagsModelEntry, 0, len(synced)+len(mirrored))}
	for _, d := range synced {
		resp.Models = append(resp.Models, TagsModelEntry{
			Name:    d.Name,
			Digest:  d.Name,
			Details: detailsFromDescriptor(d),
		})
	}
	for _, m := range mirrored {
		resp.Models = append(resp.Models, TagsModelEntry{
			Name:   m.Name,
			Size:   m.Size,
			Digest: m.Digest,
			Details: ModelDetails{
				Format:   "gguf",
				Family:   "unknown",
				Families: []string{"unknown"},
			},
		})
	}

	writeJSON(w, resp)
}

func detailsFromDescriptor(d *storage.ModelDescriptor) ModelDetails {
	family := d.Architecture
	if family == "" {
		family = "unknown"
	}
	return ModelDetails{
		Format:   string(d.Format),
		Family:   family,
		Families: []string{family},
	}
}

// PSModelEntry is one entry in the /api/ps response.
type PSModelEntry struct {
	Name      string    `json:"name"`
	Model     string    `json:"model"`
	Digest    string    `json:"digest"`
	SizeVRAM  int64     `json:"size_vram,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// handlePS handles GET /api/ps: currently-loaded models.
func (h *Handler) handlePS(w http.ResponseWriter, r *http.Request) {
	loaded := h.running.GetLoadedModels()

	models := make([]PSModelEntry, 0, len(loaded))
	for _, lm := range loaded {
		models = append(models, PSModelEntry{
			Name:     lm.Name,
			Model:    lm.Name,
			Digest:   lm.Name,
			SizeVRAM: int64(lm.VRAMBytes),
		})
	}

	writeJSON(w, map[string]interface{}{"models": models})
}

// ShowRequest is the request for POST /api/show. Ollama accepts either
// "name" or "model"; both are honored here for compatibility.
type ShowRequest struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

// ShowResponse is the response for POST /api/show.
type ShowResponse struct {
	Details ModelDetails `json:"details"`
}

// handleShow handles POST /api/show: per-model detail, searching synced
// descriptors first and falling back to the Ollama mirror.
func (h *Handler) handleShow(w http.ResponseWriter, r *http.Request) {
	var req ShowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	name := req.Name
	if name == "" {
		name = req.Model
	}
	if strings.TrimSpace(name) == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	synced, mirrored := h.mergedCatalog()
	for _, d := range synced {
		if d.Name == name {
			writeJSON(w, ShowResponse{Details: detailsFromDescriptor(d)})
			return
		}
	}
	for _, m := range mirrored {
		if m.Name == name {
			writeJSON(w, ShowResponse{Details: ModelDetails{Format: "gguf", Family: "unknown", Families: []string{"unknown"}}})
			return
		}
	}

	http.Error(w, "model not found", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
