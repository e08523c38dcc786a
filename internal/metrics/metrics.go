// Package metrics exposes the node's Prometheus surface: readiness,
// admission (concurrency/backpressure), eviction, and per-model request
// counters, alongside a small bounded recorder of recent OpenAI request
// bodies and their response status and duration, for debugging.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the node's Prometheus collectors.
type Registry struct {
	reg *prometheus.Registry

	Readiness         prometheus.Gauge
	ActiveRequests    prometheus.Gauge
	RejectedBackpressure prometheus.Counter
	ModelLoads        *prometheus.CounterVec
	ModelLoadFailures *prometheus.CounterVec
	Evictions         *prometheus.CounterVec
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ResourceUsage     *prometheus.GaugeVec
}

// NewRegistry constructs and registers all collectors on a fresh registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		Readiness: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "node_ready", Help: "1 if the node has completed initial catalog sync and admits traffic.",
		}),
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "node_active_requests", Help: "Number of in-flight admitted requests.",
		}),
		RejectedBackpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "node_requests_rejected_backpressure_total", Help: "Requests rejected with 429 due to the concurrency soft limit.",
		}),
		ModelLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "node_model_loads_total", Help: "Successful model loads by model name and engine.",
		}, []string{"model", "engine"}),
		ModelLoadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "node_model_load_failures_total", Help: "Failed model load attempts by reason kind.",
		}, []string{"model", "kind"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "node_model_evictions_total", Help: "Model evictions by cause (lru, idle, explicit).",
		}, []string{"cause"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "node_inference_requests_total", Help: "Inference requests by model and capability.",
		}, []string{"model", "capability"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "node_inference_request_duration_seconds", Help: "Inference request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"model", "capability"}),
		ResourceUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "node_resource_usage_bytes", Help: "Sampled resource usage.",
		}, []string{"resource"}), // mem_used, mem_total, vram_used, vram_total
	}

	reg.MustRegister(
		r.Readiness, r.ActiveRequests, r.RejectedBackpressure,
		r.ModelLoads, r.ModelLoadFailures, r.Evictions,
		r.RequestsTotal, r.RequestDuration, r.ResourceUsage,
	)

	return r
}

// Handler returns the HTTP handler serving /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordedExchange is one recent request body with its response status and
// duration, analogous to the teacher's OpenAI request recorder. Recorder's
// Handler serves these as JSON; no route in the daemon mounts it.
type RecordedExchange struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	ReceivedAt time.Time `json:"received_at"`
	RequestBody  json.RawMessage `json:"request_body,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// Recorder keeps a bounded ring of recent exchanges in memory.
type Recorder struct {
	mu      sync.Mutex
	cap     int
	entries []*RecordedExchange
	byID    map[string]*RecordedExchange
}

// NewRecorder creates a Recorder holding at most capacity entries.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 50
	}
	return &Recorder{cap: capacity, byID: make(map[string]*RecordedExchange)}
}

// RecordRequest stores a new exchange and returns its ID.
func (r *Recorder) RecordRequest(model string, body []byte) string {
	id := uuid.NewString()
	entry := &RecordedExchange{ID: id, Model: model, ReceivedAt: time.Now(), RequestBody: json.RawMessage(body)}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	r.byID[id] = entry
	if len(r.entries) > r.cap {
		evicted := r.entries[0]
		r.entries = r.entries[1:]
		delete(r.byID, evicted.ID)
	}
	return id
}

// RecordResponse fills in the status/duration for a previously recorded exchange.
func (r *Recorder) RecordResponse(id string, statusCode int, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.byID[id]; ok {
		entry.StatusCode = statusCode
		entry.DurationMS = duration.Milliseconds()
	}
}

// Recent returns a snapshot of all currently retained exchanges, newest last.
func (r *Recorder) Recent() []*RecordedExchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*RecordedExchange, len(r.entries))
	copy(out, r.entries)
	return out
}

// Handler serves the recent-exchanges debug endpoint as JSON.
func (r *Recorder) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Recent())
	}
}
