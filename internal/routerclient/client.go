// Package routerclient is the node's outbound HTTP client to the fleet
// router: registration, heartbeat, catalog fetch, and blob download.
package routerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/modelfleet/node/internal/logging"
	"github.com/modelfleet/node/internal/modelsync"
	"github.com/modelfleet/node/internal/resourcemonitor"
)

// RegisterRequest is the body of POST /v0/nodes.
type RegisterRequest struct {
	APIKey             string   `json:"api_key"`
	SupportedRuntimes  []string `json:"supported_runtimes"`
}

// RegisterResponse carries the node_token issued by the router.
type RegisterResponse struct {
	NodeToken string `json:"node_token"`
}

// LoadedModelsByCapability groups currently-loaded model names by broad
// capability family, as required by the heartbeat body.
type LoadedModelsByCapability struct {
	LLM   []string `json:"llm"`
	ASR   []string `json:"asr"`
	TTS   []string `json:"tts"`
	Image []string `json:"image_gen"`
}

// HeartbeatRequest is the body of POST /v0/health.
type HeartbeatRequest struct {
	SupportedRuntimes []string                  `json:"supported_runtimes"`
	LoadedModels      LoadedModelsByCapability  `json:"loaded_models"`
	ResourceSample    resourcemonitor.Usage     `json:"resource_sample"`
	SyncStatus        modelsync.Status          `json:"sync_status"`
}

// Client is the node's router-facing HTTP client. It is safe for
// concurrent use; NodeToken is set once after a successful Register and
// read by every subsequent call.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	nodeToken  string
	log        logging.Logger
}

// Config configures connect/read timeouts for router calls, per spec
// §5's cancellation/timeout requirements.
type Config struct {
	BaseURL        string
	APIKey         string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// New constructs a Client. Standalone mode (no router configured) is the
// caller's responsibility to detect via BaseURL == "".
func New(cfg Config, log logging.Logger) *Client {
	if log == nil {
		log = logging.Nop()
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}

	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: readTimeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		log:        log,
	}
}

// NodeToken returns the token issued by Register, or "" if Register
// hasn't succeeded yet.
func (c *Client) NodeToken() string { return c.nodeToken }

// HTTPClient exposes the underlying *http.Client so other components
// (modelsync) can reuse its configured timeouts for their own router
// calls.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// Register announces this node to the router and stores the returned
// node_token for subsequent calls. On failure, callers should fall back
// to standalone mode (serve local models only, no heartbeat).
func (c *Client) Register(ctx context.Context, supportedRuntimes []string) error {
	body, err := json.Marshal(RegisterRequest{APIKey: c.apiKey, SupportedRuntimes: supportedRuntimes})
	if err != nil {
		return fmt.Errorf("marshaling register request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v0/nodes", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registering with router: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registering with router: unexpected status %d", resp.StatusCode)
	}

	var out RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding register response: %w", err)
	}
	c.nodeToken = out.NodeToken
	return nil
}

// Heartbeat posts the node's current state. It requires both the node's
// API key and the node_token issued at registration.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling heartbeat: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v0/health", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building heartbeat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Node-Token", c.nodeToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat rejected: status %d", resp.StatusCode)
	}
	return nil
}

// StartHeartbeatLoop posts a heartbeat every interval until ctx is
// cancelled, logging (not failing on) transient errors.
func (c *Client) StartHeartbeatLoop(ctx context.Context, interval time.Duration, sample func() HeartbeatRequest) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx, sample()); err != nil {
				c.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// Catalog fetches GET /v0/models.
func (c *Client) Catalog(ctx context.Context) ([]modelsync.RemoteModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v0/models", nil)
	if err != nil {
		return nil, fmt.Errorf("building catalog request: %w", err)
	}
	req.Header.Set("X-Node-Token", c.nodeToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching catalog: unexpected status %d", resp.StatusCode)
	}

	var catalog []modelsync.RemoteModel
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	return catalog, nil
}

// BlobURL builds the GET /v0/models/blob/<url-encoded-name> URL for name.
func (c *Client) BlobURL(name string) string {
	return c.baseURL + "/v0/models/blob/" + url.PathEscape(name)
}
