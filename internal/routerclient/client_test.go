package routerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterStoresNodeToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/nodes", r.URL.Path)
		_ = json.NewEncoder(w).Encode(RegisterResponse{NodeToken: "tok-123"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "key"}, nil)
	require.NoError(t, c.Register(context.Background(), []string{"llama_cpp"}))
	assert.Equal(t, "tok-123", c.NodeToken())
}

func TestHeartbeatSendsAuthHeaders(t *testing.T) {
	var sawAuth, sawNodeToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		sawNodeToken = r.Header.Get("X-Node-Token")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "key"}, nil)
	_ = c.Register(context.Background(), nil)
	c.nodeToken = "tok-abc"

	err := c.Heartbeat(context.Background(), HeartbeatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer key", sawAuth)
	assert.Equal(t, "tok-abc", sawNodeToken)
}

func TestCatalogDecodesModelList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/models", r.URL.Path)
		w.Write([]byte(`[{"name":"example/model","size":10}]`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	catalog, err := c.Catalog(context.Background())
	require.NoError(t, err)
	require.Len(t, catalog, 1)
	assert.Equal(t, "example/model", catalog[0].Name)
}

func TestBlobURLEscapesName(t *testing.T) {
	c := New(Config{BaseURL: "https://router.example"}, nil)
	assert.Equal(t, "https://router.example/v0/models/blob/org%2Fmodel", c.BlobURL("org/model"))
}
