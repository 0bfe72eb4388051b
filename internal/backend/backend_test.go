package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/majordomo/internal/config"
)

func TestHTTPPostsActionAndArgs(t *testing.T) {
	var got call
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	h := NewHTTP(config.BackendConfig{URL: server.URL, Timeout: time.Second})
	err := h.Call(context.Background(), "light.on", map[string]string{"room": "kitchen"})
	require.NoError(t, err)

	assert.Equal(t, "light.on", got.Action)
	assert.Equal(t, map[string]string{"room": "kitchen"}, got.Args)
}

func TestHTTPSurfacesBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such device", http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	h := NewHTTP(config.BackendConfig{URL: server.URL, Timeout: time.Second})
	err := h.Call(context.Background(), "light.on", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "no such device")
}

func TestHTTPRespectsContextCancellation(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)

	h := NewHTTP(config.BackendConfig{URL: server.URL, Timeout: 10 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	err := h.Call(ctx, "light.on", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDryRunAlwaysSucceeds(t *testing.T) {
	d := NewDryRun()
	assert.NoError(t, d.Call(context.Background(), "light.on", map[string]string{"room": "study"}))
}
