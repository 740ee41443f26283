//go:build unix

package apiclient

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveUnix(t *testing.T, h http.Handler) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "actl")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "daemon.sock")

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	srv := &http.Server{Handler: h}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return path
}

func TestGetJSON(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	c := New(serveUnix(t, mux))

	var out struct{ Status string }
	require.NoError(t, c.GetJSON(context.Background(), "/health", &out))
	assert.Equal(t, "ok", out.Status)
}

func TestPostJSON_APIError(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		message      string
		shuttingDown bool
	}{
		{"not found", http.StatusNotFound, "nope", false},
		{"shutting down", http.StatusServiceUnavailable, "daemon is shutting down", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /api/reconcile", func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"` + tt.message + `"}`))
			})
			c := New(serveUnix(t, mux))

			err := c.PostJSON(context.Background(), "/api/reconcile", struct{}{}, nil)
			require.Error(t, err)
			var api *APIError
			require.ErrorAs(t, err, &api)
			assert.Equal(t, tt.status, api.StatusCode)
			assert.Equal(t, tt.shuttingDown, IsShuttingDown(err))
			assert.Equal(t, tt.message, api.Message)
		})
	}
}

func TestDaemonUnavailable(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.sock"))
	err := c.GetJSON(context.Background(), "/health", &struct{}{})
	require.ErrorIs(t, err, ErrDaemonUnavailable)
}
