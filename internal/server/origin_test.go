package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/anomaly-hunter/internal/config"
)

func originRequest(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws/verdicts", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestVerdictStreamOrigins(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		// Dashboard dev servers from the default server.allowed_origins
		{"default dashboard", nil, "http://localhost:3000", true},
		{"default vite", nil, "http://localhost:5173", true},
		{"default other port", nil, "http://localhost:8080", false},
		{"default https scheme", nil, "https://localhost:3000", false},
		{"default external", nil, "https://grafana.example.com", false},

		// Operator-supplied lists
		{"listed", []string{"https://ops.example.com", "https://grafana.example.com"}, "https://grafana.example.com", true},
		{"unlisted", []string{"https://ops.example.com"}, "https://ops.example.com.evil.io", false},
		{"trailing slash in config", []string{"https://ops.example.com/"}, "https://ops.example.com", true},
		{"trailing slash in header", []string{"https://ops.example.com"}, "https://ops.example.com/", true},
		{"mixed case", []string{"https://Ops.Example.com"}, "https://ops.example.COM", true},
		{"list replaces defaults", []string{"https://ops.example.com"}, "http://localhost:3000", false},
		{"wildcard among entries", []string{"https://ops.example.com", "*"}, "https://anything.test", true},

		// CLI and curl clients send no Origin
		{"no origin", []string{"https://ops.example.com"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newUpgrader(tt.allowed)
			assert.Equal(t, tt.want, up.CheckOrigin(originRequest(tt.origin)),
				"origin=%q allowed=%v", tt.origin, tt.allowed)
		})
	}
}

func TestVerdictStreamOriginsFromConfig(t *testing.T) {
	t.Setenv("ANOMALY_HUNTER_SERVER_ALLOWED_ORIGINS", "https://ops.example.com/,https://grafana.example.com")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8081\n"), 0644))
	mgr, err := config.NewConfigManager(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := FromConfig(mgr.Get(ctx))
	require.Equal(t, []string{"https://ops.example.com/", "https://grafana.example.com"}, cfg.AllowedOrigins)

	up := newUpgrader(cfg.AllowedOrigins)
	assert.True(t, up.CheckOrigin(originRequest("https://ops.example.com")))
	assert.True(t, up.CheckOrigin(originRequest("https://grafana.example.com")))
	assert.False(t, up.CheckOrigin(originRequest("http://localhost:3000")))
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := NewHub([]string{"https://ops.example.com"}, nil)

	upgrade := func(origin string) int {
		r := originRequest(origin)
		r.Header.Set("Connection", "Upgrade")
		r.Header.Set("Upgrade", "websocket")
		r.Header.Set("Sec-WebSocket-Version", "13")
		r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
		rec := httptest.NewRecorder()
		hub.ServeHTTP(rec, r)
		return rec.Code
	}

	assert.Equal(t, http.StatusForbidden, upgrade("https://evil.example.com"))
	// The recorder cannot be hijacked, so an accepted origin fails later.
	assert.NotEqual(t, http.StatusForbidden, upgrade("https://ops.example.com"))
	assert.Equal(t, 0, hub.Clients())
}
