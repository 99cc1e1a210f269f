// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soothill/ewelink-bridge/config"
	"github.com/soothill/ewelink-bridge/pkg/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeHistory struct {
	interfaces.HistoryStore
	healthErr error
}

func (f *fakeHistory) Health(context.Context) error { return f.healthErr }

func TestHealthCheckHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	healthCheckHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("healthCheckHandler() status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != "OK" {
		t.Errorf("healthCheckHandler() body = %s, want OK", w.Body.String())
	}
}

func TestReadinessCheckHandler(t *testing.T) {
	tests := []struct {
		name       string
		history    interfaces.HistoryStore
		wantStatus int
		wantBody   string
	}{
		{"history disabled", nil, http.StatusOK, "READY"},
		{"history healthy", &fakeHistory{}, http.StatusOK, "READY"},
		{"history unhealthy", &fakeHistory{healthErr: errors.New("down")}, http.StatusServiceUnavailable, "NOT READY: InfluxDB unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			readinessCheckHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil), tt.history)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if w.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := rate.NewLimiter(1, 2)
	handler := rateLimitMiddleware(limiter, healthCheckHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestKeyTable(t *testing.T) {
	cfg := &config.Config{Devices: []config.DeviceConfig{
		{ID: "1000abcdef", Key: "k1", Name: "Kettle"},
		{ID: "1000bbbbbb"},
	}}

	keys := KeyTable(cfg)
	require.Len(t, keys, 2)
	assert.Equal(t, "k1", keys["1000abcdef"].Key)
	assert.Equal(t, "Kettle", keys["1000abcdef"].Name)
	assert.Empty(t, keys["1000bbbbbb"].Key)
}

func TestContextRefresh(t *testing.T) {
	assert.Equal(t, 24*time.Hour, ContextRefresh(30*24*time.Hour))
	assert.Equal(t, 30*time.Minute, ContextRefresh(time.Hour))
	assert.Less(t, ContextRefresh(36*time.Hour), 36*time.Hour)
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "storage:\n  directory: " + filepath.Join(dir, "devices") + "\n" +
		"homekit:\n  storage_path: " + filepath.Join(dir, "homekit") + "\n" +
		"devices:\n  - id: 1000abcdef\n    key: 0123456789abcdef\n    name: Kettle\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	a, err := New(cfg, "0", path)
	require.NoError(t, err)
	t.Cleanup(a.cancel)
	return a
}

func TestNew_WithoutHistory(t *testing.T) {
	a := newTestApp(t)

	assert.Nil(t, a.history)
	assert.False(t, a.notifier.IsEnabled())
	assert.Equal(t, "localhost:0", a.server.Addr)

	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDevicesHandler_Empty(t *testing.T) {
	a := newTestApp(t)

	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/devices", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got []DeviceStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Empty(t, got)
}

func TestApplyConfig(t *testing.T) {
	a := newTestApp(t)

	cfg := *a.cfg
	cfg.Logging.Level = "debug"
	cfg.Notifications.SlackWebhookURL = "https://hooks.slack.com/services/T/B/X"
	a.applyConfig(&cfg)

	assert.True(t, a.notifier.IsEnabled())
	assert.Equal(t, "debug", a.cfg.Logging.Level)
}

func TestNew_HistoryUnreachable(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.Directory = filepath.Join(dir, "devices")
	cfg.Storage.MaxAge = 24 * time.Hour
	cfg.InfluxDB = config.InfluxDBConfig{
		Enabled:      true,
		URL:          "http://127.0.0.1:1",
		Token:        "test-token-12345",
		Organization: "org",
		Bucket:       "bucket",
	}

	_, err := New(cfg, "0", filepath.Join(dir, "config.yaml"))
	assert.Error(t, err)
}
