package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/caarlos0/env/v11"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	var c Config
	if err := env.Parse(&c); err != nil {
		t.Fatalf("env.Parse() error = %v", err)
	}
	c.CatalogPath = filepath.Join(t.TempDir(), "catalog.yaml")
	return c
}

func TestCreateLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l := createLogger(Config{LogLevel: tt.level}, appName)
			if !l.Enabled(context.Background(), tt.want) {
				t.Errorf("level %s disabled", tt.want)
			}
			if tt.want > slog.LevelDebug && l.Enabled(context.Background(), tt.want-4) {
				t.Errorf("level below %s enabled", tt.want)
			}
		})
	}
}

func TestSetupTileServer(t *testing.T) {
	l := slog.New(slog.DiscardHandler)

	bad := testConfig(t)
	bad.Downsampling = "lanczos"
	if _, _, err := setupTileServer(bad, l); err == nil {
		t.Error("setupTileServer() accepted an unknown resampling")
	}

	c := testConfig(t)
	c.ResponseCacheMB = 8
	handler, cleanup, err := setupTileServer(c, l)
	if err != nil {
		t.Fatalf("setupTileServer() error = %v", err)
	}
	defer cleanup()

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/datasets", http.StatusOK},
		{"/singleband/missing/1/0/0.png", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}
