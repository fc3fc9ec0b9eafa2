package core

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"careintake/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Environment: "local",
		Server: config.ServerConfig{
			RequestTimeout:     5 * time.Second,
			CorsAllowedOrigins: []string{"https://intake.test"},
		},
		Redis: config.RedisConfig{RequestsPerMinute: 3},
		Build: config.BuildInfo{Version: "v1.2.3"},
	}
	srv, err := NewServer(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}
