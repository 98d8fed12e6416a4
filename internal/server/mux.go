// Package server provides HTTP server construction for offsync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/offsync/internal/status"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	APIKey     string
	MCPHandler http.Handler
	Status     *status.Reporter
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with an unauthenticated health endpoint and
// the MCP endpoint behind the API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Status))

	authMiddleware := APIKeyMiddleware(cfg.APIKey, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(logRequests(cfg.Logger, cfg.MCPHandler)))

	return mux
}

// handleHealth reports liveness plus the sync state. Offline and error
// states still answer 200: the process is up.
func handleHealth(rep *status.Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")

		body := map[string]any{"ok": true}
		if rep != nil {
			body["sync"] = rep.Snapshot()
		}

		_ = json.NewEncoder(w).Encode(body)
	}
}

// logRequests logs each authenticated MCP request with the caller's IP.
func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("mcp request",
			slog.String("ip", RequestRemoteIP(r.Context())),
			slog.String("method", r.Method),
			slog.String("session", r.Header.Get("Mcp-Session-Id")),
		)
		next.ServeHTTP(w, r)
	})
}
