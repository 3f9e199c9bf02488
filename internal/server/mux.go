// Package server provides HTTP server construction for mcp-connect.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/mcp-connect/internal/config"
	"github.com/alexjbarnes/mcp-connect/internal/registry"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Flow    Flow
	Tools   ToolLister
	Plugins Plugins
	Events  EventStreamer
	Keys    []config.APIKeyEntry
	Logger  *slog.Logger

	// Metrics, when set, is served unauthenticated at /metrics.
	Metrics http.Handler

	// AppURL is the configured public base URL, without a trailing slash.
	AppURL string
}

// NewMux builds the HTTP mux with the OAuth connect routes, the tool
// listing route and the completion event stream. All routes except the
// provider callback, discovery and metrics require an API key. Every
// request gets an X-Request-ID.
func NewMux(cfg MuxConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	plugins := cfg.Plugins
	if plugins == nil {
		plugins = registry.Empty()
	}

	h := &handlers{
		flow:    cfg.Flow,
		tools:   cfg.Tools,
		plugins: plugins,
		events:  cfg.Events,
		appURL:  cfg.AppURL,
		logger:  logger,
	}

	authed := Middleware(cfg.Keys, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/mcp/oauth/discover", h.discover)
	mux.HandleFunc("GET "+callbackPath, h.callback)
	mux.Handle("POST /api/mcp/oauth/authorize", authed(http.HandlerFunc(h.authorize)))
	mux.Handle("GET /api/mcp/oauth/status", authed(http.HandlerFunc(h.status)))
	mux.Handle("DELETE /api/mcp/oauth/tokens", authed(http.HandlerFunc(h.revoke)))
	mux.Handle("GET /api/mcp/oauth/connections", authed(http.HandlerFunc(h.connections)))
	mux.Handle("GET /api/mcp/plugins", authed(http.HandlerFunc(h.listPlugins)))

	if cfg.Tools != nil {
		mux.Handle("GET /api/mcp/tools", authed(http.HandlerFunc(h.listTools)))
	}

	if cfg.Events != nil {
		ws := WebSocketMiddleware(cfg.Keys, logger)
		mux.Handle("GET /api/mcp/oauth/events", ws(http.HandlerFunc(h.streamEvents)))
	}

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	return requestLog(mux, logger)
}
