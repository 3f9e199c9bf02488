package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alexjbarnes/mcp-connect/internal/broker"
	autherrors "github.com/alexjbarnes/mcp-connect/internal/errors"
	"github.com/alexjbarnes/mcp-connect/internal/oauth"
	"github.com/alexjbarnes/mcp-connect/internal/registry"
	"github.com/alexjbarnes/mcp-connect/internal/toolclient"
)

const (
	callbackErrorPath = "/oauth/callback/error"
	maxRequestBody    = 64 << 10
)

// Flow is the OAuth orchestration behind the routes. *broker.Broker
// satisfies it.
type Flow interface {
	Discover(ctx context.Context, mcpURL string) (*oauth.Discovery, error)
	Authorize(ctx context.Context, req broker.AuthorizeRequest) (*broker.AuthorizeResult, error)
	Callback(ctx context.Context, state, code string) (*broker.CallbackResult, error)
	Status(userID, pluginID string) (bool, error)
	Revoke(userID, pluginID string) error
	Connections(userID string) ([]string, error)
}

// ToolLister lists the tools of a connected plugin.
type ToolLister interface {
	ListTools(ctx context.Context, userID, pluginID, mcpURL string) ([]toolclient.Tool, error)
}

// Plugins resolves plugin ids to configured endpoints.
type Plugins interface {
	Lookup(id string) (registry.Plugin, bool)
	List() []registry.Plugin
}

// EventStreamer upgrades a request to a per-user event stream.
type EventStreamer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string)
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	RequiresOAuth    *bool  `json:"requiresOAuth,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, errorResponse{Error: errCode, ErrorDescription: description})
}

// describe returns the client-safe description of err.
func describe(err error) string {
	var e *autherrors.Error
	if errors.As(err, &e) && e.Description != "" {
		return e.Description
	}

	return autherrors.KindOf(err).String()
}

// statusFor maps an orchestration error to an HTTP status.
func statusFor(err error) int {
	switch autherrors.KindOf(err) {
	case autherrors.KindInvalidRequest, autherrors.KindOAuthNotRequired, autherrors.KindNoRegistrationEndpoint:
		return http.StatusBadRequest
	case autherrors.KindRegistrationFailed, autherrors.KindRegistrationInvalidResponse:
		return http.StatusBadGateway
	case autherrors.KindReauthRequired:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeFlowError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(op+" failed", slog.String("error", err.Error()))
		writeJSONError(w, status, "server_error", "")

		return
	}

	kind := autherrors.KindOf(err)
	logger.Debug(op+" rejected", slog.String("kind", kind.String()))
	writeJSONError(w, status, kind.String(), describe(err))
}

// callbackReason maps a callback failure to the reason shown on the
// error page.
func callbackReason(err error) string {
	switch autherrors.KindOf(err) {
	case autherrors.KindInvalidState:
		return "invalid_state"
	case autherrors.KindInvalidRequest:
		return "invalid_request"
	case autherrors.KindInvalidGrant:
		return "invalid_grant"
	default:
		return "server_error"
	}
}

// handlers holds the dependencies shared by every route.
type handlers struct {
	flow    Flow
	tools   ToolLister
	plugins Plugins
	events  EventStreamer
	appURL  string
	logger  *slog.Logger
}

// resolveMCPURL prefers an explicit URL and falls back to the registry.
func (h *handlers) resolveMCPURL(explicit, pluginID string) string {
	if explicit != "" {
		return explicit
	}

	if p, ok := h.plugins.Lookup(pluginID); ok {
		return p.URL
	}

	return ""
}

func (h *handlers) discover(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}

	d, err := h.flow.Discover(r.Context(), target)
	if err != nil {
		if errors.Is(err, autherrors.ErrNoRegistrationEndpoint) {
			requiresOAuth := false
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:         autherrors.KindNoRegistrationEndpoint.String(),
				RequiresOAuth: &requiresOAuth,
			})

			return
		}

		writeFlowError(w, h.logger, "discover", err)

		return
	}

	writeJSON(w, http.StatusOK, d)
}

type authorizeBody struct {
	MCPURL       string `json:"mcpUrl"`
	PluginID     string `json:"pluginId"`
	RedirectURI  string `json:"redirectUri"`
	CallbackBase string `json:"callbackBase,omitempty"`
}

type authorizeResponse struct {
	AuthorizationURL string    `json:"authorizationUrl"`
	ProviderName     string    `json:"providerName,omitempty"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

func (h *handlers) authorize(w http.ResponseWriter, r *http.Request) {
	var body authorizeBody

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	mcpURL := h.resolveMCPURL(body.MCPURL, body.PluginID)
	if mcpURL == "" || body.PluginID == "" || body.RedirectURI == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "mcpUrl, pluginId, and redirectUri are required")
		return
	}

	base := callbackBase(body.CallbackBase, h.appURL, r.Header)

	res, err := h.flow.Authorize(r.Context(), broker.AuthorizeRequest{
		UserID:      RequestUserID(r.Context()),
		PluginID:    body.PluginID,
		MCPURL:      mcpURL,
		RedirectURI: body.RedirectURI,
		CallbackURI: joinURL(base, callbackPath),
	})
	if err != nil {
		writeFlowError(w, h.logger, "authorize", err)
		return
	}

	writeJSON(w, http.StatusOK, authorizeResponse{
		AuthorizationURL: res.AuthorizationURL,
		ProviderName:     res.ProviderName,
		ExpiresAt:        res.ExpiresAt,
	})
}

func (h *handlers) redirectToError(w http.ResponseWriter, r *http.Request, reason, message string) {
	q := url.Values{}
	q.Set("reason", reason)

	if message != "" {
		q.Set("errorMessage", message)
	}

	target := joinURL(PublicBaseURL(h.appURL, r.Header), callbackErrorPath) + "?" + q.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *handlers) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		msg := q.Get("error_description")
		if msg == "" {
			msg = providerErr
		}

		h.logger.Info("provider returned an error", slog.String("error", providerErr))
		h.redirectToError(w, r, "invalid_request", msg)

		return
	}

	state, code := q.Get("state"), q.Get("code")

	switch {
	case state == "":
		h.redirectToError(w, r, "invalid_state", "")
		return
	case code == "":
		h.redirectToError(w, r, "invalid_request", "Missing code")
		return
	}

	res, err := h.flow.Callback(r.Context(), state, code)
	if err != nil {
		reason := callbackReason(err)
		if reason == "invalid_state" {
			h.redirectToError(w, r, reason, "")
			return
		}

		if reason == "server_error" && autherrors.KindOf(err) == autherrors.KindUnknown {
			h.logger.Error("callback failed", slog.String("error", err.Error()))
		}

		h.redirectToError(w, r, reason, describe(err))

		return
	}

	http.Redirect(w, r, successRedirect(PublicBaseURL(h.appURL, r.Header), res.RedirectURI), http.StatusFound)
}

func (h *handlers) pluginParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("pluginId")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "pluginId is required")
		return "", false
	}

	return id, true
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	pluginID, ok := h.pluginParam(w, r)
	if !ok {
		return
	}

	connected, err := h.flow.Status(RequestUserID(r.Context()), pluginID)
	if err != nil {
		writeFlowError(w, h.logger, "status", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"connected": connected})
}

func (h *handlers) revoke(w http.ResponseWriter, r *http.Request) {
	pluginID, ok := h.pluginParam(w, r)
	if !ok {
		return
	}

	if err := h.flow.Revoke(RequestUserID(r.Context()), pluginID); err != nil {
		writeFlowError(w, h.logger, "revoke", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) connections(w http.ResponseWriter, r *http.Request) {
	ids, err := h.flow.Connections(RequestUserID(r.Context()))
	if err != nil {
		writeFlowError(w, h.logger, "connections", err)
		return
	}

	if ids == nil {
		ids = []string{}
	}

	writeJSON(w, http.StatusOK, map[string][]string{"plugins": ids})
}

func (h *handlers) listPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]registry.Plugin{"plugins": h.plugins.List()})
}

func (h *handlers) listTools(w http.ResponseWriter, r *http.Request) {
	pluginID, ok := h.pluginParam(w, r)
	if !ok {
		return
	}

	mcpURL := h.resolveMCPURL(r.URL.Query().Get("url"), pluginID)
	if mcpURL == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "unknown plugin and no url given")
		return
	}

	userID := RequestUserID(r.Context())

	tools, err := h.tools.ListTools(r.Context(), userID, pluginID, mcpURL)
	if err != nil {
		if errors.Is(err, autherrors.ErrReauthRequired) {
			writeJSONError(w, http.StatusUnauthorized, autherrors.KindReauthRequired.String(), "")
			return
		}

		h.logger.Warn("listing tools failed",
			slog.String("user", userID),
			slog.String("plugin", pluginID),
			slog.String("error", err.Error()),
		)
		writeJSONError(w, http.StatusBadGateway, "upstream_error", "")

		return
	}

	if tools == nil {
		tools = []toolclient.Tool{}
	}

	writeJSON(w, http.StatusOK, map[string][]toolclient.Tool{"tools": tools})
}

func (h *handlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	h.events.Serve(w, r, RequestUserID(r.Context()))
}
