package e2e_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alexjbarnes/mcp-connect/internal/broker"
	"github.com/alexjbarnes/mcp-connect/internal/config"
	"github.com/alexjbarnes/mcp-connect/internal/events"
	"github.com/alexjbarnes/mcp-connect/internal/metrics"
	"github.com/alexjbarnes/mcp-connect/internal/oauth"
	"github.com/alexjbarnes/mcp-connect/internal/registry"
	"github.com/alexjbarnes/mcp-connect/internal/server"
	"github.com/alexjbarnes/mcp-connect/internal/state"
	"github.com/alexjbarnes/mcp-connect/internal/toolclient"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "alice"
	testKey      = "mc_0123456789abcdef0123456789abcdef"
	testPluginID = "notes"
	testSecret   = "e2e-test-secret-value"
)

// provider is a fake MCP server that is also its own authorization
// server: protected resource metadata, RFC 8414 metadata, dynamic
// registration, an auto-approving authorize endpoint, a token endpoint
// that enforces PKCE, and a bearer-protected MCP endpoint.
type provider struct {
	URL string

	// expiresIn is returned as expires_in for every issued token.
	expiresIn int

	// rejectCodes makes the token endpoint answer invalid_grant for
	// authorization codes.
	rejectCodes bool

	mu        sync.Mutex
	seq       int
	clients   map[string]string // client_id -> redirect_uri
	codes     map[string]issuedCode
	access    map[string]bool
	refresh   map[string]string // refresh token -> client_id
	refreshes int
}

type issuedCode struct {
	clientID    string
	redirectURI string
	challenge   string
}

func (p *provider) next(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

func (p *provider) refreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.refreshes
}

// revokeAll forgets every issued access token so the MCP endpoint rejects
// them.
func (p *provider) revokeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.access = map[string]bool{}
}

type searchInput struct {
	Query string `json:"query" jsonschema:"text to search for"`
}

func searchHandler(_ context.Context, _ *mcp.CallToolRequest, in searchInput) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "no results for " + in.Query}},
	}, nil, nil
}

func newProvider(t *testing.T) *provider {
	t.Helper()

	p := &provider{
		expiresIn: 3600,
		clients:   map[string]string{},
		codes:     map[string]issuedCode{},
		access:    map[string]bool{},
		refresh:   map[string]string{},
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "notes-e2e", Version: "test"}, nil)
	mcp.AddTool(mcpServer, &mcp.Tool{Name: "search", Description: "Search notes"}, searchHandler)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewUnstartedServer(nil)
	p.URL = "http://" + ts.Listener.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"resource":              p.URL + "/mcp",
			"resource_name":         "Notes",
			"authorization_servers": []string{p.URL},
		})
	})
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"issuer":                           p.URL,
			"authorization_endpoint":           p.URL + "/authorize",
			"token_endpoint":                   p.URL + "/token",
			"registration_endpoint":            p.URL + "/register",
			"scopes_supported":                 []string{"notes:read"},
			"code_challenge_methods_supported": []string{"S256"},
		})
	})
	mux.HandleFunc("POST /register", p.handleRegister)
	mux.HandleFunc("GET /authorize", p.handleAuthorize)
	mux.HandleFunc("POST /token", p.handleToken)
	mux.Handle("/mcp", p.requireToken(mcpHandler))

	ts.Config.Handler = mux
	ts.Start()
	t.Cleanup(ts.Close)

	return p
}

func (p *provider) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RedirectURIs []string `json:"redirect_uris"`
		ClientName   string   `json:"client_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.RedirectURIs) != 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_client_metadata"})
		return
	}

	p.mu.Lock()
	clientID := p.next("client")
	p.clients[clientID] = req.RedirectURIs[0]
	p.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":     clientID,
		"client_name":   req.ClientName,
		"redirect_uris": req.RedirectURIs,
	})
}

func (p *provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	p.mu.Lock()
	registered, ok := p.clients[q.Get("client_id")]
	p.mu.Unlock()

	if !ok || registered != q.Get("redirect_uri") || q.Get("response_type") != "code" ||
		q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		http.Error(w, "bad authorization request", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	code := p.next("code")
	p.codes[code] = issuedCode{
		clientID:    q.Get("client_id"),
		redirectURI: registered,
		challenge:   q.Get("code_challenge"),
	}
	p.mu.Unlock()

	target := registered + "?" + url.Values{"code": {code}, "state": {q.Get("state")}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

func (p *provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var clientID string

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		issued, ok := p.codes[r.PostForm.Get("code")]
		delete(p.codes, r.PostForm.Get("code"))

		if p.rejectCodes || !ok ||
			issued.clientID != r.PostForm.Get("client_id") ||
			issued.redirectURI != r.PostForm.Get("redirect_uri") ||
			pkceChallenge(r.PostForm.Get("code_verifier")) != issued.challenge {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "authorization code is invalid",
			})

			return
		}

		clientID = issued.clientID
	case "refresh_token":
		owner, ok := p.refresh[r.PostForm.Get("refresh_token")]
		if !ok || owner != r.PostForm.Get("client_id") {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}

		delete(p.refresh, r.PostForm.Get("refresh_token"))
		p.refreshes++
		clientID = owner
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	accessToken := p.next("at")
	refreshToken := p.next("rt")
	p.access[accessToken] = true
	p.refresh[refreshToken] = clientID

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    p.expiresIn,
		"refresh_token": refreshToken,
	})
}

func (p *provider) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		p.mu.Lock()
		ok := p.access[token]
		p.mu.Unlock()

		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="`+p.URL+`/.well-known/oauth-protected-resource"`)
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// harness holds the mcp-connect stack under test, wired the same way as
// cmd/mcp-connect.
type harness struct {
	URL      string
	Provider *provider
	Hub      *events.Hub
	State    *state.State
	Client   *http.Client
}

// newHarness starts a provider and an mcp-connect server whose plugin
// registry points at it.
func newHarness(t *testing.T, p *provider) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	sealer, err := state.NewSealer(testSecret)
	require.NoError(t, err)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"), sealer)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pluginsFile := filepath.Join(t.TempDir(), "plugins.yaml")
	require.NoError(t, os.WriteFile(pluginsFile, []byte(fmt.Sprintf(
		"plugins:\n  - id: %s\n    name: Notes\n    url: %s/mcp\n", testPluginID, p.URL,
	)), 0o600))

	plugins, err := registry.Load(pluginsFile, logger)
	require.NoError(t, err)

	m := metrics.New()
	hub := events.NewHub(logger, events.WithDropHook(m.EventDropped))

	b := broker.New(oauth.NewClient(oauth.WithLogger(logger)), st, st,
		broker.WithLogger(logger),
		broker.WithPublisher(hub),
		broker.WithRecorder(m),
	)

	// Use NewUnstartedServer so APP_URL can be known before building the
	// mux. The loopback host exercises the bind-address fallback.
	ts := httptest.NewUnstartedServer(nil)
	appURL := "http://" + ts.Listener.Addr().String()

	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Flow:    b,
		Tools:   toolclient.New(b, nil, "test", logger),
		Plugins: plugins,
		Events:  events.NewHandler(hub, nil, logger),
		Keys:    []config.APIKeyEntry{{UserID: testUser, Key: testKey}},
		Logger:  logger,
		Metrics: m.Handler(),
		AppURL:  appURL,
	})
	ts.Start()
	t.Cleanup(ts.Close)

	noRedirect := *ts.Client()
	noRedirect.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &harness{
		URL:      appURL,
		Provider: p,
		Hub:      hub,
		State:    st,
		Client:   &noRedirect,
	}
}

// do sends an API-key authenticated request to mcp-connect.
func (h *harness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequestWithContext(t.Context(), method, h.URL+path, &buf)
	require.NoError(t, err)

	req.Header.Set("Authorization", "Bearer "+testKey)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// get performs an unauthenticated GET without following redirects.
func (h *harness) get(t *testing.T, fullURL string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, fullURL, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// startAuthorization calls the authorize route and returns the provider
// URL the browser would be sent to.
func (h *harness) startAuthorization(t *testing.T, redirectURI string) string {
	t.Helper()

	resp := h.do(t, http.MethodPost, "/api/mcp/oauth/authorize", map[string]string{
		"pluginId":    testPluginID,
		"redirectUri": redirectURI,
	})
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		AuthorizationURL string `json:"authorizationUrl"`
		ProviderName     string `json:"providerName"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.AuthorizationURL)
	require.Equal(t, "Notes", out.ProviderName)

	return out.AuthorizationURL
}

// approve follows the provider's authorize redirect and returns the
// mcp-connect callback URL it points at.
func (h *harness) approve(t *testing.T, authorizationURL string) string {
	t.Helper()

	resp := h.get(t, authorizationURL)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(loc, h.URL+"/api/mcp/oauth/callback?"), "callback location %q", loc)

	return loc
}

// finish delivers the callback and returns the final redirect.
func (h *harness) finish(t *testing.T, callbackURL string) *url.URL {
	t.Helper()

	resp := h.get(t, callbackURL)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	return loc
}

// connect runs the whole browser round trip and returns the final
// redirect location.
func (h *harness) connect(t *testing.T, redirectURI string) *url.URL {
	t.Helper()

	return h.finish(t, h.approve(t, h.startAuthorization(t, redirectURI)))
}

func (h *harness) connected(t *testing.T) bool {
	t.Helper()

	resp := h.do(t, http.MethodGet, "/api/mcp/oauth/status?pluginId="+testPluginID, nil)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Connected bool `json:"connected"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return out.Connected
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pkceChallenge computes the S256 code challenge for a given verifier.
func pkceChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}
