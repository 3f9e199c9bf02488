// Package toolclient talks to an authorized MCP endpoint on behalf of a
// user, using the credential the broker keeps valid.
package toolclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	autherrors "github.com/alexjbarnes/mcp-connect/internal/errors"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// TokenSource resolves an access token for a user and plugin.
// *broker.Broker satisfies it.
type TokenSource interface {
	Resolve(ctx context.Context, userID, pluginID string) (string, error)
}

// Tool is the summary returned to the host.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Client opens short-lived MCP sessions with a bearer token.
type Client struct {
	tokens TokenSource
	base   http.RoundTripper
	impl   *mcp.Implementation
	logger *slog.Logger
}

// New creates a Client. A nil base uses http.DefaultTransport.
func New(tokens TokenSource, base http.RoundTripper, version string, logger *slog.Logger) *Client {
	if base == nil {
		base = http.DefaultTransport
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		tokens: tokens,
		base:   base,
		impl:   &mcp.Implementation{Name: "mcp-connect", Version: version},
		logger: logger,
	}
}

// ListTools connects to mcpURL as the user and returns every tool the
// server advertises. A KindReauthRequired error means the user must
// authorize again, either because no usable token exists or because the
// server rejected the one presented.
func (c *Client) ListTools(ctx context.Context, userID, pluginID, mcpURL string) ([]Tool, error) {
	token, err := c.tokens.Resolve(ctx, userID, pluginID)
	if err != nil {
		return nil, err
	}

	bt := &bearerTransport{token: token, base: c.base}

	transport := &mcp.StreamableClientTransport{
		Endpoint:   mcpURL,
		HTTPClient: &http.Client{Transport: bt},
	}

	session, err := mcp.NewClient(c.impl, nil).Connect(ctx, transport, nil)
	if err != nil {
		return nil, bt.classify(fmt.Errorf("connecting to MCP server: %w", err))
	}
	defer session.Close()

	var tools []Tool

	params := &mcp.ListToolsParams{}

	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, bt.classify(fmt.Errorf("listing tools: %w", err))
		}

		for _, t := range res.Tools {
			tools = append(tools, Tool{Name: t.Name, Description: t.Description})
		}

		if res.NextCursor == "" {
			break
		}

		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}

	c.logger.Debug("listed tools",
		slog.String("user", userID),
		slog.String("plugin", pluginID),
		slog.Int("count", len(tools)),
	)

	return tools, nil
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request and remembers whether the server answered 401.
type bearerTransport struct {
	token        string
	base         http.RoundTripper
	unauthorized atomic.Bool
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	resp, err := bt.base.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		bt.unauthorized.Store(true)
	}

	return resp, err
}

func (bt *bearerTransport) classify(err error) error {
	if bt.unauthorized.Load() {
		return autherrors.Wrap(autherrors.KindReauthRequired, err)
	}

	return err
}
