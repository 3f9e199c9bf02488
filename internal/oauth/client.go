// Package oauth implements the client side of the MCP authorization flow:
// protected resource and authorization server discovery, dynamic client
// registration, PKCE, authorization URLs and the token endpoint exchanges.
//
// Only public clients are supported. No client secret is ever sent; PKCE
// with S256 binds the code to the client.
package oauth

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultMetadataTimeout bounds each well-known document fetch.
	DefaultMetadataTimeout = 10 * time.Second

	// DefaultPostTimeout bounds registration and token endpoint requests.
	DefaultPostTimeout = 15 * time.Second

	// DefaultClientName is the client_name sent during registration when
	// the caller does not supply one.
	DefaultClientName = "mcp-connect"

	// maxBodyBytes caps how much of a remote response is read.
	maxBodyBytes = 1 << 20
)

// Client performs the HTTP side of the authorization flow. It is safe for
// concurrent use.
type Client struct {
	httpClient      *http.Client
	logger          *slog.Logger
	metadataTimeout time.Duration
	postTimeout     time.Duration
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger. A nil logger keeps the default.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeouts overrides the metadata and POST timeouts. Zero values keep
// the defaults.
func WithTimeouts(metadata, post time.Duration) ClientOption {
	return func(c *Client) {
		if metadata > 0 {
			c.metadataTimeout = metadata
		}

		if post > 0 {
			c.postTimeout = post
		}
	}
}

// NewClient creates a Client with default timeouts.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:      http.DefaultClient,
		logger:          slog.Default(),
		metadataTimeout: DefaultMetadataTimeout,
		postTimeout:     DefaultPostTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// readBody reads at most maxBodyBytes of the response body.
func readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return body, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
