package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	autherrors "github.com/alexjbarnes/mcp-connect/internal/errors"
	"github.com/tidwall/gjson"
)

const (
	wellKnownProtectedResource = "/.well-known/oauth-protected-resource"
	wellKnownAuthServer        = "/.well-known/oauth-authorization-server"
)

// ProtectedResourceMetadata is the RFC 9728 document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
}

// ServerMetadata is the RFC 8414 document.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer,omitempty"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// Status is the outcome of discovery.
type Status int

const (
	// StatusNotRequired means no usable OAuth metadata was found. This is
	// advisory: the endpoint may still reject unauthenticated calls.
	StatusNotRequired Status = iota

	// StatusReady means the endpoint uses OAuth and supports dynamic
	// client registration.
	StatusReady
)

func (s Status) String() string {
	if s == StatusReady {
		return "ready"
	}

	return "not_required"
}

// Discovery is the result of Discover. ServerMetadata and ProviderName are
// set only when Status is StatusReady.
type Discovery struct {
	Status               Status          `json:"-"`
	RequiresOAuth        bool            `json:"requiresOAuth"`
	ProviderName         string          `json:"providerName,omitempty"`
	AuthorizationServers []string        `json:"authorizationServers,omitempty"`
	ServerMetadata       *ServerMetadata `json:"serverMetadata,omitempty"`
}

// Ready reports whether the flow can proceed to registration.
func (d *Discovery) Ready() bool {
	return d != nil && d.Status == StatusReady
}

func notRequired() *Discovery {
	return &Discovery{Status: StatusNotRequired}
}

// Discover determines whether baseURL is protected by OAuth and returns the
// authorization server metadata when it is. An authorization server that
// does not advertise a registration endpoint yields a
// KindNoRegistrationEndpoint error.
func (c *Client) Discover(ctx context.Context, baseURL string) (*Discovery, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, autherrors.New(autherrors.KindInvalidRequest, "invalid MCP URL")
	}

	resource := c.fetchProtectedResource(ctx, u)
	if resource == nil {
		return notRequired(), nil
	}

	authServer := resource.AuthorizationServers[0]

	meta := c.fetchServerMetadata(ctx, authServer)
	if meta == nil {
		return notRequired(), nil
	}

	if meta.RegistrationEndpoint == "" {
		return nil, autherrors.New(autherrors.KindNoRegistrationEndpoint,
			"authorization server does not support dynamic client registration")
	}

	return &Discovery{
		Status:               StatusReady,
		RequiresOAuth:        true,
		ProviderName:         providerName(resource, u, authServer),
		AuthorizationServers: resource.AuthorizationServers,
		ServerMetadata:       meta,
	}, nil
}

// protectedResourceURLs returns the path-based well-known URL followed by
// the origin-only fallback. They collapse to one when baseURL has no path.
func protectedResourceURLs(u *url.URL) []string {
	origin := u.Scheme + "://" + u.Host
	primary := origin + strings.TrimSuffix(u.EscapedPath(), "/") + wellKnownProtectedResource
	fallback := origin + wellKnownProtectedResource

	if primary == fallback {
		return []string{primary}
	}

	return []string{primary, fallback}
}

func (c *Client) fetchProtectedResource(ctx context.Context, u *url.URL) *ProtectedResourceMetadata {
	for _, target := range protectedResourceURLs(u) {
		body := c.getDocument(ctx, target)
		if body == nil {
			continue
		}

		servers := gjson.GetBytes(body, "authorization_servers")
		if !servers.IsArray() || len(servers.Array()) == 0 {
			c.logger.Debug("protected resource metadata has no authorization servers", slog.String("url", target))
			continue
		}

		first := servers.Array()[0]
		if first.Type != gjson.String || first.Str == "" {
			continue
		}

		var meta ProtectedResourceMetadata
		if err := json.Unmarshal(body, &meta); err != nil {
			c.logger.Debug("decoding protected resource metadata", slog.String("url", target), slog.String("error", err.Error()))
			continue
		}

		return &meta
	}

	return nil
}

func (c *Client) fetchServerMetadata(ctx context.Context, authServer string) *ServerMetadata {
	target := strings.TrimSuffix(authServer, "/") + wellKnownAuthServer

	body := c.getDocument(ctx, target)
	if body == nil {
		return nil
	}

	for _, field := range []string{"authorization_endpoint", "token_endpoint"} {
		v := gjson.GetBytes(body, field)
		if v.Type != gjson.String || v.Str == "" {
			c.logger.Debug("authorization server metadata missing field", slog.String("url", target), slog.String("field", field))
			return nil
		}
	}

	var meta ServerMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		c.logger.Debug("decoding authorization server metadata", slog.String("url", target), slog.String("error", err.Error()))
		return nil
	}

	return &meta
}

// getDocument fetches a well-known document. It returns nil for transport
// errors, non-2xx statuses and bodies that are not a JSON object.
func (c *Client) getDocument(ctx context.Context, target string) []byte {
	ctx, cancel := context.WithTimeout(ctx, c.metadataTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("fetching metadata", slog.String("url", target), slog.String("error", err.Error()))
		return nil
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		c.logger.Debug("metadata request rejected", slog.String("url", target), slog.Int("status", resp.StatusCode))
		return nil
	}

	body, err := readBody(resp)
	if err != nil {
		return nil
	}

	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		c.logger.Debug("metadata is not a JSON object", slog.String("url", target))
		return nil
	}

	return body
}

func providerName(resource *ProtectedResourceMetadata, u *url.URL, authServer string) string {
	if resource.ResourceName != "" {
		return resource.ResourceName
	}

	if host := u.Hostname(); host != "" {
		return host
	}

	return authServer
}

