package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	autherrors "github.com/alexjbarnes/mcp-connect/internal/errors"
	"github.com/tidwall/gjson"
)

// defaultScope is requested when the server does not list scopes_supported.
const defaultScope = "openid"

// RegistrationRequest is the DCR POST body (RFC 7591).
type RegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegistrationResponse is the subset of the DCR response this client uses.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// NewRegistrationRequest builds the public-client registration payload.
func NewRegistrationRequest(meta *ServerMetadata, redirectURI, clientName string) RegistrationRequest {
	if clientName == "" {
		clientName = DefaultClientName
	}

	scope := defaultScope
	if meta != nil && len(meta.ScopesSupported) > 0 {
		scope = strings.Join(meta.ScopesSupported, " ")
	}

	return RegistrationRequest{
		ClientName:              clientName,
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   scope,
	}
}

// Register performs dynamic client registration and returns the issued
// client. It does not retry.
func (c *Client) Register(ctx context.Context, registrationEndpoint string, meta *ServerMetadata, redirectURI, clientName string) (*RegistrationResponse, error) {
	payload, err := json.Marshal(NewRegistrationRequest(meta, redirectURI, clientName))
	if err != nil {
		return nil, fmt.Errorf("encoding registration request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, autherrors.Wrap(autherrors.KindRegistrationFailed, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, autherrors.Wrap(autherrors.KindRegistrationFailed, err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, autherrors.Wrap(autherrors.KindRegistrationFailed, err)
	}

	if !isSuccess(resp.StatusCode) {
		c.logger.Warn("client registration rejected",
			slog.String("endpoint", registrationEndpoint),
			slog.Int("status", resp.StatusCode),
		)

		return nil, &autherrors.Error{
			Kind:        autherrors.KindRegistrationFailed,
			StatusCode:  resp.StatusCode,
			Description: strings.TrimSpace(string(body)),
		}
	}

	id := gjson.GetBytes(body, "client_id")
	if !gjson.ValidBytes(body) || id.Type != gjson.String || id.Str == "" {
		return nil, autherrors.New(autherrors.KindRegistrationInvalidResponse, "registration response has no client_id")
	}

	var reg RegistrationResponse
	if err := json.Unmarshal(body, &reg); err != nil {
		return nil, &autherrors.Error{Kind: autherrors.KindRegistrationInvalidResponse, Err: err}
	}

	c.logger.Info("client registered",
		slog.String("endpoint", registrationEndpoint),
		slog.String("client_id", reg.ClientID),
	)

	return &reg, nil
}
