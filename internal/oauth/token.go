package oauth

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	autherrors "github.com/alexjbarnes/mcp-connect/internal/errors"
	"golang.org/x/oauth2"
)

// Token is a token endpoint response. ExpiresAt is nil when the server did
// not send expires_in.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    *time.Time
}

// ExchangeParams are the inputs to ExchangeCode.
type ExchangeParams struct {
	TokenEndpoint string
	ClientID      string
	Code          string
	CodeVerifier  string
	RedirectURI   string
}

func (c *Client) config(tokenEndpoint, clientID, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (c *Client) tokenContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.postTimeout)

	hc := *c.httpClient
	hc.Transport = jsonOnly{base: c.httpClient.Transport}

	return context.WithValue(ctx, oauth2.HTTPClient, &hc), cancel
}

// jsonOnly rejects successful token responses that are not JSON. oauth2
// would otherwise accept form-encoded and text/plain bodies. Error
// responses pass through so their error codes can still be classified.
type jsonOnly struct {
	base http.RoundTripper
}

func (t jsonOnly) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	if err != nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, err
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return resp, nil
	}

	mt, _, err := mime.ParseMediaType(ct)
	if err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json")) {
		return resp, nil
	}

	resp.Body.Close()

	return nil, fmt.Errorf("token endpoint returned %q, want application/json", ct)
}

// ExchangeCode redeems an authorization code. A provider invalid_grant
// error maps to KindInvalidGrant, anything else to KindTokenExchangeFailed.
func (c *Client) ExchangeCode(ctx context.Context, p ExchangeParams) (*Token, error) {
	ctx, cancel := c.tokenContext(ctx)
	defer cancel()

	tok, err := c.config(p.TokenEndpoint, p.ClientID, p.RedirectURI).
		Exchange(ctx, p.Code, oauth2.VerifierOption(p.CodeVerifier))
	if err != nil {
		return nil, classifyTokenError(autherrors.KindTokenExchangeFailed, err)
	}

	return fromOAuth2(tok), nil
}

// RefreshTokens trades a refresh token for a new token set. When the
// response omits refresh_token the one passed in is returned.
func (c *Client) RefreshTokens(ctx context.Context, tokenEndpoint, clientID, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, autherrors.New(autherrors.KindRefreshFailed, "no refresh token")
	}

	ctx, cancel := c.tokenContext(ctx)
	defer cancel()

	src := c.config(tokenEndpoint, clientID, "").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return nil, classifyTokenError(autherrors.KindRefreshFailed, err)
	}

	out := fromOAuth2(tok)
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}

	return out, nil
}

func fromOAuth2(tok *oauth2.Token) *Token {
	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}

	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scope = scope
	}

	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		out.ExpiresAt = &expiry
	}

	return out
}

// classifyTokenError is the only place provider error text is inspected.
func classifyTokenError(fallback autherrors.Kind, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return autherrors.Wrap(fallback, err)
	}

	kind := fallback
	if re.ErrorCode == "invalid_grant" {
		kind = autherrors.KindInvalidGrant
	}

	out := &autherrors.Error{Kind: kind, Description: re.ErrorDescription}

	if re.Response != nil {
		out.StatusCode = re.Response.StatusCode
		if out.Description == "" {
			out.Description = http.StatusText(re.Response.StatusCode)
		}
	}

	return out
}
