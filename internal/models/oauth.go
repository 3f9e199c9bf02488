// Package models defines types shared across internal packages.
package models

import "time"

// PendingAuthorization bridges the browser redirect round-trip of one
// authorization attempt. It is created at initiation, consumed once at
// callback and never updated.
type PendingAuthorization struct {
	State            string    `json:"state"`
	UserID           string    `json:"user_id"`
	PluginIdentifier string    `json:"plugin_identifier"`
	MCPURL           string    `json:"mcp_url"`
	CodeVerifier     string    `json:"code_verifier"`
	RedirectURI      string    `json:"redirect_uri"`
	CallbackURI      string    `json:"callback_uri"`
	ClientID         string    `json:"client_id"`
	TokenEndpoint    string    `json:"token_endpoint"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now.
func (p *PendingAuthorization) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// OAuthCredential is the live credential set for one user and plugin.
// An empty RefreshToken means none was issued. A nil ExpiresAt means the
// provider did not say when the access token expires.
type OAuthCredential struct {
	UserID           string     `json:"user_id"`
	PluginIdentifier string     `json:"plugin_identifier"`
	AccessToken      string     `json:"access_token"`
	RefreshToken     string     `json:"refresh_token,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	TokenEndpoint    string     `json:"token_endpoint"`
	ClientID         string     `json:"client_id"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
