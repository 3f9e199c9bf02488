package oauth

import (
	"fmt"
	"net/url"

	"golang.org/x/oauth2"
)

// AuthorizeURLParams are the inputs to BuildAuthorizeURL. Scope is
// optional.
type AuthorizeURLParams struct {
	AuthorizationEndpoint string
	ClientID              string
	RedirectURI           string
	CodeChallenge         string
	State                 string
	Scope                 string
}

// BuildAuthorizeURL returns the user-facing authorization URL. Query
// parameters already present on the endpoint are kept.
func BuildAuthorizeURL(p AuthorizeURLParams) (string, error) {
	u, err := url.Parse(p.AuthorizationEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid authorization endpoint %q", p.AuthorizationEndpoint)
	}

	switch {
	case p.ClientID == "":
		return "", fmt.Errorf("client_id is required")
	case p.RedirectURI == "":
		return "", fmt.Errorf("redirect_uri is required")
	case p.CodeChallenge == "":
		return "", fmt.Errorf("code_challenge is required")
	case p.State == "":
		return "", fmt.Errorf("state is required")
	}

	cfg := oauth2.Config{
		ClientID:    p.ClientID,
		RedirectURL: p.RedirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: p.AuthorizationEndpoint},
	}

	// Scopes are joined with a space by AuthCodeURL, so a pre-joined
	// string passes through untouched.
	if p.Scope != "" {
		cfg.Scopes = []string{p.Scope}
	}

	return cfg.AuthCodeURL(p.State,
		oauth2.SetAuthURLParam("code_challenge", p.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", ChallengeMethodS256),
	), nil
}
