package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	autherrors "github.com/alexjbarnes/mcp-connect/internal/errors"
	"github.com/alexjbarnes/mcp-connect/internal/events"
	"github.com/alexjbarnes/mcp-connect/internal/models"
	"github.com/alexjbarnes/mcp-connect/internal/oauth"
)

// AuthorizeRequest starts a flow. RedirectURI is where the browser lands
// after success; CallbackURI is the redirect_uri registered with and sent
// to the authorization server.
type AuthorizeRequest struct {
	UserID      string
	PluginID    string
	MCPURL      string
	RedirectURI string
	CallbackURI string
}

// AuthorizeResult is returned to the browser initiating the flow.
type AuthorizeResult struct {
	AuthorizationURL string
	State            string
	ProviderName     string
	ExpiresAt        time.Time
}

// CallbackResult identifies the completed connection.
type CallbackResult struct {
	UserID      string
	PluginID    string
	RedirectURI string
}

func validateMCPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return autherrors.New(autherrors.KindInvalidRequest, "mcpUrl must be an absolute http(s) URL")
	}

	return nil
}

// Discover reports whether mcpURL requires OAuth.
func (b *Broker) Discover(ctx context.Context, mcpURL string) (*oauth.Discovery, error) {
	if err := validateMCPURL(mcpURL); err != nil {
		return nil, err
	}

	return b.client.Discover(ctx, mcpURL)
}

// Authorize discovers the provider, registers a client, records the
// pending authorization and returns the URL to send the user to.
func (b *Broker) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	switch {
	case req.UserID == "":
		return nil, autherrors.New(autherrors.KindInvalidRequest, "user is required")
	case req.PluginID == "":
		return nil, autherrors.New(autherrors.KindInvalidRequest, "pluginId is required")
	case req.CallbackURI == "":
		return nil, autherrors.New(autherrors.KindInvalidRequest, "callback URI is required")
	}

	if err := validateMCPURL(req.MCPURL); err != nil {
		return nil, err
	}

	d, err := b.client.Discover(ctx, req.MCPURL)
	if err != nil {
		return nil, err
	}

	if !d.Ready() {
		return nil, autherrors.New(autherrors.KindOAuthNotRequired, "server does not advertise OAuth metadata")
	}

	meta := d.ServerMetadata
	clientName := fmt.Sprintf("%s (%s)", b.clientName, req.PluginID)

	reg, err := b.client.Register(ctx, meta.RegistrationEndpoint, meta, req.CallbackURI, clientName)
	if err != nil {
		return nil, err
	}

	pkce := oauth.GeneratePKCE()

	state, err := oauth.GenerateState()
	if err != nil {
		return nil, err
	}

	authURL, err := oauth.BuildAuthorizeURL(oauth.AuthorizeURLParams{
		AuthorizationEndpoint: meta.AuthorizationEndpoint,
		ClientID:              reg.ClientID,
		RedirectURI:           req.CallbackURI,
		CodeChallenge:         pkce.Challenge,
		State:                 state,
		Scope:                 strings.Join(meta.ScopesSupported, " "),
	})
	if err != nil {
		return nil, fmt.Errorf("building authorization URL: %w", err)
	}

	now := b.now()
	p := models.PendingAuthorization{
		State:            state,
		UserID:           req.UserID,
		PluginIdentifier: req.PluginID,
		MCPURL:           req.MCPURL,
		CodeVerifier:     pkce.Verifier,
		RedirectURI:      req.RedirectURI,
		CallbackURI:      req.CallbackURI,
		ClientID:         reg.ClientID,
		TokenEndpoint:    meta.TokenEndpoint,
		CreatedAt:        now,
		ExpiresAt:        now.Add(PendingTTL),
	}

	if err := b.pending.CreatePending(p); err != nil {
		return nil, fmt.Errorf("storing pending authorization: %w", err)
	}

	b.recorder.AuthorizationStarted()

	b.logger.Info("authorization started",
		slog.String("user", req.UserID),
		slog.String("plugin", req.PluginID),
		slog.String("provider", d.ProviderName),
	)

	return &AuthorizeResult{
		AuthorizationURL: authURL,
		State:            state,
		ProviderName:     d.ProviderName,
		ExpiresAt:        p.ExpiresAt,
	}, nil
}

// Callback consumes the pending authorization for state, redeems code and
// stores the resulting credential. The pending row is gone afterwards
// whether or not the exchange succeeds.
func (b *Broker) Callback(ctx context.Context, state, code string) (*CallbackResult, error) {
	if state == "" || code == "" {
		return nil, autherrors.New(autherrors.KindInvalidRequest, "state and code are required")
	}

	p, err := b.pending.ConsumePending(state, b.now())
	if err != nil {
		return nil, fmt.Errorf("consuming pending authorization: %w", err)
	}

	if p == nil {
		b.recorder.CallbackCompleted(autherrors.KindInvalidState.String())
		return nil, autherrors.New(autherrors.KindInvalidState, "unknown or expired state")
	}

	tok, err := b.client.ExchangeCode(ctx, oauth.ExchangeParams{
		TokenEndpoint: p.TokenEndpoint,
		ClientID:      p.ClientID,
		Code:          code,
		CodeVerifier:  p.CodeVerifier,
		RedirectURI:   p.CallbackURI,
	})
	if err != nil {
		b.logger.Warn("code exchange failed",
			slog.String("user", p.UserID),
			slog.String("plugin", p.PluginIdentifier),
			slog.String("kind", autherrors.KindOf(err).String()),
		)
		b.recorder.CallbackCompleted(autherrors.KindOf(err).String())

		return nil, err
	}

	cred := models.OAuthCredential{
		UserID:           p.UserID,
		PluginIdentifier: p.PluginIdentifier,
		AccessToken:      tok.AccessToken,
		RefreshToken:     tok.RefreshToken,
		ExpiresAt:        tok.ExpiresAt,
		TokenEndpoint:    p.TokenEndpoint,
		ClientID:         p.ClientID,
		UpdatedAt:        b.now(),
	}

	if err := b.credentials.UpsertCredential(cred); err != nil {
		return nil, fmt.Errorf("storing credential: %w", err)
	}

	b.logger.Info("authorization completed",
		slog.String("user", p.UserID),
		slog.String("plugin", p.PluginIdentifier),
		slog.Bool("refreshable", tok.RefreshToken != ""),
	)

	b.recorder.CallbackCompleted(outcomeOK)
	b.publish(events.Completed(p.UserID, p.PluginIdentifier))

	return &CallbackResult{
		UserID:      p.UserID,
		PluginID:    p.PluginIdentifier,
		RedirectURI: p.RedirectURI,
	}, nil
}

// Status reports whether the user holds a credential for the plugin. It
// does not check expiry.
func (b *Broker) Status(userID, pluginID string) (bool, error) {
	c, err := b.credentials.GetCredential(userID, pluginID)
	if err != nil {
		return false, fmt.Errorf("reading credential: %w", err)
	}

	return c != nil, nil
}

// Revoke forgets the user's credential for the plugin. Nothing is sent to
// the provider.
func (b *Broker) Revoke(userID, pluginID string) error {
	if err := b.credentials.DeleteCredential(userID, pluginID); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}

	b.logger.Info("credential revoked", slog.String("user", userID), slog.String("plugin", pluginID))

	return nil
}

// Connections lists the plugins the user holds credentials for.
func (b *Broker) Connections(userID string) ([]string, error) {
	ids, err := b.credentials.ConnectedPlugins(userID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}

	return ids, nil
}
