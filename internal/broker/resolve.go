package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	autherrors "github.com/alexjbarnes/mcp-connect/internal/errors"
	"github.com/alexjbarnes/mcp-connect/internal/models"
)

// fresh reports whether the access token can be used without refreshing.
func fresh(c *models.OAuthCredential, now time.Time) bool {
	return c.ExpiresAt == nil || c.ExpiresAt.After(now.Add(RefreshBuffer))
}

// Resolve returns a usable access token for the user and plugin, refreshing
// it when it is within RefreshBuffer of expiry. A KindReauthRequired error
// means the user has to authorize again.
func (b *Broker) Resolve(ctx context.Context, userID, pluginID string) (string, error) {
	c, err := b.credentials.GetCredential(userID, pluginID)
	if err != nil {
		return "", fmt.Errorf("reading credential: %w", err)
	}

	if c == nil {
		return "", autherrors.New(autherrors.KindReauthRequired, "no credential stored")
	}

	if fresh(c, b.now()) {
		return c.AccessToken, nil
	}

	// One refresh per pair at a time. Joining callers share the result;
	// the refresh is detached from the first caller's cancellation.
	key := userID + "\x00" + pluginID

	v, err, _ := b.refreshGroup.Do(key, func() (any, error) {
		return b.refresh(context.WithoutCancel(ctx), userID, pluginID)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// refresh re-reads the credential so a caller that raced a completed
// refresh does not spend a rotated refresh token.
func (b *Broker) refresh(ctx context.Context, userID, pluginID string) (string, error) {
	c, err := b.credentials.GetCredential(userID, pluginID)
	if err != nil {
		return "", fmt.Errorf("reading credential: %w", err)
	}

	if c == nil {
		return "", autherrors.New(autherrors.KindReauthRequired, "no credential stored")
	}

	now := b.now()
	if fresh(c, now) {
		return c.AccessToken, nil
	}

	if c.RefreshToken == "" {
		if now.Before(*c.ExpiresAt) {
			return c.AccessToken, nil
		}

		return "", autherrors.New(autherrors.KindReauthRequired, "access token expired and no refresh token")
	}

	tok, err := b.client.RefreshTokens(ctx, c.TokenEndpoint, c.ClientID, c.RefreshToken)
	if err != nil {
		if errors.Is(err, autherrors.ErrInvalidGrant) {
			if derr := b.credentials.DeleteCredential(userID, pluginID); derr != nil {
				return "", fmt.Errorf("deleting revoked credential: %w", derr)
			}

			b.logger.Info("refresh token rejected, credential removed",
				slog.String("user", userID),
				slog.String("plugin", pluginID),
			)

			b.recorder.TokenRefreshed(outcomeReauth)

			return "", autherrors.Wrap(autherrors.KindReauthRequired, err)
		}

		b.logger.Warn("token refresh failed",
			slog.String("user", userID),
			slog.String("plugin", pluginID),
			slog.String("error", err.Error()),
		)
		b.recorder.TokenRefreshed(outcomeError)

		return "", err
	}

	next := *c
	next.AccessToken = tok.AccessToken
	next.ExpiresAt = tok.ExpiresAt
	next.UpdatedAt = b.now()

	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}

	if err := b.credentials.UpsertCredential(next); err != nil {
		return "", fmt.Errorf("storing refreshed credential: %w", err)
	}

	b.recorder.TokenRefreshed(outcomeOK)
	b.logger.Debug("token refreshed", slog.String("user", userID), slog.String("plugin", pluginID))

	return next.AccessToken, nil
}
