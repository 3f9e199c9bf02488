package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/alexjbarnes/mcp-connect/internal/config"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

// accessTokenParam carries the API key on WebSocket upgrades, where
// browsers cannot set an Authorization header.
const accessTokenParam = "access_token"

const wwwAuthenticate = `Bearer realm="mcp-connect"`

// RequestUserID returns the authenticated host user from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// keyring resolves API keys to host users.
type keyring []config.APIKeyEntry

// lookup compares against every key so the time taken does not depend on
// which entry matched.
func (k keyring) lookup(token string) (string, bool) {
	var userID string

	found := 0

	for _, e := range k {
		if subtle.ConstantTimeCompare([]byte(e.Key), []byte(token)) == 1 {
			userID = e.UserID
			found = 1
		}
	}

	return userID, found == 1
}

// Middleware returns HTTP middleware that authenticates API keys sent as
// "Authorization: Bearer <key>" and injects the owning user into the
// request context.
func Middleware(keys []config.APIKeyEntry, logger *slog.Logger) func(http.Handler) http.Handler {
	return authenticate(keyring(keys), logger, false)
}

// WebSocketMiddleware is Middleware that also accepts the key in the
// access_token query parameter.
func WebSocketMiddleware(keys []config.APIKeyEntry, logger *slog.Logger) func(http.Handler) http.Handler {
	return authenticate(keyring(keys), logger, true)
}

func authenticate(keys keyring, logger *slog.Logger, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			token, ok := bearerToken(r)
			if !ok && allowQuery {
				token = r.URL.Query().Get(accessTokenParam)
				ok = token != ""
			}

			if !ok {
				logger.Debug("middleware: no api key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				unauthorized(w)

				return
			}

			userID, valid := keys.lookup(token)
			if !valid {
				logger.Debug("middleware: invalid api key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				unauthorized(w)

				return
			}

			logger.Debug("middleware: authenticated",
				slog.String("user_id", userID),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, userID)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))

	return token, token != ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", wwwAuthenticate)
	writeJSONError(w, http.StatusUnauthorized, "Unauthorized", "")
}
