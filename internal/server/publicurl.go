package server

import (
	"net/http"
	"net/url"
	"strings"
)

const callbackPath = "/api/mcp/oauth/callback"

// isBindAddress reports whether host is a listen address rather than
// something a browser or provider can reach.
func isBindAddress(host string) bool {
	h := strings.ToLower(host)
	return h == "0.0.0.0" || h == "localhost" || strings.HasPrefix(h, "127.")
}

func origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// PublicBaseURL returns the base URL redirects should use. When appURL
// points at a bind address the request's forwarding headers, then Origin,
// then Referer are consulted.
func PublicBaseURL(appURL string, h http.Header) string {
	parsed, err := url.Parse(appURL)
	if err != nil || !isBindAddress(parsed.Hostname()) {
		return appURL
	}

	if host := h.Get("X-Forwarded-Host"); host != "" {
		proto := h.Get("X-Forwarded-Proto")
		if proto == "" {
			proto = parsed.Scheme
		}

		return proto + "://" + host
	}

	if o := h.Get("Origin"); o != "" {
		if u, err := url.Parse(o); err == nil && u.Host != "" && !isBindAddress(u.Hostname()) {
			return o
		}
	}

	if ref := h.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil && u.Host != "" && !isBindAddress(u.Hostname()) {
			return origin(u)
		}
	}

	return appURL
}

// callbackBase picks the base for the OAuth redirect_uri. A
// client-supplied base wins when it is reachable.
func callbackBase(supplied, appURL string, h http.Header) string {
	if supplied != "" {
		u, err := url.Parse(supplied)
		if err == nil && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https") && !isBindAddress(u.Hostname()) {
			return origin(u)
		}
	}

	return PublicBaseURL(appURL, h)
}

// joinURL appends path to base without doubling slashes.
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// successRedirect rebuilds the stored redirect on base, keeping only its
// path and query.
func successRedirect(base, stored string) string {
	u, err := url.Parse(stored)
	if err != nil || u.Path == "" {
		return joinURL(base, "/")
	}

	target := joinURL(base, u.Path)
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}

	return target
}
