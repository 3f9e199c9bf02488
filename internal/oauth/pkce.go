package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// ChallengeMethodS256 is the only PKCE method this client uses.
	ChallengeMethodS256 = "S256"

	// stateBytes is the number of random bytes in a state token
	// (32 base64url characters).
	stateBytes = 24
)

// PKCE holds a code verifier and its S256 challenge (RFC 7636).
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// GeneratePKCE returns a fresh verifier of 32 random bytes, base64url
// encoded without padding, and its S256 challenge. It panics if the
// system entropy source fails.
func GeneratePKCE() PKCE {
	verifier := oauth2.GenerateVerifier()

	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    ChallengeMethodS256,
	}
}

// GenerateState returns an opaque random state token for the
// authorization request.
func GenerateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
