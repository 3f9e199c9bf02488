// Package errors defines the closed set of failure kinds shared by the
// OAuth engine, the broker and the HTTP adapter.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Callers branch on the kind, never on
// provider-supplied text.
type Kind int

const (
	KindUnknown Kind = iota
	KindNoRegistrationEndpoint
	KindRegistrationFailed
	KindRegistrationInvalidResponse
	KindInvalidState
	KindInvalidRequest
	KindInvalidGrant
	KindTokenExchangeFailed
	KindRefreshFailed
	KindReauthRequired
	KindOAuthNotRequired
)

var kindNames = map[Kind]string{
	KindUnknown:                     "unknown",
	KindNoRegistrationEndpoint:      "MCP_OAuth_NoRegistrationEndpoint",
	KindRegistrationFailed:          "MCP_OAuth_RegistrationFailed",
	KindRegistrationInvalidResponse: "MCP_OAuth_RegistrationInvalidResponse",
	KindInvalidState:                "invalid_state",
	KindInvalidRequest:              "invalid_request",
	KindInvalidGrant:                "invalid_grant",
	KindTokenExchangeFailed:         "token_exchange_failed",
	KindRefreshFailed:               "refresh_failed",
	KindReauthRequired:              "REAUTH_REQUIRED",
	KindOAuthNotRequired:            "MCP_OAuth_NotRequired",
}

// String returns the machine-readable code for the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure. StatusCode is the HTTP status returned by
// the remote party when one was involved.
type Error struct {
	Kind        Kind
	StatusCode  int
	Description string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: %d", msg, e.StatusCode)
	}

	if e.Description != "" {
		msg += ": " + e.Description
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match when target is an *Error of the same kind, so the
// sentinels below work with errors.Is regardless of description.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrNoRegistrationEndpoint      = &Error{Kind: KindNoRegistrationEndpoint}
	ErrRegistrationFailed          = &Error{Kind: KindRegistrationFailed}
	ErrRegistrationInvalidResponse = &Error{Kind: KindRegistrationInvalidResponse}
	ErrInvalidState                = &Error{Kind: KindInvalidState}
	ErrInvalidRequest              = &Error{Kind: KindInvalidRequest}
	ErrInvalidGrant                = &Error{Kind: KindInvalidGrant}
	ErrTokenExchangeFailed         = &Error{Kind: KindTokenExchangeFailed}
	ErrRefreshFailed               = &Error{Kind: KindRefreshFailed}
	ErrReauthRequired              = &Error{Kind: KindReauthRequired}
	ErrOAuthNotRequired            = &Error{Kind: KindOAuthNotRequired}
)

// New returns a classified error with a description.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Wrap returns a classified error wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}
