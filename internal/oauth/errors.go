// Package oauth implements the OAuth2 token lifecycle: the PKCE
// authorization-code flow against the upstream API and transparent
// refresh of per-tenant bearer tokens.
package oauth

import "errors"

// Sentinel errors for consistent handling across the codebase.
var (
	// ErrInvalidState indicates the callback carried a state token with
	// no matching pending flow: forged, replayed, or already consumed.
	ErrInvalidState = errors.New("invalid or already-used state token")

	// ErrExpiredFlow indicates the pending flow outlived its timeout
	// before the callback arrived.
	ErrExpiredFlow = errors.New("authorization flow expired")

	// ErrRefreshFailed indicates a refresh-token exchange failed for a
	// reason other than the grant being revoked (e.g. network).
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrNoRefreshToken indicates silent renewal is impossible; the
	// tenant must re-run authorization.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrNotAuthorized indicates no usable access token exists for the
	// tenant at client-construction time.
	ErrNotAuthorized = errors.New("not authorized")
)
