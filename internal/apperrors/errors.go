package apperrors

import (
	"errors"
)

var (
	// OAuth client settings (client id, secret, redirect URI) are missing
	ErrNotConfigured = errors.New("oauth client is not configured")

	// Anti-forgery state is unknown, already consumed or past its TTL
	ErrStateNotFound = errors.New("state not found or expired")

	ErrMalformedCallback = errors.New("callback is malformed")
	ErrAuthDenied        = errors.New("authorization denied by provider")
	ErrExchangeFailed    = errors.New("code exchange failed")

	// No connection exists for the realm: the authorization flow was never run
	// or the connection was revoked
	ErrNotConnected = errors.New("realm is not connected")

	// Provider credentials are dead, caller must re-run the authorization flow
	ErrRefreshTokenExpired = errors.New("refresh token is expired")
	ErrRefreshRejected     = errors.New("refresh rejected by provider")
)
