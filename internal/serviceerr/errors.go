// Package serviceerr holds the sentinel errors shared across the agent.
package serviceerr

import "errors"

var (
	// ErrInvalidConfiguration is fatal at construction time.
	ErrInvalidConfiguration = errors.New("invalid provider configuration")

	// ErrStateMismatch is returned when a callback carries a CSRF state that
	// does not exactly match the pending login state.
	ErrStateMismatch = errors.New("authorization state mismatch")

	// ErrReplayDetected is returned when the ID token nonce does not match
	// the nonce bound to the pending login.
	ErrReplayDetected = errors.New("id token nonce mismatch")

	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrUserinfoFailed      = errors.New("userinfo request failed")
	ErrRefreshFailed       = errors.New("token refresh failed")

	// ErrNoSession means no usable persisted session exists. Decryption and
	// deserialization failures map to this as well.
	ErrNoSession = errors.New("no stored session")

	// ErrNoLoginState means no pending login state exists, or the stored one
	// went stale and was discarded.
	ErrNoLoginState = errors.New("no pending login state")

	ErrUnauthorized = errors.New("unauthorized")
)
