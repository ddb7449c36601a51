package session

import "context"

// Store persists the session record and the transient login state.
//
// Implementations return serviceerr.ErrNoSession when no usable session
// exists; a blob that fails to decrypt or parse counts as absent, never as a
// fatal error. LoadLoginState returns serviceerr.ErrNoLoginState for absent
// or stale state (older than the configured TTL), discarding it silently.
type Store interface {
	LoadSession(ctx context.Context) (Snapshot, error)
	StoreSession(ctx context.Context, s Snapshot) error
	ClearSession(ctx context.Context) error

	LoadLoginState(ctx context.Context) (LoginState, error)
	StoreLoginState(ctx context.Context, state LoginState) error
	DeleteLoginState(ctx context.Context) error
}
