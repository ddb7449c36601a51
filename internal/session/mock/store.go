// Package sessionmock provides an in-memory session store for tests.
package sessionmock

import (
	"context"
	"sync"

	"github.com/craftide/sso-agent/internal/serviceerr"
	"github.com/craftide/sso-agent/internal/session"
)

type StoreOption func(*Store)

type Store struct {
	mu sync.Mutex

	session    *session.Snapshot
	loginState *session.LoginState

	loadSessionErr, storeSessionErr, clearSessionErr error
	loadStateErr, storeStateErr, deleteStateErr      error
}

func WithSession(s session.Snapshot) StoreOption {
	return func(m *Store) { m.session = &s }
}

func WithLoginState(state session.LoginState) StoreOption {
	return func(m *Store) { m.loginState = &state }
}

func WithLoadSessionError(err error) StoreOption {
	return func(m *Store) { m.loadSessionErr = err }
}

func WithStoreSessionError(err error) StoreOption {
	return func(m *Store) { m.storeSessionErr = err }
}

func WithClearSessionError(err error) StoreOption {
	return func(m *Store) { m.clearSessionErr = err }
}

func WithLoadLoginStateError(err error) StoreOption {
	return func(m *Store) { m.loadStateErr = err }
}

func WithStoreLoginStateError(err error) StoreOption {
	return func(m *Store) { m.storeStateErr = err }
}

func WithDeleteLoginStateError(err error) StoreOption {
	return func(m *Store) { m.deleteStateErr = err }
}

var _ = session.Store(&Store{})

func NewInMemStore(opts ...StoreOption) *Store {
	m := &Store{}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Store) LoadSession(_ context.Context) (session.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loadSessionErr != nil {
		return session.Snapshot{}, m.loadSessionErr
	}
	if m.session == nil {
		return session.Snapshot{}, serviceerr.ErrNoSession
	}

	return *m.session, nil
}

func (m *Store) StoreSession(_ context.Context, s session.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.storeSessionErr != nil {
		return m.storeSessionErr
	}
	m.session = &s

	return nil
}

func (m *Store) ClearSession(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.clearSessionErr != nil {
		return m.clearSessionErr
	}
	m.session = nil

	return nil
}

func (m *Store) LoadLoginState(_ context.Context) (session.LoginState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loadStateErr != nil {
		return session.LoginState{}, m.loadStateErr
	}
	if m.loginState == nil {
		return session.LoginState{}, serviceerr.ErrNoLoginState
	}

	return *m.loginState, nil
}

func (m *Store) StoreLoginState(_ context.Context, state session.LoginState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.storeStateErr != nil {
		return m.storeStateErr
	}
	m.loginState = &state

	return nil
}

func (m *Store) DeleteLoginState(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteStateErr != nil {
		return m.deleteStateErr
	}
	m.loginState = nil

	return nil
}

// LoginState returns the stored pending login state, if any.
func (m *Store) LoginState() (session.LoginState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loginState == nil {
		return session.LoginState{}, false
	}

	return *m.loginState, true
}

// Session returns the stored session, if any.
func (m *Store) Session() (session.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return session.Snapshot{}, false
	}

	return *m.session, true
}
