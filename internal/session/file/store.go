// Package sessionfile persists the session on the local filesystem, which is
// the default backend for a per-user agent. The session blob is sealed with
// the injected cipher; the short-lived login state is stored in the clear
// but discarded once it goes stale.
package sessionfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/craftide/sso-agent/internal/cryptoutil"
	"github.com/craftide/sso-agent/internal/serviceerr"
	"github.com/craftide/sso-agent/internal/session"
)

const (
	sessionFile    = "session"
	loginStateFile = "login-state.json"
)

type Store struct {
	dir           string
	cipher        *cryptoutil.Cipher
	loginStateTTL time.Duration
}

var _ = session.Store(&Store{})

func NewStore(dir string, cipher *cryptoutil.Cipher, loginStateTTL time.Duration) (*Store, error) {
	if dir == "" {
		return nil, errors.New("empty store directory")
	}
	if cipher == nil {
		return nil, errors.New("nil cipher")
	}
	if loginStateTTL == 0 {
		loginStateTTL = session.DefaultLoginStateTTL
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	return &Store{dir: dir, cipher: cipher, loginStateTTL: loginStateTTL}, nil
}

func (s *Store) LoadSession(ctx context.Context) (session.Snapshot, error) {
	sealed, err := os.ReadFile(filepath.Join(s.dir, sessionFile))
	if errors.Is(err, os.ErrNotExist) {
		return session.Snapshot{}, serviceerr.ErrNoSession
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("reading session file: %w", err)
	}

	plain, err := s.cipher.Decrypt(sealed)
	if err != nil {
		// an undecryptable blob is the same as no session
		slogctx.Warn(ctx, "Discarding undecryptable session blob", "error", err)

		return session.Snapshot{}, serviceerr.ErrNoSession
	}

	var snapshot session.Snapshot
	if err := json.Unmarshal(plain, &snapshot); err != nil {
		slogctx.Warn(ctx, "Discarding unparseable session blob", "error", err)

		return session.Snapshot{}, serviceerr.ErrNoSession
	}

	return snapshot, nil
}

func (s *Store) StoreSession(_ context.Context, snapshot session.Snapshot) error {
	plain, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	sealed, err := s.cipher.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypting session: %w", err)
	}

	return s.writeFile(sessionFile, sealed)
}

func (s *Store) ClearSession(_ context.Context) error {
	err := os.Remove(filepath.Join(s.dir, sessionFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}

	return nil
}

func (s *Store) LoadLoginState(ctx context.Context) (session.LoginState, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, loginStateFile))
	if errors.Is(err, os.ErrNotExist) {
		return session.LoginState{}, serviceerr.ErrNoLoginState
	}
	if err != nil {
		return session.LoginState{}, fmt.Errorf("reading login state file: %w", err)
	}

	var state session.LoginState
	if err := json.Unmarshal(data, &state); err != nil {
		slogctx.Warn(ctx, "Discarding unparseable login state", "error", err)

		return session.LoginState{}, serviceerr.ErrNoLoginState
	}

	if time.Since(state.CreatedAt) > s.loginStateTTL {
		slogctx.Debug(ctx, "Discarding stale login state", "created_at", state.CreatedAt)
		_ = os.Remove(filepath.Join(s.dir, loginStateFile))

		return session.LoginState{}, serviceerr.ErrNoLoginState
	}

	return state, nil
}

func (s *Store) StoreLoginState(_ context.Context, state session.LoginState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling login state: %w", err)
	}

	return s.writeFile(loginStateFile, data)
}

func (s *Store) DeleteLoginState(_ context.Context) error {
	err := os.Remove(filepath.Join(s.dir, loginStateFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing login state file: %w", err)
	}

	return nil
}

// writeFile writes via a temp file and rename so readers never observe a
// partial record.
func (s *Store) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("restricting temp file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("replacing %s: %w", name, err)
	}

	return nil
}
