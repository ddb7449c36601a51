// Package sessionvalkey keeps the session in a ValKey instance. It serves
// the hosted web-IDE deployment, where the agent runs next to the workspace
// and must survive container restarts. The session blob goes through the
// same cipher as the file backend before it is written.
package sessionvalkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/craftide/sso-agent/internal/cryptoutil"
	"github.com/craftide/sso-agent/internal/serviceerr"
	"github.com/craftide/sso-agent/internal/session"
)

const (
	sessionKey    = "session:current"
	loginStateKey = "state:current"
)

type Store struct {
	valkey        valkey.Client
	cipher        *cryptoutil.Cipher
	prefix        string
	loginStateTTL time.Duration
}

var _ = session.Store(&Store{})

func NewStore(valkeyClient valkey.Client, cipher *cryptoutil.Cipher, prefix string, loginStateTTL time.Duration) (*Store, error) {
	if cipher == nil {
		return nil, errors.New("nil cipher")
	}
	if loginStateTTL == 0 {
		loginStateTTL = session.DefaultLoginStateTTL
	}

	return &Store{
		valkey:        valkeyClient,
		cipher:        cipher,
		prefix:        strings.TrimSuffix(prefix, ":"),
		loginStateTTL: loginStateTTL,
	}, nil
}

func (s *Store) LoadSession(ctx context.Context) (session.Snapshot, error) {
	sealed, err := s.get(ctx, s.key(sessionKey))
	if err != nil {
		return session.Snapshot{}, err
	}
	if sealed == nil {
		return session.Snapshot{}, serviceerr.ErrNoSession
	}

	plain, err := s.cipher.Decrypt(sealed)
	if err != nil {
		return session.Snapshot{}, serviceerr.ErrNoSession
	}

	var snapshot session.Snapshot
	if err := json.Unmarshal(plain, &snapshot); err != nil {
		return session.Snapshot{}, serviceerr.ErrNoSession
	}

	return snapshot, nil
}

func (s *Store) StoreSession(ctx context.Context, snapshot session.Snapshot) error {
	plain, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	sealed, err := s.cipher.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypting session: %w", err)
	}

	cmd := s.valkey.B().Set().Key(s.key(sessionKey)).Value(valkey.BinaryString(sealed)).Build()
	if err := s.valkey.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("executing set command: %w", err)
	}

	return nil
}

func (s *Store) ClearSession(ctx context.Context) error {
	cmd := s.valkey.B().Del().Key(s.key(sessionKey)).Build()
	if err := s.valkey.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("executing del command: %w", err)
	}

	return nil
}

func (s *Store) LoadLoginState(ctx context.Context) (session.LoginState, error) {
	data, err := s.get(ctx, s.key(loginStateKey))
	if err != nil {
		return session.LoginState{}, err
	}
	if data == nil {
		return session.LoginState{}, serviceerr.ErrNoLoginState
	}

	var state session.LoginState
	if err := json.Unmarshal(data, &state); err != nil {
		return session.LoginState{}, serviceerr.ErrNoLoginState
	}

	// the key TTL already bounds the age, this guards a pre-expiry clock skew
	if time.Since(state.CreatedAt) > s.loginStateTTL {
		return session.LoginState{}, serviceerr.ErrNoLoginState
	}

	return state, nil
}

func (s *Store) StoreLoginState(ctx context.Context, state session.LoginState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling login state: %w", err)
	}

	cmd := s.valkey.B().Set().Key(s.key(loginStateKey)).Value(valkey.BinaryString(data)).Ex(s.loginStateTTL).Build()
	if err := s.valkey.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("executing set command: %w", err)
	}

	return nil
}

func (s *Store) DeleteLoginState(ctx context.Context) error {
	cmd := s.valkey.B().Del().Key(s.key(loginStateKey)).Build()
	if err := s.valkey.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("executing del command: %w", err)
	}

	return nil
}

// get returns nil bytes without an error when the key does not exist.
func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	bytes, err := s.valkey.Do(ctx, s.valkey.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		valkeyErr, ok := valkey.IsValkeyErr(err)
		if ok && valkeyErr.IsNil() {
			return nil, nil
		}

		return nil, fmt.Errorf("executing get command: %w", err)
	}

	return bytes, nil
}

func (s *Store) key(suffix string) string {
	if s.prefix == "" {
		return suffix
	}

	return s.prefix + ":" + suffix
}
