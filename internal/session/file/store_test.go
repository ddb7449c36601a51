package sessionfile_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftide/sso-agent/internal/cryptoutil"
	"github.com/craftide/sso-agent/internal/identity"
	"github.com/craftide/sso-agent/internal/serviceerr"
	"github.com/craftide/sso-agent/internal/session"
	sessionfile "github.com/craftide/sso-agent/internal/session/file"
)

func newStore(t *testing.T, ttl time.Duration) *sessionfile.Store {
	t.Helper()

	cipher, err := cryptoutil.NewCipher([]byte("test-secret"))
	require.NoError(t, err)

	store, err := sessionfile.NewStore(t.TempDir(), cipher, ttl)
	require.NoError(t, err)

	return store
}

func TestStore_SessionRoundTrip(t *testing.T) {
	store := newStore(t, 0)

	_, err := store.LoadSession(t.Context())
	assert.ErrorIs(t, err, serviceerr.ErrNoSession)

	want := session.Snapshot{
		Authenticated: true,
		SessionID:     "sid-1",
		User:          &identity.Profile{Subject: "u1", DisplayName: "Ada", Email: "ada@example.com", Role: "user"},
		AccessToken:   "access-token",
		RefreshToken:  "refresh-token",
		ExpiresAt:     time.Now().Add(time.Hour).UnixMilli(),
	}
	require.NoError(t, store.StoreSession(t.Context(), want))

	got, err := store.LoadSession(t.Context())
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stored session mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, store.ClearSession(t.Context()))
	_, err = store.LoadSession(t.Context())
	assert.ErrorIs(t, err, serviceerr.ErrNoSession)

	// clearing twice is fine
	require.NoError(t, store.ClearSession(t.Context()))
}

func TestStore_SessionBlobIsEncrypted(t *testing.T) {
	cipher, err := cryptoutil.NewCipher([]byte("test-secret"))
	require.NoError(t, err)

	dir := t.TempDir()
	store, err := sessionfile.NewStore(dir, cipher, 0)
	require.NoError(t, err)

	require.NoError(t, store.StoreSession(t.Context(), session.Snapshot{
		Authenticated: true,
		AccessToken:   "super-secret-access-token",
	}))

	raw, err := os.ReadFile(filepath.Join(dir, "session"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-access-token")
}

func TestStore_UndecryptableBlobIsAbsent(t *testing.T) {
	cipher, err := cryptoutil.NewCipher([]byte("test-secret"))
	require.NoError(t, err)

	dir := t.TempDir()
	store, err := sessionfile.NewStore(dir, cipher, 0)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "session"), []byte("garbage"), 0o600))

	_, err = store.LoadSession(t.Context())
	assert.ErrorIs(t, err, serviceerr.ErrNoSession)
}

func TestStore_LoginStateRoundTrip(t *testing.T) {
	store := newStore(t, time.Minute)

	_, err := store.LoadLoginState(t.Context())
	assert.ErrorIs(t, err, serviceerr.ErrNoLoginState)

	want := session.LoginState{
		State:        "state-1",
		Nonce:        "nonce-1",
		CodeVerifier: "verifier-1",
		Mode:         session.DeliveryRedirect,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.StoreLoginState(t.Context(), want))

	got, err := store.LoadLoginState(t.Context())
	require.NoError(t, err)
	assert.Equal(t, want.State, got.State)
	assert.Equal(t, want.CodeVerifier, got.CodeVerifier)

	require.NoError(t, store.DeleteLoginState(t.Context()))
	_, err = store.LoadLoginState(t.Context())
	assert.ErrorIs(t, err, serviceerr.ErrNoLoginState)
}

func TestStore_StaleLoginStateDiscarded(t *testing.T) {
	store := newStore(t, time.Minute)

	require.NoError(t, store.StoreLoginState(t.Context(), session.LoginState{
		State:     "state-1",
		CreatedAt: time.Now().Add(-2 * time.Minute),
	}))

	_, err := store.LoadLoginState(t.Context())
	assert.ErrorIs(t, err, serviceerr.ErrNoLoginState)
}
