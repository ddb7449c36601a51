package sessionvalkey_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"

	"github.com/craftide/sso-agent/internal/cryptoutil"
	"github.com/craftide/sso-agent/internal/dbtest/valkeytest"
	"github.com/craftide/sso-agent/internal/serviceerr"
	"github.com/craftide/sso-agent/internal/session"
	sessionvalkey "github.com/craftide/sso-agent/internal/session/valkey"
)

var client valkey.Client

func TestMain(m *testing.M) {
	if os.Getenv("SSO_AGENT_INTEGRATION") == "" {
		// requires a local Docker daemon
		os.Exit(0)
	}

	ctx := context.Background()

	valkeyClient, terminate, err := valkeytest.Run(ctx)
	if err != nil {
		panic(err)
	}
	client = valkeyClient

	code := m.Run()
	client.Close()
	terminate(ctx)

	os.Exit(code)
}

func newStore(t *testing.T, prefix string) *sessionvalkey.Store {
	t.Helper()

	cipher, err := cryptoutil.NewCipher([]byte("test-secret"))
	require.NoError(t, err)

	store, err := sessionvalkey.NewStore(client, cipher, prefix, time.Minute)
	require.NoError(t, err)

	return store
}

func TestStore_SessionRoundTrip(t *testing.T) {
	store := newStore(t, "sso-agent-session-test")

	_, err := store.LoadSession(t.Context())
	assert.ErrorIs(t, err, serviceerr.ErrNoSession)

	want := session.Snapshot{
		Authenticated: true,
		SessionID:     "sid-1",
		AccessToken:   "access-token",
		RefreshToken:  "refresh-token",
		ExpiresAt:     time.Now().Add(time.Hour).UnixMilli(),
	}
	require.NoError(t, store.StoreSession(t.Context(), want))

	got, err := store.LoadSession(t.Context())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, store.ClearSession(t.Context()))
	_, err = store.LoadSession(t.Context())
	assert.ErrorIs(t, err, serviceerr.ErrNoSession)
}

func TestStore_SessionValueIsSealed(t *testing.T) {
	const prefix = "sso-agent-sealed-test"

	store := newStore(t, prefix)
	require.NoError(t, store.StoreSession(t.Context(), session.Snapshot{
		Authenticated: true,
		AccessToken:   "super-secret-access-token",
	}))

	raw, err := client.Do(t.Context(), client.B().Get().Key(prefix+":session:current").Build()).AsBytes()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-access-token")
}

func TestStore_LoginStateRoundTrip(t *testing.T) {
	store := newStore(t, "sso-agent-state-test")

	_, err := store.LoadLoginState(t.Context())
	assert.ErrorIs(t, err, serviceerr.ErrNoLoginState)

	want := session.LoginState{
		State:        "state-1",
		Nonce:        "nonce-1",
		CodeVerifier: "verifier-1",
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.StoreLoginState(t.Context(), want))

	got, err := store.LoadLoginState(t.Context())
	require.NoError(t, err)
	assert.Equal(t, want.State, got.State)

	require.NoError(t, store.DeleteLoginState(t.Context()))
	_, err = store.LoadLoginState(t.Context())
	assert.ErrorIs(t, err, serviceerr.ErrNoLoginState)
}

func TestStore_StaleLoginStateDiscarded(t *testing.T) {
	store := newStore(t, "sso-agent-stale-test")

	require.NoError(t, store.StoreLoginState(t.Context(), session.LoginState{
		State:     "state-1",
		CreatedAt: time.Now().Add(-2 * time.Minute),
	}))

	_, err := store.LoadLoginState(t.Context())
	assert.ErrorIs(t, err, serviceerr.ErrNoLoginState)
}
