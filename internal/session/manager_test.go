package session_test

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftide/sso-agent/internal/identity"
	"github.com/craftide/sso-agent/internal/oidc"
	"github.com/craftide/sso-agent/internal/serviceerr"
	"github.com/craftide/sso-agent/internal/session"
	sessionmock "github.com/craftide/sso-agent/internal/session/mock"
)

const (
	testCSRFSecret  = "12345678901234567890123456789012" // NOSONAR
	testClientID    = "my-client-id"
	testRedirectURI = "http://127.0.0.1:43110/auth/callback"
)

func newManager(t *testing.T, p *idp, store session.Store, opts ...session.ManagerOption) *session.Manager {
	t.Helper()

	provider, err := oidc.NewProvider(p.server.URL, testClientID, testRedirectURI)
	require.NoError(t, err)

	m, err := session.NewManager(provider, store, []byte(testCSRFSecret), opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return m
}

// doLogin drives a full login: Login, then the callback with the state the
// manager stored and an ID token minted with the matching nonce.
func doLogin(t *testing.T, p *idp, m *session.Manager, store *sessionmock.Store) session.Snapshot {
	t.Helper()

	_, err := m.Login(t.Context(), session.LoginOptions{})
	require.NoError(t, err)

	state, ok := store.LoginState()
	require.True(t, ok, "login must persist the pending state")
	p.setNonce(state.Nonce)

	snapshot, err := m.HandleCallback(t.Context(), "auth-code", state.State)
	require.NoError(t, err)

	return snapshot
}

func TestManager_Login(t *testing.T) {
	p := startIDP(t)
	store := sessionmock.NewInMemStore()

	var delivered string
	m := newManager(t, p, store, session.WithDeliverer(
		session.DelivererFunc(func(_ context.Context, u string) error {
			delivered = u

			return nil
		}),
	))

	authURL, err := m.Login(t.Context(), session.LoginOptions{Mode: session.DeliveryPopup})
	require.NoError(t, err)
	assert.Equal(t, authURL, delivered, "deliverer must receive the authorization URL")

	u, err := url.Parse(authURL)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, testRedirectURI, q.Get("redirect_uri"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEmpty(t, q.Get("nonce"))

	state, ok := store.LoginState()
	require.True(t, ok)
	assert.Equal(t, state.State, q.Get("state"), "URL state must match the stored state")
	assert.Equal(t, state.Nonce, q.Get("nonce"))
	assert.Equal(t, session.DeliveryPopup, state.Mode)
	assert.NotEmpty(t, state.CodeVerifier)
}

func TestManager_HandleCallback(t *testing.T) {
	t.Run("Success end to end", func(t *testing.T) {
		p := startIDP(t)
		store := sessionmock.NewInMemStore()
		m := newManager(t, p, store)

		snapshot := doLogin(t, p, m, store)

		assert.True(t, snapshot.Authenticated)
		assert.True(t, m.Authenticated())
		require.NotNil(t, snapshot.User)
		assert.Equal(t, "ada@example.com", snapshot.User.Email)
		assert.Equal(t, "Ada Lovelace", snapshot.User.DisplayName)
		assert.Equal(t, "user", snapshot.User.Role)
		assert.NotEmpty(t, snapshot.CSRFToken)
		assert.True(t, m.ValidateCSRFToken(snapshot.CSRFToken))

		// the persisted record reproduces the in-memory one
		persisted, ok := store.Session()
		require.True(t, ok)
		assert.Equal(t, snapshot.AccessToken, persisted.AccessToken)

		// the login state is single-use
		_, ok = store.LoginState()
		assert.False(t, ok)
	})

	t.Run("State mismatch", func(t *testing.T) {
		p := startIDP(t)
		store := sessionmock.NewInMemStore()
		m := newManager(t, p, store)

		_, err := m.Login(t.Context(), session.LoginOptions{})
		require.NoError(t, err)

		_, err = m.HandleCallback(t.Context(), "auth-code", "attacker-state")
		assert.ErrorIs(t, err, serviceerr.ErrStateMismatch)
		assert.False(t, m.Authenticated())

		// the pending state is consumed even on mismatch
		_, ok := store.LoginState()
		assert.False(t, ok)

		exchange, _, _ := p.counts()
		assert.Zero(t, exchange, "no code exchange on state mismatch")
	})

	t.Run("No pending state", func(t *testing.T) {
		p := startIDP(t)
		m := newManager(t, p, sessionmock.NewInMemStore())

		_, err := m.HandleCallback(t.Context(), "auth-code", "some-state")
		assert.ErrorIs(t, err, serviceerr.ErrStateMismatch)
	})

	t.Run("Replay detected", func(t *testing.T) {
		p := startIDP(t)
		store := sessionmock.NewInMemStore()
		m := newManager(t, p, store)

		_, err := m.Login(t.Context(), session.LoginOptions{})
		require.NoError(t, err)

		state, ok := store.LoginState()
		require.True(t, ok)
		p.setNonce("a-different-nonce")

		_, err = m.HandleCallback(t.Context(), "auth-code", state.State)
		assert.ErrorIs(t, err, serviceerr.ErrReplayDetected)
		assert.False(t, m.Authenticated())
		_, ok = store.Session()
		assert.False(t, ok, "no partial session persisted")
	})

	t.Run("Token exchange failed", func(t *testing.T) {
		p := startIDP(t)
		p.setExchangeStatus(http.StatusInternalServerError)
		store := sessionmock.NewInMemStore()
		m := newManager(t, p, store)

		_, err := m.Login(t.Context(), session.LoginOptions{})
		require.NoError(t, err)

		state, _ := store.LoginState()
		_, err = m.HandleCallback(t.Context(), "auth-code", state.State)
		assert.ErrorIs(t, err, serviceerr.ErrTokenExchangeFailed)
		_, ok := store.Session()
		assert.False(t, ok, "no partial session persisted")
	})

	t.Run("Userinfo failed", func(t *testing.T) {
		p := startIDP(t)
		p.setUserinfoStatus(http.StatusBadGateway)
		store := sessionmock.NewInMemStore()
		m := newManager(t, p, store)

		_, err := m.Login(t.Context(), session.LoginOptions{})
		require.NoError(t, err)

		state, _ := store.LoginState()
		p.setNonce(state.Nonce)
		_, err = m.HandleCallback(t.Context(), "auth-code", state.State)
		assert.ErrorIs(t, err, serviceerr.ErrUserinfoFailed)
		assert.False(t, m.Authenticated())
	})
}

func TestManager_RefreshThrottle(t *testing.T) {
	p := startIDP(t)
	store := sessionmock.NewInMemStore()
	m := newManager(t, p, store)

	doLogin(t, p, m, store)

	// two calls within the minimum interval hit the network at most once
	assert.True(t, m.Refresh(t.Context()))
	assert.True(t, m.Refresh(t.Context()))

	_, refresh, _ := p.counts()
	assert.Equal(t, 1, refresh, "second refresh within the throttle window must not reach the provider")
}

func TestManager_ForcedLogoutThreshold(t *testing.T) {
	p := startIDP(t)
	p.setRefreshStatus(http.StatusInternalServerError)
	store := sessionmock.NewInMemStore()
	m := newManager(t, p, store)

	p.setRefreshStatus(0)
	doLogin(t, p, m, store)
	p.setRefreshStatus(http.StatusInternalServerError)

	// failures one and two leave the session in place
	assert.False(t, m.ForceRefresh(t.Context()))
	assert.True(t, m.Authenticated(), "session must survive the first failure")
	assert.Equal(t, 1, m.ConsecutiveFailures())

	assert.False(t, m.ForceRefresh(t.Context()))
	assert.True(t, m.Authenticated(), "session must survive the second failure")
	assert.Equal(t, 2, m.ConsecutiveFailures())

	// the third consecutive failure forces the logout
	assert.False(t, m.ForceRefresh(t.Context()))
	assert.False(t, m.Authenticated())
	_, ok := store.Session()
	assert.False(t, ok, "persisted session must be cleared")
}

func TestManager_RefreshTerminalStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "Unauthorized", status: http.StatusUnauthorized},
		{name: "Forbidden", status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := startIDP(t)
			store := sessionmock.NewInMemStore()
			m := newManager(t, p, store)

			doLogin(t, p, m, store)
			p.setRefreshStatus(tt.status)

			assert.False(t, m.ForceRefresh(t.Context()))
			assert.False(t, m.Authenticated(), "a %d must force logout immediately", tt.status)
		})
	}
}

func TestManager_RefreshSuccessResetsFailures(t *testing.T) {
	p := startIDP(t)
	store := sessionmock.NewInMemStore()
	m := newManager(t, p, store)

	doLogin(t, p, m, store)

	p.setRefreshStatus(http.StatusInternalServerError)
	assert.False(t, m.ForceRefresh(t.Context()))
	assert.Equal(t, 1, m.ConsecutiveFailures())

	p.setRefreshStatus(0)
	assert.True(t, m.ForceRefresh(t.Context()))
	assert.Zero(t, m.ConsecutiveFailures())
	assert.Equal(t, "access-token-refresh_token", m.Snapshot().AccessToken)
}

func TestManager_RefreshKeepsProfileOnUserinfoFailure(t *testing.T) {
	p := startIDP(t)
	store := sessionmock.NewInMemStore()
	m := newManager(t, p, store)

	before := doLogin(t, p, m, store)

	p.setUserinfoStatus(http.StatusBadGateway)
	assert.True(t, m.ForceRefresh(t.Context()), "profile re-fetch is best-effort")

	after := m.Snapshot()
	assert.Equal(t, before.User, after.User, "previous profile must be kept")
	assert.NotEqual(t, before.AccessToken, after.AccessToken)
}

func TestManager_LogoutIdempotent(t *testing.T) {
	p := startIDP(t)
	store := sessionmock.NewInMemStore()
	m := newManager(t, p, store)

	doLogin(t, p, m, store)
	require.True(t, m.Authenticated())

	m.Logout(t.Context())
	assert.False(t, m.Authenticated())
	assert.Equal(t, session.Snapshot{}, m.Snapshot())
	_, ok := store.Session()
	assert.False(t, ok)

	// a second logout is a no-op, not a panic
	m.Logout(t.Context())
	assert.Equal(t, session.Snapshot{}, m.Snapshot())

	_, _, logout := p.counts()
	assert.Equal(t, 1, logout, "end-session ping only for an actual session")
}

func TestManager_AccessToken(t *testing.T) {
	t.Run("No session", func(t *testing.T) {
		p := startIDP(t)
		m := newManager(t, p, sessionmock.NewInMemStore())

		_, err := m.AccessToken(t.Context())
		assert.ErrorIs(t, err, serviceerr.ErrUnauthorized)
	})

	t.Run("Fresh token needs no refresh", func(t *testing.T) {
		p := startIDP(t)
		store := sessionmock.NewInMemStore()
		m := newManager(t, p, store)

		snapshot := doLogin(t, p, m, store)

		token, err := m.AccessToken(t.Context())
		require.NoError(t, err)
		assert.Equal(t, snapshot.AccessToken, token)

		_, refresh, _ := p.counts()
		assert.Zero(t, refresh)
	})

	t.Run("Expiring token refreshed transparently", func(t *testing.T) {
		p := startIDP(t)
		store := sessionmock.NewInMemStore()

		// stored token expires within the refresh buffer
		stored := session.Snapshot{
			Authenticated: true,
			SessionID:     "sid-1",
			User:          &identity.Profile{Subject: "user-1"},
			AccessToken:   "stale-token",
			RefreshToken:  "refresh-token",
			ExpiresAt:     time.Now().Add(4 * time.Minute).UnixMilli(),
		}
		require.NoError(t, store.StoreSession(t.Context(), stored))

		m := newManager(t, p, store)
		require.NoError(t, m.Initialize(t.Context()))

		token, err := m.AccessToken(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "access-token-refresh_token", token)
	})
}

func TestManager_Initialize(t *testing.T) {
	t.Run("Expired session refreshed once", func(t *testing.T) {
		p := startIDP(t)
		store := sessionmock.NewInMemStore(sessionmock.WithSession(session.Snapshot{
			Authenticated: true,
			SessionID:     "sid-1",
			User:          &identity.Profile{Subject: "user-1"},
			AccessToken:   "expired-token",
			RefreshToken:  "refresh-token",
			ExpiresAt:     time.Now().Add(-time.Hour).UnixMilli(),
		}))

		m := newManager(t, p, store)
		require.NoError(t, m.Initialize(t.Context()))

		assert.True(t, m.Authenticated())
		_, refresh, _ := p.counts()
		assert.Equal(t, 1, refresh)
	})

	t.Run("Expired session with rejected refresh resets", func(t *testing.T) {
		p := startIDP(t)
		p.setRefreshStatus(http.StatusUnauthorized)
		store := sessionmock.NewInMemStore(sessionmock.WithSession(session.Snapshot{
			Authenticated: true,
			AccessToken:   "expired-token",
			RefreshToken:  "refresh-token",
			ExpiresAt:     time.Now().Add(-time.Hour).UnixMilli(),
		}))

		m := newManager(t, p, store)
		require.NoError(t, m.Initialize(t.Context()))

		assert.False(t, m.Authenticated())
		_, ok := store.Session()
		assert.False(t, ok, "stale session must be cleared")
	})

	t.Run("Valid session restored", func(t *testing.T) {
		p := startIDP(t)
		store := sessionmock.NewInMemStore(sessionmock.WithSession(session.Snapshot{
			Authenticated: true,
			SessionID:     "sid-1",
			User:          &identity.Profile{Subject: "user-1", Email: "ada@example.com"},
			AccessToken:   "valid-token",
			RefreshToken:  "refresh-token",
			ExpiresAt:     time.Now().Add(time.Hour).UnixMilli(),
		}))

		m := newManager(t, p, store)
		require.NoError(t, m.Initialize(t.Context()))

		assert.True(t, m.Authenticated())
		assert.Equal(t, "valid-token", m.Snapshot().AccessToken)
		_, refresh, _ := p.counts()
		assert.Zero(t, refresh)
	})

	t.Run("No stored session", func(t *testing.T) {
		p := startIDP(t)
		m := newManager(t, p, sessionmock.NewInMemStore())

		require.NoError(t, m.Initialize(t.Context()))
		assert.False(t, m.Authenticated())
	})
}

func TestManager_Subscribe(t *testing.T) {
	p := startIDP(t)
	store := sessionmock.NewInMemStore()
	m := newManager(t, p, store)

	var got []session.Snapshot
	unsubscribe := m.Subscribe(func(s session.Snapshot) {
		got = append(got, s)
	})

	doLogin(t, p, m, store)
	require.Len(t, got, 1)
	assert.True(t, got[0].Authenticated)

	m.Logout(t.Context())
	require.Len(t, got, 2)
	assert.False(t, got[1].Authenticated)

	unsubscribe()
	doLogin(t, p, m, store)
	assert.Len(t, got, 2, "no notifications after unsubscribe")
}

func TestNewManager_Validation(t *testing.T) {
	p := startIDP(t)
	provider, err := oidc.NewProvider(p.server.URL, testClientID, testRedirectURI)
	require.NoError(t, err)

	_, err = session.NewManager(provider, sessionmock.NewInMemStore(), []byte("too-short"))
	assert.ErrorIs(t, err, serviceerr.ErrInvalidConfiguration)

	_, err = session.NewManager(nil, sessionmock.NewInMemStore(), []byte(testCSRFSecret))
	assert.ErrorIs(t, err, serviceerr.ErrInvalidConfiguration)
}
