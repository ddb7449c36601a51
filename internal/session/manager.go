// Package session owns the agent's authentication state and drives the
// login, callback, refresh and logout transitions against the identity
// provider.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openkcm/common-sdk/pkg/csrf"
	"golang.org/x/sync/singleflight"

	slogctx "github.com/veqryn/slog-context"

	"github.com/craftide/sso-agent/internal/identity"
	"github.com/craftide/sso-agent/internal/oidc"
	"github.com/craftide/sso-agent/internal/pkce"
	"github.com/craftide/sso-agent/internal/serviceerr"
)

const (
	// DefaultRefreshBuffer is how long before expiry a token counts as
	// expiring and gets refreshed proactively.
	DefaultRefreshBuffer = 5 * time.Minute
	// DefaultMinRefreshInterval throttles refresh attempts and is the floor
	// for the scheduled refresh delay.
	DefaultMinRefreshInterval = 30 * time.Second
	// DefaultMaxRefreshFailures is the consecutive-failure count that forces
	// a logout.
	DefaultMaxRefreshFailures = 3
	// DefaultLoginStateTTL bounds the age of a pending login attempt.
	DefaultLoginStateTTL = 10 * time.Minute
	// DefaultHTTPTimeout bounds every provider call.
	DefaultHTTPTimeout = 30 * time.Second
)

// Deliverer hands an authorization URL to the user. The agent server and the
// CLI install different strategies (302 redirect, popup opener JSON, system
// browser).
type Deliverer interface {
	Deliver(ctx context.Context, authorizationURL string) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, authorizationURL string) error

func (f DelivererFunc) Deliver(ctx context.Context, authorizationURL string) error {
	return f(ctx, authorizationURL)
}

// Timings collects the state machine's tunables. The zero value selects the
// defaults above; tests shrink them.
type Timings struct {
	RefreshBuffer      time.Duration
	MinRefreshInterval time.Duration
	MaxRefreshFailures int
	LoginStateTTL      time.Duration
}

func (t *Timings) fillDefaults() {
	if t.RefreshBuffer == 0 {
		t.RefreshBuffer = DefaultRefreshBuffer
	}
	if t.MinRefreshInterval == 0 {
		t.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if t.MaxRefreshFailures == 0 {
		t.MaxRefreshFailures = DefaultMaxRefreshFailures
	}
	if t.LoginStateTTL == 0 {
		t.LoginStateTTL = DefaultLoginStateTTL
	}
}

// Manager is the SSO session state machine. All its dependencies are passed
// in explicitly; the application root owns the single instance.
type Manager struct {
	provider *oidc.Provider
	store    Store
	source   pkce.Source
	deliver  Deliverer
	client   *http.Client
	timings  Timings

	csrfSecret []byte

	mu      sync.Mutex
	current Snapshot

	refreshTimer *time.Timer
	lastAttempt  time.Time
	failures     int
	refreshGroup singleflight.Group

	listeners  map[int]func(Snapshot)
	listenerID int
}

type ManagerOption func(*Manager)

// WithDeliverer installs the authorization URL delivery strategy.
func WithDeliverer(d Deliverer) ManagerOption {
	return func(m *Manager) { m.deliver = d }
}

func WithTimings(t Timings) ManagerOption {
	return func(m *Manager) { m.timings = t }
}

func WithHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) { m.client = client }
}

func NewManager(provider *oidc.Provider, store Store, csrfSecret []byte, opts ...ManagerOption) (*Manager, error) {
	if provider == nil || store == nil {
		return nil, fmt.Errorf("%w: provider and store are required", serviceerr.ErrInvalidConfiguration)
	}
	if len(csrfSecret) < 32 {
		return nil, fmt.Errorf("%w: CSRF secret must be at least 32 bytes", serviceerr.ErrInvalidConfiguration)
	}

	m := &Manager{
		provider:   provider,
		store:      store,
		csrfSecret: csrfSecret,
		client:     &http.Client{Timeout: DefaultHTTPTimeout},
		listeners:  map[int]func(Snapshot){},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.timings.fillDefaults()

	return m, nil
}

// Snapshot returns the current immutable session record.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// Authenticated is a pure check on the current state: it reports false for a
// missing or already expired token and never triggers I/O or a refresh.
func (m *Manager) Authenticated() bool {
	return m.Snapshot().Valid(time.Now())
}

// Subscribe registers a listener invoked with the new snapshot after every
// transition. The returned function cancels the subscription.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listenerID++
	id := m.listenerID
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// replace swaps in the new snapshot and notifies listeners outside the lock.
func (m *Manager) replace(s Snapshot) {
	m.mu.Lock()
	m.current = s
	fns := make([]func(Snapshot), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// LoginOptions selects the callback delivery path for one login attempt.
type LoginOptions struct {
	Mode     string // DeliveryRedirect (default) or DeliveryPopup
	ReturnTo string // clean URI to land on after a redirect-mode login
}

// Login starts a login attempt: it generates the PKCE triple, persists it as
// the pending login state, builds the authorization URL and hands it to the
// delivery strategy. It performs no token I/O itself.
func (m *Manager) Login(ctx context.Context, opts LoginOptions) (string, error) {
	openidConf, err := m.provider.OpenIDConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("getting openid configuration: %w", err)
	}

	if opts.Mode == "" {
		opts.Mode = DeliveryRedirect
	}

	p := m.source.PKCE()
	state := LoginState{
		State:        m.source.State(),
		Nonce:        m.source.Nonce(),
		CodeVerifier: p.Verifier,
		Mode:         opts.Mode,
		ReturnTo:     opts.ReturnTo,
		CreatedAt:    time.Now(),
	}

	if err := m.store.StoreLoginState(ctx, state); err != nil {
		return "", fmt.Errorf("storing login state: %w", err)
	}

	u, err := m.authURI(openidConf, state, p)
	if err != nil {
		return "", fmt.Errorf("generating auth uri: %w", err)
	}

	if m.deliver != nil {
		if err := m.deliver.Deliver(ctx, u); err != nil {
			return "", fmt.Errorf("delivering authorization URL: %w", err)
		}
	}

	return u, nil
}

func (m *Manager) authURI(openidConf oidc.Configuration, state LoginState, p pkce.PKCE) (string, error) {
	u, err := url.Parse(openidConf.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing authorisation endpoint url: %w", err)
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", m.provider.ClientID())
	q.Set("redirect_uri", m.provider.RedirectURI().String())
	q.Set("scope", m.provider.Scope())
	q.Set("state", state.State)
	q.Set("nonce", state.Nonce)
	q.Set("code_challenge", p.Challenge)
	q.Set("code_challenge_method", p.Method)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// PendingLogin returns the stored login state without consuming it. The
// callback surface uses it to pick the delivery path of the in-flight
// attempt.
func (m *Manager) PendingLogin(ctx context.Context) (LoginState, error) {
	return m.store.LoadLoginState(ctx)
}

// HandleCallback finalises a login attempt with the code and state returned
// by the provider. The pending login state is consumed exactly once, whether
// the callback succeeds or not.
func (m *Manager) HandleCallback(ctx context.Context, code, returnedState string) (Snapshot, error) {
	state, err := m.store.LoadLoginState(ctx)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNoLoginState) {
			return Snapshot{}, serviceerr.ErrStateMismatch
		}

		return Snapshot{}, fmt.Errorf("loading login state: %w", err)
	}

	// single-use, successful or not
	if err := m.store.DeleteLoginState(ctx); err != nil {
		slogctx.Warn(ctx, "Failed to delete login state", "error", err)
	}

	if returnedState != state.State {
		return Snapshot{}, serviceerr.ErrStateMismatch
	}

	openidConf, err := m.provider.OpenIDConfig(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("getting openid configuration: %w", err)
	}

	tokens, err := m.exchangeCode(ctx, openidConf, code, state.CodeVerifier)
	if err != nil {
		return Snapshot{}, err
	}

	slogctx.Info(ctx, "Exchanged the auth code for tokens")

	if tokens.IDToken != "" {
		claims, err := identity.TokenClaims(tokens.IDToken)
		if err != nil {
			return Snapshot{}, fmt.Errorf("reading id token: %w", err)
		}
		if claims.Nonce != state.Nonce {
			return Snapshot{}, serviceerr.ErrReplayDetected
		}
	}

	profile, err := m.fetchProfile(ctx, openidConf, tokens)
	if err != nil {
		return Snapshot{}, err
	}

	sessionID := uuid.NewString()
	next := Snapshot{
		Authenticated: true,
		SessionID:     sessionID,
		User:          &profile,
		AccessToken:   tokens.AccessToken,
		RefreshToken:  tokens.RefreshToken,
		IDToken:       tokens.IDToken,
		ExpiresAt:     time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second).UnixMilli(),
		CSRFToken:     csrf.NewToken(sessionID, m.csrfSecret),
	}

	if err := m.store.StoreSession(ctx, next); err != nil {
		return Snapshot{}, fmt.Errorf("storing session: %w", err)
	}

	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()

	m.replace(next)
	m.scheduleRefresh(next)

	slogctx.Info(ctx, "Login completed", "subject", profile.Subject)

	return next, nil
}

// AccessToken returns the current access token, transparently refreshing it
// first when it is within the refresh buffer of expiry.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	current := m.Snapshot()
	if current.AccessToken == "" {
		return "", serviceerr.ErrUnauthorized
	}

	if current.NeedsRefresh(time.Now(), m.timings.RefreshBuffer) {
		// a failed refresh is tolerable as long as the token is still alive
		m.Refresh(ctx)
		current = m.Snapshot()
	}

	if !current.Valid(time.Now()) {
		return "", serviceerr.ErrUnauthorized
	}

	return current.AccessToken, nil
}

// Refresh exchanges the stored refresh token for fresh tokens. It reports
// success and never returns an error to the caller: transient failures leave
// the existing session in place for the next tick, while a 401/403 from the
// provider or the third consecutive failure forces a logout. Calls arriving
// within the throttle window, or while another refresh is in flight, collapse
// into one attempt.
func (m *Manager) Refresh(ctx context.Context) bool {
	m.mu.Lock()
	if time.Since(m.lastAttempt) < m.timings.MinRefreshInterval {
		current := m.current
		m.mu.Unlock()

		return current.Valid(time.Now())
	}
	m.lastAttempt = time.Now()
	m.mu.Unlock()

	ok, _, _ := m.refreshGroup.Do("refresh", func() (any, error) {
		return m.refresh(ctx), nil
	})

	//nolint:forcetypeassert
	return ok.(bool)
}

func (m *Manager) refresh(ctx context.Context) bool {
	current := m.Snapshot()
	if current.RefreshToken == "" {
		return false
	}

	openidConf, err := m.provider.OpenIDConfig(ctx)
	if err != nil {
		slogctx.Warn(ctx, "Could not resolve provider endpoints for refresh", "error", err)

		return m.refreshFailed(ctx, current, 0)
	}

	tokens, status, err := m.refreshGrant(ctx, openidConf, current.RefreshToken)
	if err != nil {
		slogctx.Warn(ctx, "Token refresh failed", "status", status, "error", err)

		return m.refreshFailed(ctx, current, status)
	}

	// best-effort: a failed profile re-fetch keeps the previous profile
	profile := current.User
	if fresh, err := m.fetchProfile(ctx, openidConf, tokens); err == nil {
		profile = &fresh
	} else {
		slogctx.Warn(ctx, "Keeping previous profile after userinfo failure", "error", err)
	}

	refreshToken := tokens.RefreshToken
	if refreshToken == "" {
		refreshToken = current.RefreshToken
	}

	next := Snapshot{
		Authenticated: true,
		SessionID:     current.SessionID,
		User:          profile,
		AccessToken:   tokens.AccessToken,
		RefreshToken:  refreshToken,
		IDToken:       tokens.IDToken,
		ExpiresAt:     time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second).UnixMilli(),
		CSRFToken:     current.CSRFToken,
	}
	if next.IDToken == "" {
		next.IDToken = current.IDToken
	}

	if err := m.store.StoreSession(ctx, next); err != nil {
		slogctx.Error(ctx, "Failed to persist refreshed session", "error", err)
	}

	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()

	m.replace(next)
	m.scheduleRefresh(next)

	slogctx.Debug(ctx, "Session refreshed", "expires_at", next.Expiry())

	return true
}

// refreshFailed applies the failure policy: 401/403 is terminal immediately,
// anything else counts toward the consecutive-failure threshold.
func (m *Manager) refreshFailed(ctx context.Context, current Snapshot, status int) bool {
	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.mu.Unlock()

	terminal := status == http.StatusUnauthorized || status == http.StatusForbidden ||
		failures >= m.timings.MaxRefreshFailures

	if terminal {
		slogctx.Warn(ctx, "Forcing logout after refresh failure", "status", status, "consecutive_failures", failures)
		m.Logout(ctx)

		return false
	}

	// transient: the existing (possibly expired) session stays for retry
	m.scheduleRetry()

	return false
}

// Logout clears the local and persisted state first, so callers observe the
// logged-out state immediately, then pings the provider's end-session
// endpoint best-effort. It is idempotent.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.failures = 0
	previous := m.current
	m.mu.Unlock()

	if err := m.store.ClearSession(ctx); err != nil {
		slogctx.Warn(ctx, "Failed to clear persisted session", "error", err)
	}
	if err := m.store.DeleteLoginState(ctx); err != nil {
		slogctx.Warn(ctx, "Failed to clear login state", "error", err)
	}

	m.replace(Snapshot{})

	if previous.AccessToken != "" {
		m.endSession(ctx, previous)
	}

	slogctx.Info(ctx, "Logged out")
}

// Close cancels the scheduled refresh. The manager stays usable for pure
// reads afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}

// Initialize restores the persisted session. An expiring or expired token
// gets exactly one refresh attempt; if that fails the state resets to
// unauthenticated. A still-fresh pending login survives for mid-login
// restarts.
func (m *Manager) Initialize(ctx context.Context) error {
	stored, err := m.store.LoadSession(ctx)
	switch {
	case errors.Is(err, serviceerr.ErrNoSession):
		slogctx.Debug(ctx, "No stored session")
	case err != nil:
		return fmt.Errorf("loading stored session: %w", err)
	case stored.NeedsRefresh(time.Now(), m.timings.RefreshBuffer):
		m.replace(stored)
		if ok := m.Refresh(ctx); !ok {
			slogctx.Warn(ctx, "Stored session could not be refreshed; resetting")
			m.Logout(ctx)
		}
	default:
		m.replace(stored)
		m.scheduleRefresh(stored)
		slogctx.Info(ctx, "Restored session", "expires_at", stored.Expiry())
	}

	if state, err := m.store.LoadLoginState(ctx); err == nil {
		slogctx.Info(ctx, "Pending login attempt restored", "age", time.Since(state.CreatedAt))
	}

	return nil
}

// scheduleRefresh arms the one-shot refresh timer. Any prior timer is always
// cancelled first; at most one is outstanding per session.
func (m *Manager) scheduleRefresh(s Snapshot) {
	delay := time.Until(s.Expiry()) - m.timings.RefreshBuffer
	if delay < m.timings.MinRefreshInterval {
		delay = m.timings.MinRefreshInterval
	}

	m.armTimer(delay)
}

func (m *Manager) scheduleRetry() {
	m.armTimer(m.timings.MinRefreshInterval)
}

func (m *Manager) armTimer(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.refreshTimer = time.AfterFunc(delay, func() {
		ctx := context.Background()
		if ok := m.Refresh(ctx); !ok {
			slogctx.Warn(ctx, "Scheduled refresh did not succeed")
		}
	})
}

// ValidateCSRFToken checks a token minted for the current session.
func (m *Manager) ValidateCSRFToken(token string) bool {
	current := m.Snapshot()
	if current.SessionID == "" {
		return false
	}

	return csrf.Validate(token, current.SessionID, m.csrfSecret)
}

func (m *Manager) exchangeCode(ctx context.Context, openidConf oidc.Configuration, code, codeVerifier string) (TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("client_id", m.provider.ClientID())
	data.Set("code", code)
	data.Set("redirect_uri", m.provider.RedirectURI().String())
	data.Set("code_verifier", codeVerifier)

	tokens, status, err := m.tokenRequest(ctx, openidConf.TokenEndpoint, data)
	if err != nil {
		return TokenResponse{}, errors.Join(serviceerr.ErrTokenExchangeFailed, fmt.Errorf("status %d: %w", status, err))
	}

	return tokens, nil
}

func (m *Manager) refreshGrant(ctx context.Context, openidConf oidc.Configuration, refreshToken string) (TokenResponse, int, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("client_id", m.provider.ClientID())
	data.Set("refresh_token", refreshToken)

	tokens, status, err := m.tokenRequest(ctx, openidConf.TokenEndpoint, data)
	if err != nil {
		return TokenResponse{}, status, errors.Join(serviceerr.ErrRefreshFailed, err)
	}

	return tokens, status, nil
}

func (m *Manager) tokenRequest(ctx context.Context, endpoint string, data url.Values) (TokenResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return TokenResponse{}, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return TokenResponse{}, 0, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return TokenResponse{}, resp.StatusCode, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokens TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return TokenResponse{}, resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}

	return tokens, resp.StatusCode, nil
}

// fetchProfile resolves the user profile via the userinfo endpoint, falling
// back to the ID token claims when the provider exposes no userinfo endpoint.
func (m *Manager) fetchProfile(ctx context.Context, openidConf oidc.Configuration, tokens TokenResponse) (identity.Profile, error) {
	if openidConf.UserinfoEndpoint == "" {
		if tokens.IDToken == "" {
			return identity.Profile{}, errors.Join(serviceerr.ErrUserinfoFailed, errors.New("provider exposes neither userinfo endpoint nor id token"))
		}
		claims, err := identity.TokenClaims(tokens.IDToken)
		if err != nil {
			return identity.Profile{}, errors.Join(serviceerr.ErrUserinfoFailed, err)
		}

		return identity.ProfileFromClaims(claims), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, openidConf.UserinfoEndpoint, nil)
	if err != nil {
		return identity.Profile{}, errors.Join(serviceerr.ErrUserinfoFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return identity.Profile{}, errors.Join(serviceerr.ErrUserinfoFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return identity.Profile{}, errors.Join(serviceerr.ErrUserinfoFailed, fmt.Errorf("userinfo endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var claims identity.Claims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return identity.Profile{}, errors.Join(serviceerr.ErrUserinfoFailed, fmt.Errorf("decoding userinfo: %w", err))
	}

	return identity.ProfileFromClaims(claims), nil
}

// endSession notifies the provider that the session ended. Failures are
// swallowed: logout is always locally authoritative.
func (m *Manager) endSession(ctx context.Context, previous Snapshot) {
	openidConf, err := m.provider.OpenIDConfig(ctx)
	if err != nil || openidConf.EndSessionEndpoint == "" {
		return
	}

	u, err := url.Parse(openidConf.EndSessionEndpoint)
	if err != nil {
		return
	}

	q := u.Query()
	q.Set("client_id", m.provider.ClientID())
	if previous.IDToken != "" {
		q.Set("id_token_hint", previous.IDToken)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		slogctx.Debug(ctx, "End-session notification failed", "error", err)

		return
	}
	_ = resp.Body.Close()
}
