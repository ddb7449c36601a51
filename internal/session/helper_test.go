package session_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"

	"github.com/craftide/sso-agent/internal/identity"
	"github.com/craftide/sso-agent/internal/oidc"
	"github.com/craftide/sso-agent/internal/session"
)

// idp is a stub identity provider. Its behaviour is adjusted per test:
// response statuses for the two grants, the nonce minted into ID tokens and
// the userinfo claims.
type idp struct {
	server *httptest.Server

	mu             sync.Mutex
	exchangeStatus int
	refreshStatus  int
	userinfoStatus int
	nonce          string
	userinfo       identity.Claims

	exchangeCalls int
	refreshCalls  int
	logoutCalls   int
}

func startIDP(t *testing.T) *idp {
	t.Helper()

	p := &idp{
		userinfo: identity.Claims{
			Subject: "user-1",
			Name:    "Ada Lovelace",
			Email:   "ada@example.com",
			Groups:  []string{"engineering"},
		},
	}

	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			_ = json.NewEncoder(w).Encode(oidc.Configuration{
				Issuer:                p.server.URL,
				AuthorizationEndpoint: p.server.URL + "/oauth2/authorize",
				TokenEndpoint:         p.server.URL + "/oauth2/token",
				UserinfoEndpoint:      p.server.URL + "/oauth2/userinfo",
				EndSessionEndpoint:    p.server.URL + "/oauth2/logout",
			})
		case "/oauth2/token":
			p.handleToken(t, w, r)
		case "/oauth2/userinfo":
			p.mu.Lock()
			status := p.userinfoStatus
			claims := p.userinfo
			p.mu.Unlock()

			if status != 0 {
				w.WriteHeader(status)
				return
			}
			_ = json.NewEncoder(w).Encode(claims)
		case "/oauth2/logout":
			p.mu.Lock()
			p.logoutCalls++
			p.mu.Unlock()
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(p.server.Close)

	return p
}

func (p *idp) handleToken(t *testing.T, w http.ResponseWriter, r *http.Request) {
	t.Helper()
	require.NoError(t, r.ParseForm())

	p.mu.Lock()
	var status int
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.exchangeCalls++
		status = p.exchangeStatus
	case "refresh_token":
		p.refreshCalls++
		status = p.refreshStatus
	}
	nonce := p.nonce
	p.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(session.TokenResponse{
		AccessToken:  "access-token-" + r.PostForm.Get("grant_type"),
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		RefreshToken: "refresh-token-next",
		IDToken:      mintIDToken(t, nonce),
	})
}

func (p *idp) setExchangeStatus(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchangeStatus = code
}

func (p *idp) setRefreshStatus(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshStatus = code
}

func (p *idp) setUserinfoStatus(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userinfoStatus = code
}

func (p *idp) setNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonce = nonce
}

func (p *idp) counts() (exchange, refresh, logout int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exchangeCalls, p.refreshCalls, p.logoutCalls
}

// mintIDToken signs a minimal ID token carrying the given nonce. The agent
// reads the payload without verifying the signature, so an HMAC key is fine.
func mintIDToken(t *testing.T, nonce string) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte("0123456789abcdef0123456789abcdef")},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	raw, err := jwt.Signed(signer).Claims(map[string]any{
		"sub":   "user-1",
		"iss":   "test-idp",
		"nonce": nonce,
	}).Serialize()
	require.NoError(t, err)

	return raw
}
