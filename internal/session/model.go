package session

import (
	"time"

	"github.com/craftide/sso-agent/internal/identity"
)

// Snapshot is the authoritative session record. It is immutable: every
// successful login, refresh or logout replaces it wholesale, so a concurrent
// reader never observes a torn state.
type Snapshot struct {
	Authenticated bool              `json:"authenticated"`
	SessionID     string            `json:"sessionId,omitempty"`
	User          *identity.Profile `json:"user,omitempty"`
	AccessToken   string            `json:"accessToken,omitempty"`
	RefreshToken  string            `json:"refreshToken,omitempty"`
	IDToken       string            `json:"idToken,omitempty"`
	// ExpiresAt is an absolute instant in epoch milliseconds, never a duration.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
	// CSRFToken protects the agent's own state-changing endpoints.
	CSRFToken string `json:"csrfToken,omitempty"`
}

// Valid reports whether the snapshot carries a non-expired access token.
// It is a pure check and never triggers I/O.
func (s Snapshot) Valid(at time.Time) bool {
	return s.AccessToken != "" && at.UnixMilli() < s.ExpiresAt
}

// NeedsRefresh reports whether the token is within the refresh buffer of its
// expiry (or already past it).
func (s Snapshot) NeedsRefresh(at time.Time, buffer time.Duration) bool {
	return s.AccessToken == "" || at.Add(buffer).UnixMilli() >= s.ExpiresAt
}

// Expiry returns ExpiresAt as a time.Time.
func (s Snapshot) Expiry() time.Time {
	return time.UnixMilli(s.ExpiresAt)
}

// LoginState is the transient record scoped to one in-flight login attempt.
// It is consumed exactly once by the callback, successful or not.
type LoginState struct {
	State        string `json:"state"`
	Nonce        string `json:"nonce"`
	CodeVerifier string `json:"codeVerifier"`
	// Mode selects the callback delivery: DeliveryRedirect or DeliveryPopup.
	Mode      string    `json:"mode,omitempty"`
	ReturnTo  string    `json:"returnTo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

const (
	DeliveryRedirect = "redirect"
	DeliveryPopup    = "popup"
)

// TokenResponse is the token endpoint response for both the
// authorization_code and the refresh_token grants.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}
