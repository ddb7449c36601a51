package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	slogctx "github.com/veqryn/slog-context"

	"github.com/craftide/sso-agent/internal/serviceerr"
	"github.com/craftide/sso-agent/internal/session"
)

// callbackMessage is the payload of the popup delivery path, as posted by
// the relay page to the opener and forwarded to the agent.
type callbackMessage struct {
	Type             string `json:"type"`
	Code             string `json:"code,omitempty"`
	State            string `json:"state,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

const callbackMessageType = "sso-callback"

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = session.DeliveryRedirect
	}
	if mode != session.DeliveryRedirect && mode != session.DeliveryPopup {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown delivery mode"})

		return
	}

	authURL, err := s.manager.Login(ctx, session.LoginOptions{
		Mode:     mode,
		ReturnTo: sanitizeReturnTo(r.URL.Query().Get("return_to")),
	})
	if err != nil {
		slogctx.Error(ctx, "Failed to start login", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "could not reach the identity provider"})

		return
	}

	if mode == session.DeliveryPopup {
		writeJSON(w, http.StatusOK, map[string]any{"authorizationUrl": authURL})

		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback is the redirect-path entry point: the provider navigates
// the browser here. For a popup-mode attempt it only renders the relay page;
// the parent window finalises the login through handleCallbackMessage.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	pending, pendingErr := s.manager.PendingLogin(ctx)
	popup := pendingErr == nil && pending.Mode == session.DeliveryPopup

	if errParam := q.Get("error"); errParam != "" {
		// a provider error never consumes the pending login state
		slogctx.Warn(ctx, "Provider returned an authorization error", "provider_error", errParam)
		if popup {
			s.renderRelay(ctx, w, callbackMessage{
				Type:             callbackMessageType,
				Error:            errParam,
				ErrorDescription: q.Get("error_description"),
			})

			return
		}
		renderErrorPage(w, "Login failed", errParam+": "+q.Get("error_description"))

		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		renderErrorPage(w, "Login failed", "the callback is missing its code or state parameter")

		return
	}

	if popup {
		s.renderRelay(ctx, w, callbackMessage{Type: callbackMessageType, Code: code, State: state})

		return
	}

	if _, err := s.manager.HandleCallback(ctx, code, state); err != nil {
		slogctx.Error(ctx, "Failed to finalise login", "error", err)
		renderErrorPage(w, "Login failed", publicError(err))

		return
	}

	// replace the credential-bearing URL with the clean return target
	returnTo := sanitizeReturnTo(pending.ReturnTo)
	if returnTo == "" {
		returnTo = "/"
	}
	http.Redirect(w, r, returnTo, http.StatusSeeOther)
}

// handleCallbackMessage accepts the popup payload from the front end.
// Messages from origins outside the allow-list are ignored.
func (s *Server) handleCallbackMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if origin := r.Header.Get("Origin"); origin != "" && !s.allowedOrigin(origin) {
		slogctx.Warn(ctx, "Ignoring callback message from untrusted origin", "origin", origin)
		w.WriteHeader(http.StatusForbidden)

		return
	}

	var msg callbackMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed callback message"})

		return
	}
	if msg.Type != callbackMessageType {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unexpected message type"})

		return
	}

	if msg.Error != "" {
		slogctx.Warn(ctx, "Provider returned an authorization error", "provider_error", msg.Error)
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "error": msg.Error})

		return
	}

	snapshot, err := s.manager.HandleCallback(ctx, msg.Code, msg.State)
	if err != nil {
		slogctx.Error(ctx, "Failed to finalise login", "error", err)
		writeJSON(w, callbackErrorStatus(err), map[string]any{"error": publicError(err)})

		return
	}

	writeJSON(w, http.StatusOK, statusPayload(snapshot))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusPayload(s.manager.Snapshot()))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.manager.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ok := s.manager.Refresh(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            ok,
		"authenticated": s.manager.Authenticated(),
	})
}

// requireCSRF guards the state-changing endpoints with the token minted at
// login. Without a session there is nothing to protect.
func (s *Server) requireCSRF(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.manager.Authenticated() && !s.manager.ValidateCSRFToken(r.Header.Get("X-CSRF-Token")) {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "missing or invalid CSRF token"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) bool {
	allowed := append(s.provider.AllowedOrigins(), s.frontendOrigin)

	return slices.Contains(allowed, origin)
}

// statusPayload is the identity view for the UI affordance. Tokens never
// leave the agent.
func statusPayload(snapshot session.Snapshot) map[string]any {
	payload := map[string]any{
		"authenticated": snapshot.Authenticated,
	}
	if snapshot.User != nil {
		payload["user"] = snapshot.User
	}
	if snapshot.ExpiresAt != 0 {
		payload["expiresAt"] = snapshot.ExpiresAt
	}
	if snapshot.CSRFToken != "" {
		payload["csrfToken"] = snapshot.CSRFToken
	}

	return payload
}

// sanitizeReturnTo keeps redirects inside the agent's own origin.
func sanitizeReturnTo(returnTo string) string {
	if returnTo == "" {
		return ""
	}
	if !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") {
		return ""
	}

	return returnTo
}

// publicError maps internal failures to a user-presentable message.
func publicError(err error) string {
	switch {
	case errors.Is(err, serviceerr.ErrStateMismatch):
		return "the login attempt expired or was tampered with; please try again"
	case errors.Is(err, serviceerr.ErrReplayDetected):
		return "the identity provider response could not be trusted; please try again"
	case errors.Is(err, serviceerr.ErrTokenExchangeFailed):
		return "the identity provider rejected the login"
	case errors.Is(err, serviceerr.ErrUserinfoFailed):
		return "the user profile could not be loaded"
	default:
		return "login failed"
	}
}

func callbackErrorStatus(err error) int {
	switch {
	case errors.Is(err, serviceerr.ErrStateMismatch), errors.Is(err, serviceerr.ErrReplayDetected):
		return http.StatusBadRequest
	case errors.Is(err, serviceerr.ErrTokenExchangeFailed), errors.Is(err, serviceerr.ErrUserinfoFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
