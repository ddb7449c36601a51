// Package agent exposes the session manager to the IDE front end: the
// callback surface for both delivery paths, the status/login/logout/refresh
// endpoints and the gate middleware that blocks routes until a valid session
// exists.
package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/samber/oops"

	slogctx "github.com/veqryn/slog-context"

	"github.com/craftide/sso-agent/internal/config"
	"github.com/craftide/sso-agent/internal/oidc"
	"github.com/craftide/sso-agent/internal/session"
)

type Server struct {
	manager  *session.Manager
	provider *oidc.Provider

	// frontendOrigin is the popup relay target and an accepted message
	// origin, next to the provider's allow-list.
	frontendOrigin string
}

func NewServer(manager *session.Manager, provider *oidc.Provider, frontendOrigin string) *Server {
	if frontendOrigin == "" {
		redirect := provider.RedirectURI()
		frontendOrigin = redirect.Scheme + "://" + redirect.Host
	}

	return &Server{
		manager:        manager,
		provider:       provider,
		frontendOrigin: frontendOrigin,
	}
}

// Handler builds the agent's HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /auth/login", instrument("Login", http.HandlerFunc(s.handleLogin)))
	mux.Handle("GET /auth/callback", instrument("Callback", http.HandlerFunc(s.handleCallback)))
	mux.Handle("POST /auth/callback", instrument("CallbackMessage", http.HandlerFunc(s.handleCallbackMessage)))
	mux.Handle("GET /auth/status", instrument("Status", http.HandlerFunc(s.handleStatus)))
	mux.Handle("POST /auth/logout", instrument("Logout", s.requireCSRF(s.handleLogout)))
	mux.Handle("POST /auth/refresh", instrument("Refresh", s.requireCSRF(s.handleRefresh)))

	return mux
}

// RequireSession blocks the wrapped handler until a valid session exists.
func (s *Server) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.manager.Authenticated() {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":    "login_required",
				"loginUrl": "/auth/login",
			})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// StartHTTPServer runs the agent's HTTP server until the context is
// cancelled, then shuts it down gracefully.
func StartHTTPServer(ctx context.Context, cfg *config.Config, srv *Server) error {
	if err := initMeters(ctx, cfg); err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: srv.Handler(),
	}

	slogctx.Info(ctx, "Starting a listener", "address", server.Addr)

	// Parse network if the address is provided in the format of network://address.
	// Otherwise use tcp network by default. Some integration tests are easier to implement
	// by binding a listener to a unix socket rather than a TCP port.
	network := "tcp"
	if idx := strings.IndexRune(server.Addr, ':'); idx != -1 && len(server.Addr) > idx+3 && server.Addr[idx:idx+3] == "://" {
		network = server.Addr[:idx]
		server.Addr = server.Addr[idx+3:]
	}

	listener, err := new(net.ListenConfig).Listen(ctx, network, server.Addr)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "Failed to create a listener")
	}

	go func() {
		slogctx.Info(ctx, "Serving an HTTP server", "address", listener.Addr().String())
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogctx.Error(ctx, "Failed to serve an HTTP server", "error", err)
		}

		slogctx.Info(ctx, "Stopped an HTTP server")
	}()

	<-ctx.Done()

	shutdownCtx, shutdownRelease := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer shutdownRelease()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "Failed shutting down HTTP server")
	}

	slogctx.Info(ctx, "Completed graceful shutdown of HTTP server")

	return nil
}
