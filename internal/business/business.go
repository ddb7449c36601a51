// Package business wires configuration into the running pieces: the
// identity provider client, the session store, the manager and the HTTP
// surface the front end talks to.
package business

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/craftide/sso-agent/internal/agent"
	"github.com/craftide/sso-agent/internal/browser"
	"github.com/craftide/sso-agent/internal/config"
	"github.com/craftide/sso-agent/internal/cryptoutil"
	"github.com/craftide/sso-agent/internal/oidc"
	"github.com/craftide/sso-agent/internal/session"
	sessionfile "github.com/craftide/sso-agent/internal/session/file"
	sessionvalkey "github.com/craftide/sso-agent/internal/session/valkey"
)

// Main runs the agent daemon: restore the persisted session, then serve the
// auth surface until the context is cancelled.
func Main(ctx context.Context, cfg *config.Config) error {
	manager, provider, closeFn, err := initSessionManager(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("initialising the session manager: %w", err)
	}
	defer closeFn()

	unsubscribe := manager.Subscribe(func(s session.Snapshot) {
		if s.Authenticated {
			slogctx.Info(ctx, "Session established", "subject", s.User.Subject)
		} else {
			slogctx.Info(ctx, "Session cleared")
		}
	})
	defer unsubscribe()

	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("restoring the persisted session: %w", err)
	}

	return agent.StartHTTPServer(ctx, cfg, agent.NewServer(manager, provider, cfg.Provider.FrontendOrigin))
}

// LoginMain drives an interactive login from the command line: it serves the
// callback on the redirect URI's address, opens the system browser and waits
// for the session to be established.
func LoginMain(ctx context.Context, cfg *config.Config) error {
	manager, provider, closeFn, err := initSessionManager(ctx, cfg, &browser.Opener{})
	if err != nil {
		return fmt.Errorf("initialising the session manager: %w", err)
	}
	defer closeFn()

	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("restoring the persisted session: %w", err)
	}

	if manager.Authenticated() {
		slogctx.Info(ctx, "Already signed in")

		return printStatus(manager)
	}

	done := make(chan struct{})
	unsubscribe := manager.Subscribe(func(s session.Snapshot) {
		if s.Authenticated {
			close(done)
		}
	})
	defer unsubscribe()

	// the callback server only needs to live for this one attempt
	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	serveErr := make(chan error, 1)
	go func() {
		callbackCfg := *cfg
		callbackCfg.HTTP.Address = provider.RedirectURI().Host
		serveErr <- agent.StartHTTPServer(serveCtx, &callbackCfg,
			agent.NewServer(manager, provider, cfg.Provider.FrontendOrigin))
	}()

	if _, err := manager.Login(ctx, session.LoginOptions{Mode: session.DeliveryRedirect}); err != nil {
		return fmt.Errorf("starting the login: %w", err)
	}

	select {
	case <-done:
		slogctx.Info(ctx, "Signed in")
	case err := <-serveErr:
		return fmt.Errorf("serving the login callback: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	stopServing()
	<-serveErr

	return printStatus(manager)
}

// LogoutMain clears the persisted session and notifies the provider.
func LogoutMain(ctx context.Context, cfg *config.Config) error {
	manager, _, closeFn, err := initSessionManager(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("initialising the session manager: %w", err)
	}
	defer closeFn()

	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("restoring the persisted session: %w", err)
	}

	manager.Logout(ctx)
	slogctx.Info(ctx, "Signed out")

	return nil
}

// StatusMain restores the persisted session and prints it as JSON.
func StatusMain(ctx context.Context, cfg *config.Config) error {
	manager, _, closeFn, err := initSessionManager(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("initialising the session manager: %w", err)
	}
	defer closeFn()

	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("restoring the persisted session: %w", err)
	}

	return printStatus(manager)
}

// RefreshMain forces a refresh attempt against the provider.
func RefreshMain(ctx context.Context, cfg *config.Config) error {
	manager, _, closeFn, err := initSessionManager(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("initialising the session manager: %w", err)
	}
	defer closeFn()

	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("restoring the persisted session: %w", err)
	}

	if !manager.Authenticated() {
		return fmt.Errorf("no session to refresh")
	}

	if !manager.Refresh(ctx) {
		return fmt.Errorf("the provider rejected the refresh")
	}

	return printStatus(manager)
}

func printStatus(manager *session.Manager) error {
	snapshot := manager.Snapshot()

	out := struct {
		Authenticated bool  `json:"authenticated"`
		User          any   `json:"user,omitempty"`
		ExpiresAt     int64 `json:"expiresAt,omitempty"`
	}{
		Authenticated: snapshot.Authenticated,
		ExpiresAt:     snapshot.ExpiresAt,
	}
	if snapshot.User != nil {
		out.User = snapshot.User
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func initSessionManager(ctx context.Context, cfg *config.Config, deliverer session.Deliverer) (_ *session.Manager, _ *oidc.Provider, closeFn func(), _ error) {
	provider, err := initProvider(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	store, closeFn, err := initStore(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	csrfSecret, err := commoncfg.LoadValueFromSourceRef(cfg.Session.CSRFSecret)
	if err != nil {
		closeFn()

		return nil, nil, nil, fmt.Errorf("loading the CSRF secret: %w", err)
	}

	opts := []session.ManagerOption{
		session.WithTimings(session.Timings{
			RefreshBuffer:      cfg.Session.RefreshBuffer,
			MinRefreshInterval: cfg.Session.MinRefreshInterval,
			MaxRefreshFailures: cfg.Session.MaxRefreshFailures,
			LoginStateTTL:      cfg.Session.LoginStateTTL,
		}),
	}
	if deliverer != nil {
		opts = append(opts, session.WithDeliverer(deliverer))
	}

	manager, err := session.NewManager(provider, store, csrfSecret, opts...)
	if err != nil {
		closeFn()

		return nil, nil, nil, fmt.Errorf("creating the session manager: %w", err)
	}

	managerClose := func() {
		manager.Close()
		closeFn()
	}

	return manager, provider, managerClose, nil
}

func initProvider(cfg *config.Config) (*oidc.Provider, error) {
	clientID, err := commoncfg.LoadValueFromSourceRef(cfg.Provider.ClientID)
	if err != nil {
		return nil, fmt.Errorf("loading the client id: %w", err)
	}

	opts := []oidc.Option{
		oidc.WithEndpoints(oidc.Endpoints{
			Authorization: cfg.Provider.Endpoints.Authorization,
			Token:         cfg.Provider.Endpoints.Token,
			Userinfo:      cfg.Provider.Endpoints.Userinfo,
			EndSession:    cfg.Provider.Endpoints.EndSession,
		}),
	}
	if len(cfg.Provider.Scopes) > 0 {
		opts = append(opts, oidc.WithScopes(cfg.Provider.Scopes))
	}

	provider, err := oidc.NewProvider(cfg.Provider.IssuerURL, string(clientID), cfg.Provider.RedirectURI, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating the provider client: %w", err)
	}

	return provider, nil
}

func initStore(cfg *config.Config) (_ session.Store, closeFn func(), _ error) {
	encryptionSecret, err := commoncfg.LoadValueFromSourceRef(cfg.Store.EncryptionSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("loading the store encryption secret: %w", err)
	}

	cipher, err := cryptoutil.NewCipher(encryptionSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("creating the store cipher: %w", err)
	}

	switch cfg.Store.Backend {
	case config.StoreBackendFile:
		dir := cfg.Store.Directory
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, nil, fmt.Errorf("resolving the home directory: %w", err)
			}
			dir = filepath.Join(home, ".sso-agent", "store")
		}

		store, err := sessionfile.NewStore(dir, cipher, cfg.Session.LoginStateTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("creating the file store: %w", err)
		}

		return store, func() {}, nil

	case config.StoreBackendValKey:
		valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.Store.ValKey.Host)
		if err != nil {
			return nil, nil, fmt.Errorf("loading valkey host: %w", err)
		}

		valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.Store.ValKey.User)
		if err != nil {
			return nil, nil, fmt.Errorf("loading valkey username: %w", err)
		}

		valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.Store.ValKey.Password)
		if err != nil {
			return nil, nil, fmt.Errorf("loading valkey password: %w", err)
		}

		valkeyClient, err := valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{string(valkeyHost)},
			Username:    string(valkeyUsername),
			Password:    string(valkeyPassword),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating a new valkey client: %w", err)
		}

		store, err := sessionvalkey.NewStore(valkeyClient, cipher, cfg.Store.ValKey.Prefix, cfg.Session.LoginStateTTL)
		if err != nil {
			valkeyClient.Close()

			return nil, nil, fmt.Errorf("creating the valkey store: %w", err)
		}

		return store, valkeyClient.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
