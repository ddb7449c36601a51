// Package oidc describes the identity provider the agent logs in against and
// resolves its endpoints through OpenID Connect discovery.
package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/craftide/sso-agent/internal/serviceerr"
)

const wellKnownPath = "/.well-known/openid-configuration"

// Endpoints overrides individual discovered endpoints. Any empty field falls
// back to the discovery document.
type Endpoints struct {
	Authorization string
	Token         string
	Userinfo      string
	EndSession    string
}

// Provider is the single identity provider the agent talks to.
type Provider struct {
	issuerURL   *url.URL
	clientID    string
	redirectURI *url.URL
	scopes      []string
	overrides   Endpoints

	client *http.Client
	cache  *gocache.Cache
}

type Option func(*Provider)

// WithEndpoints installs endpoint overrides for providers whose discovery
// document is incomplete.
func WithEndpoints(e Endpoints) Option {
	return func(p *Provider) { p.overrides = e }
}

func WithScopes(scopes []string) Option {
	return func(p *Provider) { p.scopes = scopes }
}

func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.client = client }
}

func NewProvider(issuerURL, clientID, redirectURI string, opts ...Option) (*Provider, error) {
	if issuerURL == "" || clientID == "" || redirectURI == "" {
		return nil, fmt.Errorf("%w: issuer, client ID and redirect URI are required", serviceerr.ErrInvalidConfiguration)
	}

	issuer, err := url.Parse(issuerURL)
	if err != nil {
		return nil, errors.Join(serviceerr.ErrInvalidConfiguration, fmt.Errorf("parsing issuer URL: %w", err))
	}

	redirect, err := url.Parse(redirectURI)
	if err != nil {
		return nil, errors.Join(serviceerr.ErrInvalidConfiguration, fmt.Errorf("parsing redirect URI: %w", err))
	}

	p := &Provider{
		issuerURL:   issuer,
		clientID:    clientID,
		redirectURI: redirect,
		scopes:      []string{"openid", "profile", "email"},
		client:      http.DefaultClient,
		cache:       gocache.New(time.Hour, 10*time.Minute),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

func (p *Provider) ClientID() string { return p.clientID }

func (p *Provider) RedirectURI() *url.URL { return p.redirectURI }

func (p *Provider) IssuerURL() *url.URL { return p.issuerURL }

func (p *Provider) Scope() string { return strings.Join(p.scopes, " ") }

// AllowedOrigins lists the origins trusted to deliver callback messages:
// the issuer's origin and the redirect URI's origin.
func (p *Provider) AllowedOrigins() []string {
	issuer := p.issuerURL.Scheme + "://" + p.issuerURL.Host
	redirect := p.redirectURI.Scheme + "://" + p.redirectURI.Host
	if issuer == redirect {
		return []string{issuer}
	}

	return []string{issuer, redirect}
}

// OpenIDConfig returns the provider's discovery document, cached between
// calls, with any configured endpoint overrides applied.
func (p *Provider) OpenIDConfig(ctx context.Context) (Configuration, error) {
	const cacheKey = "wkoc"

	if cached, ok := p.cache.Get(cacheKey); ok {
		//nolint:forcetypeassert
		return cached.(Configuration), nil
	}

	cfg, err := p.fetchOpenIDConfig(ctx)
	if err != nil {
		return Configuration{}, err
	}

	p.applyOverrides(&cfg)
	p.cache.Set(cacheKey, cfg, 0)

	return cfg, nil
}

func (p *Provider) fetchOpenIDConfig(ctx context.Context) (Configuration, error) {
	uri := strings.TrimSuffix(p.issuerURL.String(), "/") + wellKnownPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Configuration{}, fmt.Errorf("creating discovery request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Configuration{}, fmt.Errorf("executing discovery request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Configuration{}, fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var cfg Configuration
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return Configuration{}, fmt.Errorf("decoding discovery document: %w", err)
	}

	return cfg, nil
}

func (p *Provider) applyOverrides(cfg *Configuration) {
	if p.overrides.Authorization != "" {
		cfg.AuthorizationEndpoint = p.overrides.Authorization
	}
	if p.overrides.Token != "" {
		cfg.TokenEndpoint = p.overrides.Token
	}
	if p.overrides.Userinfo != "" {
		cfg.UserinfoEndpoint = p.overrides.Userinfo
	}
	if p.overrides.EndSession != "" {
		cfg.EndSessionEndpoint = p.overrides.EndSession
	}
}
