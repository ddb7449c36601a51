// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP     HTTPServer `yaml:"http"`
	Provider Provider   `yaml:"provider"`
	Session  Session    `yaml:"session"`
	Store    Store      `yaml:"store"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":43110"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

// Provider identifies the identity provider the agent logs in against.
type Provider struct {
	IssuerURL   string              `yaml:"issuerURL"`
	ClientID    commoncfg.SourceRef `yaml:"clientID"`
	RedirectURI string              `yaml:"redirectURI" default:"http://127.0.0.1:43110/auth/callback"`
	Scopes      []string            `yaml:"scopes"`
	Endpoints   Endpoints           `yaml:"endpoints"`

	// FrontendOrigin is the origin of the IDE front end, used as the popup
	// relay target and accepted on the callback message endpoint. Defaults
	// to the redirect URI's origin.
	FrontendOrigin string `yaml:"frontendOrigin"`
}

// Endpoints overrides individual endpoints from the discovery document.
type Endpoints struct {
	Authorization string `yaml:"authorization"`
	Token         string `yaml:"token"`
	Userinfo      string `yaml:"userinfo"`
	EndSession    string `yaml:"endSession"`
}

type Session struct {
	RefreshBuffer      time.Duration       `yaml:"refreshBuffer" default:"5m"`
	MinRefreshInterval time.Duration       `yaml:"minRefreshInterval" default:"30s"`
	MaxRefreshFailures int                 `yaml:"maxRefreshFailures" default:"3"`
	LoginStateTTL      time.Duration       `yaml:"loginStateTTL" default:"10m"`
	CSRFSecret         commoncfg.SourceRef `yaml:"csrfSecret"`
}

const (
	StoreBackendFile   = "file"
	StoreBackendValKey = "valkey"
)

type Store struct {
	Backend string `yaml:"backend" default:"file"`
	// Directory holds the file backend's records. Empty selects
	// $HOME/.sso-agent/store.
	Directory        string              `yaml:"directory"`
	EncryptionSecret commoncfg.SourceRef `yaml:"encryptionSecret"`
	ValKey           ValKey              `yaml:"valkey"`
}

type ValKey struct {
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	Prefix   string              `yaml:"prefix" default:"sso-agent"`
}
