package business

import (
	"testing"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftide/sso-agent/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Provider: config.Provider{
			IssuerURL:   "https://login.example.com",
			ClientID:    commoncfg.SourceRef{Source: "embedded", Value: "client-1"},
			RedirectURI: "http://127.0.0.1:43110/auth/callback",
		},
		Session: config.Session{
			CSRFSecret: commoncfg.SourceRef{Source: "embedded", Value: "12345678901234567890123456789012"},
		},
		Store: config.Store{
			Backend:          config.StoreBackendFile,
			Directory:        t.TempDir(),
			EncryptionSecret: commoncfg.SourceRef{Source: "embedded", Value: "store-secret"},
		},
	}
}

func TestInitSessionManager(t *testing.T) {
	t.Run("file backend", func(t *testing.T) {
		manager, provider, closeFn, err := initSessionManager(t.Context(), testConfig(t), nil)
		require.NoError(t, err)
		defer closeFn()

		assert.NotNil(t, manager)
		assert.Equal(t, "client-1", provider.ClientID())
		assert.False(t, manager.Authenticated())
	})

	t.Run("missing issuer", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Provider.IssuerURL = ""

		_, _, _, err := initSessionManager(t.Context(), cfg, nil)
		assert.Error(t, err)
	})

	t.Run("short CSRF secret", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Session.CSRFSecret = commoncfg.SourceRef{Source: "embedded", Value: "too-short"}

		_, _, _, err := initSessionManager(t.Context(), cfg, nil)
		assert.Error(t, err)
	})

	t.Run("unknown store backend", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Store.Backend = "memcached"

		_, _, _, err := initSessionManager(t.Context(), cfg, nil)
		assert.Error(t, err)
	})
}
