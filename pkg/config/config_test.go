package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/assetgate/pkg/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assetgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  admin_address: ":9100"
  data_address: ":8080"
auth:
  policy: require-domain
  admin_key: admin-secret
admission:
  window: 30s
  delay_after: 10
  limit: 20
  unit_delay: 50ms
  max_delay: 1s
storage:
  driver: postgres
  dsn: postgres://localhost/assetgate?sslmode=disable
  migrate: true
asset:
  upstream_url: https://cdn.example.net/plugin.min.js
logging:
  level: DEBUG
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.DataAddress)
	assert.Equal(t, domain.RequireDomain, cfg.Auth.AccessPolicy())
	assert.Equal(t, 30*time.Second, cfg.Admission.Window)
	assert.Equal(t, 20, cfg.Admission.Policy().Limit)
	assert.Equal(t, "postgres", cfg.Storage.StoreConfig().Driver)
	assert.True(t, cfg.Storage.StoreConfig().Migrate)
	assert.Equal(t, "/accessibility-plugin", cfg.Asset.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Admission.Backend)
}

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("PLUGIN_CLIENT_KEY", "client-key")
	t.Setenv("PORT", "4000")
	t.Setenv("ASSETGATE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "client-key", cfg.Auth.ClientKey)
	assert.Equal(t, ":4000", cfg.Server.DataAddress)
	assert.Equal(t, ":19090", cfg.Server.AdminAddress)
	assert.Equal(t, domain.RequireBoth, cfg.Auth.AccessPolicy())
	assert.Equal(t, 150, cfg.Admission.DelayAfter)
	assert.Equal(t, 300, cfg.Admission.Limit)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "domains.db", cfg.Storage.StoreConfig().Path)
}

func TestDatabasePathFromEnv(t *testing.T) {
	t.Setenv("ASSETGATE_DATABASE_PATH", "/var/lib/assetgate/domains.db")

	cfg, err := LoadStorage("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/assetgate/domains.db", cfg.Storage.Path)

	cfg = Default()
	cfg.Auth.ClientKey = "k"
	cfg.Auth.AdminKey = "admin"
	cfg.Storage.Driver = "memory"
	assert.NoError(t, cfg.Validate(), "a memory store is usable when the domain api is on")
}

func TestEnvPrecedence(t *testing.T) {
	t.Setenv("PLUGIN_CLIENT_KEY", "legacy")
	t.Setenv("ASSETGATE_CLIENT_KEY", "current")
	t.Setenv("PORT", "4000")
	t.Setenv("ASSETGATE_DATA_ADDR", "127.0.0.1:5000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "current", cfg.Auth.ClientKey)
	assert.Equal(t, "127.0.0.1:5000", cfg.Server.DataAddress)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"key policy without key", func(c *Config) { c.Auth.Policy = "require_key" }},
		{"unknown policy", func(c *Config) { c.Auth.Policy = "allow_all"; c.Auth.ClientKey = "k" }},
		{"admin key equals client key", func(c *Config) { c.Auth.ClientKey = "same"; c.Auth.AdminKey = "same" }},
		{"same listen address", func(c *Config) { c.Auth.ClientKey = "k"; c.Server.AdminAddress = c.Server.DataAddress }},
		{"delay_after above limit", func(c *Config) { c.Auth.ClientKey = "k"; c.Admission.DelayAfter = 500 }},
		{"negative trusted proxies", func(c *Config) { c.Auth.ClientKey = "k"; c.Admission.TrustedProxies = -1 }},
		{"unknown admission backend", func(c *Config) { c.Auth.ClientKey = "k"; c.Admission.Backend = "memcached" }},
		{"redis admission without addr", func(c *Config) { c.Auth.ClientKey = "k"; c.Admission.Backend = "redis" }},
		{"postgres without dsn", func(c *Config) { c.Auth.ClientKey = "k"; c.Storage.Driver = "postgres" }},
		{"memory store without domain api", func(c *Config) { c.Auth.ClientKey = "k"; c.Storage.Driver = "memory" }},
		{"unknown driver", func(c *Config) { c.Auth.ClientKey = "k"; c.Storage.Driver = "mongo" }},
		{"relative asset path", func(c *Config) { c.Auth.ClientKey = "k"; c.Asset.Path = "plugin" }},
		{"ftp upstream", func(c *Config) { c.Auth.ClientKey = "k"; c.Asset.UpstreamURL = "ftp://x/y" }},
		{"bad log level", func(c *Config) { c.Auth.ClientKey = "k"; c.Logging.Level = "verbose" }},
		{"zero store timeout", func(c *Config) { c.Auth.ClientKey = "k"; c.Resilience.StoreTimeout = 0 }},
		{"tls cert without key", func(c *Config) { c.Auth.ClientKey = "k"; c.Server.TLS.CertFile = "/etc/assetgate/tls.crt" }},
		{"admin client ca without cert", func(c *Config) { c.Auth.ClientKey = "k"; c.Server.AdminTLS.ClientCAFile = "/etc/assetgate/ca.crt" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
		})
	}
}

func TestProxyHops(t *testing.T) {
	assert.Equal(t, 0, AdmissionConfig{}.ProxyHops())
	assert.Equal(t, 1, AdmissionConfig{TrustForwardedFor: true}.ProxyHops())
	assert.Equal(t, 2, AdmissionConfig{TrustForwardedFor: true, TrustedProxies: 2}.ProxyHops())

	t.Setenv("ASSETGATE_TRUSTED_PROXIES", "2")
	cfg, err := LoadStorage("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Admission.ProxyHops())
}

func TestRedisAdmissionFallsBackToStorageAddr(t *testing.T) {
	cfg := Default()
	cfg.Auth.ClientKey = "k"
	cfg.Admission.Backend = "redis"
	cfg.Storage.Driver = "redis"
	cfg.Storage.Redis.Addr = "localhost:6379"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "localhost:6379", cfg.Admission.RedisAddr)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, "server: [unterminated")
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadStorageSkipsServingSections(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: redis
  redis:
    addr: localhost:6379
`)
	_, err := Load(path)
	require.ErrorIs(t, err, domain.ErrConfigInvalid, "serving needs a client key")

	cfg, err := LoadStorage(path)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Storage.Driver)

	_, err = LoadStorage(writeConfig(t, "storage:\n  driver: mongo\n"))
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}
