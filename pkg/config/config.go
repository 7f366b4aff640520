// Package config provides configuration structures and loading logic for the gateway.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/assetgate/internal/governance"
	gatetls "github.com/polisai/assetgate/internal/tls"
	"github.com/polisai/assetgate/pkg/domain"
	"github.com/polisai/assetgate/pkg/storage"
)

// Config holds the global configuration for the gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Storage    StorageConfig    `yaml:"storage"`
	Asset      AssetConfig      `yaml:"asset"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	AdminAddress    string        `yaml:"admin_address"`
	DataAddress     string        `yaml:"data_address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// CORSOrigins lists origins allowed by CORS; "*" allows any.
	CORSOrigins []string `yaml:"cors_origins"`
	// TLS serves the data listener over HTTPS when a certificate is set.
	TLS TLSConfig `yaml:"tls"`
	// AdminTLS does the same for the admin listener; client_ca_file turns on mutual TLS.
	AdminTLS TLSConfig `yaml:"admin_tls"`
}

// TLSConfig holds the certificate settings of one listener.
type TLSConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
	MinVersion   string `yaml:"min_version"`
}

// AuthConfig holds the shared secrets and the access policy.
type AuthConfig struct {
	// Policy is require_key, require_domain or require_both.
	Policy    string `yaml:"policy"`
	ClientKey string `yaml:"client_key"`
	// AdminKey enables the domain management API on the admin server.
	AdminKey string `yaml:"admin_key"`
	// RevealKeyOnDenial makes /v1/validate-domain return the client key on denials too.
	RevealKeyOnDenial bool `yaml:"reveal_key_on_denial"`
}

// AdmissionConfig holds per-source request budget settings.
type AdmissionConfig struct {
	// Backend is memory or redis.
	Backend    string        `yaml:"backend"`
	Window     time.Duration `yaml:"window"`
	DelayAfter int           `yaml:"delay_after"`
	Limit      int           `yaml:"limit"`
	UnitDelay  time.Duration `yaml:"unit_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	// TrustedProxies is the number of reverse proxies that append to
	// X-Forwarded-For in front of the gateway.
	TrustedProxies int `yaml:"trusted_proxies"`
	// TrustForwardedFor is shorthand for one trusted proxy.
	TrustForwardedFor bool `yaml:"trust_forwarded_for"`
	// RedisAddr defaults to storage.redis.addr.
	RedisAddr string `yaml:"redis_addr"`
}

// ResilienceConfig bounds domain store lookups on the decision path.
type ResilienceConfig struct {
	StoreTimeout       time.Duration `yaml:"store_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	InitialBackoff     time.Duration `yaml:"initial_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	BreakerMaxFailures int           `yaml:"breaker_max_failures"`
	BreakerCooldown    time.Duration `yaml:"breaker_cooldown"`
}

// StorageConfig selects the domain store backend.
type StorageConfig struct {
	Driver  string      `yaml:"driver"`
	Path    string      `yaml:"path"` // sqlite database file
	DSN     string      `yaml:"dsn"`
	Migrate bool        `yaml:"migrate"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// AssetConfig describes the protected asset and where it is fetched from.
type AssetConfig struct {
	Path        string `yaml:"path"`
	UpstreamURL string `yaml:"upstream_url"`
	// FetchRate caps upstream fetches per second; 0 disables pacing.
	FetchRate float64       `yaml:"fetch_rate"`
	Burst     int           `yaml:"burst"`
	Timeout   time.Duration `yaml:"timeout"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	admission := governance.DefaultAdmissionPolicy()
	retry := governance.DefaultRetryConfig()
	breaker := governance.DefaultCircuitBreakerConfig()
	timeouts := governance.DefaultTimeoutConfig()

	return &Config{
		Server: ServerConfig{
			AdminAddress:    ":19090",
			DataAddress:     ":3000",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Auth: AuthConfig{
			Policy: string(domain.RequireBoth),
		},
		Admission: AdmissionConfig{
			Backend:    "memory",
			Window:     admission.Window,
			DelayAfter: admission.DelayAfter,
			Limit:      admission.Limit,
			UnitDelay:  admission.UnitDelay,
			MaxDelay:   admission.MaxDelay,
		},
		Resilience: ResilienceConfig{
			StoreTimeout:       timeouts.StoreTimeout,
			MaxRetries:         retry.MaxRetries,
			InitialBackoff:     retry.InitialBackoff,
			MaxBackoff:         retry.MaxBackoff,
			BreakerMaxFailures: breaker.MaxFailures,
			BreakerCooldown:    breaker.Timeout,
		},
		Storage: StorageConfig{
			Driver: storage.DriverSQLite,
			Path:   storage.DefaultSQLitePath,
			Redis: RedisConfig{
				Key: storage.DefaultRedisKey,
			},
		},
		Asset: AssetConfig{
			Path:      "/accessibility-plugin",
			FetchRate: 50,
			Burst:     100,
			Timeout:   timeouts.UpstreamTimeout,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "assetgate",
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadStorage is Load for offline tooling that only touches the allowlist
// store, so the serving sections are not validated.
func LoadStorage(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Storage.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: storage configuration: %w", err)
	}
	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: logging configuration: %w", err)
	}
	return cfg, nil
}

func read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("ASSETGATE_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	// PORT is honoured for platforms that inject it.
	if val := os.Getenv("PORT"); val != "" {
		cfg.Server.DataAddress = ":" + val
	}
	if val := os.Getenv("ASSETGATE_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}
	if val := os.Getenv("ASSETGATE_TLS_CERT_FILE"); val != "" {
		cfg.Server.TLS.CertFile = val
	}
	if val := os.Getenv("ASSETGATE_TLS_KEY_FILE"); val != "" {
		cfg.Server.TLS.KeyFile = val
	}

	if val := os.Getenv("PLUGIN_CLIENT_KEY"); val != "" {
		cfg.Auth.ClientKey = val
	}
	if val := os.Getenv("ASSETGATE_CLIENT_KEY"); val != "" {
		cfg.Auth.ClientKey = val
	}
	if val := os.Getenv("ASSETGATE_ADMIN_KEY"); val != "" {
		cfg.Auth.AdminKey = val
	}
	if val := os.Getenv("ASSETGATE_ACCESS_POLICY"); val != "" {
		cfg.Auth.Policy = val
	}

	if val := os.Getenv("ASSETGATE_ADMISSION_BACKEND"); val != "" {
		cfg.Admission.Backend = val
	}
	if val := os.Getenv("ASSETGATE_TRUST_FORWARDED_FOR"); val == "true" {
		cfg.Admission.TrustForwardedFor = true
	}
	if val := os.Getenv("ASSETGATE_TRUSTED_PROXIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: ASSETGATE_TRUSTED_PROXIES: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Admission.TrustedProxies = n
	}

	if val := os.Getenv("ASSETGATE_STORAGE_DRIVER"); val != "" {
		cfg.Storage.Driver = val
	}
	if val := os.Getenv("ASSETGATE_DATABASE_PATH"); val != "" {
		cfg.Storage.Path = val
	}
	if val := os.Getenv("ASSETGATE_DATABASE_URL"); val != "" {
		cfg.Storage.DSN = val
	}
	if val := os.Getenv("ASSETGATE_REDIS_ADDR"); val != "" {
		cfg.Storage.Redis.Addr = val
	}
	if val := os.Getenv("ASSETGATE_REDIS_PASSWORD"); val != "" {
		cfg.Storage.Redis.Password = val
	}
	if val := os.Getenv("ASSETGATE_REDIS_DB"); val != "" {
		db, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: ASSETGATE_REDIS_DB: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Storage.Redis.DB = db
	}

	if val := os.Getenv("ASSETGATE_ASSET_UPSTREAM_URL"); val != "" {
		cfg.Asset.UpstreamURL = val
	}

	if val := os.Getenv("ASSETGATE_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("ASSETGATE_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("ASSETGATE_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	return nil
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth configuration: %w", err)
	}
	if err := c.Admission.Validate(); err != nil {
		return fmt.Errorf("admission configuration: %w", err)
	}
	if err := c.Resilience.Validate(); err != nil {
		return fmt.Errorf("resilience configuration: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	if err := c.Asset.Validate(); err != nil {
		return fmt.Errorf("asset configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if c.Admission.Backend == "redis" && c.Admission.RedisAddr == "" {
		c.Admission.RedisAddr = c.Storage.Redis.Addr
		if c.Admission.RedisAddr == "" {
			return fmt.Errorf("%w: admission backend redis needs admission.redis_addr or storage.redis.addr", domain.ErrConfigInvalid)
		}
	}
	// A memory allowlist can only be filled through the domain API.
	if c.Storage.Driver == storage.DriverMemory && c.Auth.AdminKey == "" {
		return fmt.Errorf("%w: storage driver memory needs auth.admin_key", domain.ErrConfigInvalid)
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = ":3000"
	}
	if c.AdminAddress == c.DataAddress {
		return fmt.Errorf("%w: admin_address and data_address are both %q", domain.ErrConfigInvalid, c.DataAddress)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if err := c.TLS.Listener().Validate(); err != nil {
		return fmt.Errorf("%w: tls: %v", domain.ErrConfigInvalid, err)
	}
	if err := c.AdminTLS.Listener().Validate(); err != nil {
		return fmt.Errorf("%w: admin_tls: %v", domain.ErrConfigInvalid, err)
	}
	return nil
}

// Listener converts the section for the tls package.
func (c TLSConfig) Listener() gatetls.Config {
	return gatetls.Config{
		CertFile:     c.CertFile,
		KeyFile:      c.KeyFile,
		ClientCAFile: c.ClientCAFile,
		MinVersion:   c.MinVersion,
	}
}

// Validate checks that the policy is known and has the secrets it needs.
func (c *AuthConfig) Validate() error {
	policy, err := domain.ParseAccessPolicy(c.Policy)
	if err != nil {
		return err
	}
	c.Policy = string(policy)
	if policy.KeyRequired() && c.ClientKey == "" {
		return fmt.Errorf("%w: policy %s requires a client key (PLUGIN_CLIENT_KEY)", domain.ErrConfigInvalid, policy)
	}
	if c.AdminKey != "" && c.AdminKey == c.ClientKey {
		return fmt.Errorf("%w: admin key must differ from the client key", domain.ErrConfigInvalid)
	}
	return nil
}

// AccessPolicy returns the parsed policy. Call after Validate.
func (c AuthConfig) AccessPolicy() domain.AccessPolicy {
	p, _ := domain.ParseAccessPolicy(c.Policy)
	return p
}

// Validate performs validation of admission configuration
func (c *AdmissionConfig) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case "":
		c.Backend = "memory"
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: unknown admission backend %q", domain.ErrConfigInvalid, c.Backend)
	}
	if c.TrustedProxies < 0 {
		return fmt.Errorf("%w: admission trusted_proxies must not be negative", domain.ErrConfigInvalid)
	}
	return c.Policy().Validate()
}

// ProxyHops returns how many X-Forwarded-For entries, counted from the right,
// were appended by trusted proxies.
func (c AdmissionConfig) ProxyHops() int {
	if c.TrustedProxies == 0 && c.TrustForwardedFor {
		return 1
	}
	return c.TrustedProxies
}

// Policy converts the settings to an admission policy.
func (c AdmissionConfig) Policy() governance.AdmissionPolicy {
	return governance.AdmissionPolicy{
		Window:     c.Window,
		DelayAfter: c.DelayAfter,
		Limit:      c.Limit,
		UnitDelay:  c.UnitDelay,
		MaxDelay:   c.MaxDelay,
	}
}

// Validate performs validation of resilience configuration
func (c *ResilienceConfig) Validate() error {
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("%w: store_timeout must be positive", domain.ErrConfigInvalid)
	}
	if c.MaxRetries < 0 || c.BreakerMaxFailures < 0 {
		return fmt.Errorf("%w: max_retries and breaker_max_failures must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

// RetryConfig converts the settings to a store read retry configuration.
func (c ResilienceConfig) RetryConfig() governance.RetryConfig {
	return governance.RetryConfig{
		MaxRetries:        c.MaxRetries,
		InitialBackoff:    c.InitialBackoff,
		MaxBackoff:        c.MaxBackoff,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// CircuitBreakerConfig converts the settings to a store circuit breaker configuration.
func (c ResilienceConfig) CircuitBreakerConfig() governance.CircuitBreakerConfig {
	return governance.CircuitBreakerConfig{
		MaxFailures:         c.BreakerMaxFailures,
		Timeout:             c.BreakerCooldown,
		MaxHalfOpenRequests: 1,
	}
}

// Validate performs validation of storage configuration
func (c *StorageConfig) Validate() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case "", storage.DriverSQLite:
		c.Driver = storage.DriverSQLite
		if c.Path == "" {
			c.Path = storage.DefaultSQLitePath
		}
	case storage.DriverMemory:
	case storage.DriverPostgres:
		if c.DSN == "" {
			return fmt.Errorf("%w: postgres driver requires storage.dsn", domain.ErrConfigInvalid)
		}
	case storage.DriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: redis driver requires storage.redis.addr", domain.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", domain.ErrConfigInvalid, c.Driver)
	}
	return nil
}

// StoreConfig converts the settings to the storage package configuration.
func (c StorageConfig) StoreConfig() storage.Config {
	return storage.Config{
		Driver:        c.Driver,
		Path:          c.Path,
		DSN:           c.DSN,
		Migrate:       c.Migrate,
		RedisAddr:     c.Redis.Addr,
		RedisPassword: c.Redis.Password,
		RedisDB:       c.Redis.DB,
		RedisKey:      c.Redis.Key,
	}
}

// Validate performs validation of asset configuration
func (c *AssetConfig) Validate() error {
	if c.Path == "" {
		c.Path = "/accessibility-plugin"
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%w: asset path %q must start with /", domain.ErrConfigInvalid, c.Path)
	}
	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil {
			return fmt.Errorf("%w: asset upstream_url: %v", domain.ErrConfigInvalid, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: asset upstream_url must be http(s), got %q", domain.ErrConfigInvalid, c.UpstreamURL)
		}
	}
	if c.FetchRate < 0 || c.Burst < 0 {
		return fmt.Errorf("%w: asset fetch_rate and burst must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return errors.Join(domain.ErrConfigInvalid, fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level))
	}
}
