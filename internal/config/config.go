package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable overrides.
const (
	EnvConfigPath    = "CONFIG_PATH"
	EnvDBConnection  = "DB_CONNECTION"
	EnvJWTSecret     = "JWT_SECRET"
	EnvAdminPassword = "ADMIN_PASSWORD"
)

// Default tunings applied when the config file omits a value.
const (
	defaultPort          = 8411
	defaultJWTExpiry     = Duration(24 * time.Hour)
	defaultFlushInterval = Duration(5 * time.Minute)
	defaultProbeTimeout  = Duration(15 * time.Second)
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"` // Listen port.
}

// AdminConfig holds operator authentication settings.
type AdminConfig struct {
	// Password is the operator login credential; a bcrypt hash ($2...) or,
	// for dev setups, a plain value.
	Password string `yaml:"password"`
	// JWTSecret signs operator session tokens.
	JWTSecret string `yaml:"jwt-secret"`
	// JWTExpiry bounds operator session lifetime.
	JWTExpiry Duration `yaml:"jwt-expiry"`
}

// StoreConfig selects and tunes the credential persistence backend.
type StoreConfig struct {
	// DSN selects the database backend when set (sqlite path or postgres URL).
	DSN string `yaml:"dsn"`
	// FlushInterval spaces out full-set persistence writes.
	FlushInterval Duration `yaml:"flush-interval"`
}

// VendorConfig tunes one vendor's key pool and checker.
type VendorConfig struct {
	// KeyFile holds one secret per line; used when the store has no DSN, and
	// watched for operator-forced rechecks either way.
	KeyFile string `yaml:"key-file"`
	// BaseURL overrides the vendor API endpoint, mainly for tests.
	BaseURL string `yaml:"base-url"`
	// CheckKeys enables the background checker.
	CheckKeys bool `yaml:"check-keys"`

	ReuseDelay       Duration `yaml:"reuse-delay"`
	RateLimitLockout Duration `yaml:"rate-limit-lockout"`

	RecheckPeriod       Duration `yaml:"recheck-period"`
	MinProbeInterval    Duration `yaml:"min-probe-interval"`
	StartupBatch        int      `yaml:"startup-batch"`
	StartupDelay        Duration `yaml:"startup-delay"`
	RateLimitRetryDelay Duration `yaml:"rate-limit-retry-delay"`
	ProbeTimeout        Duration `yaml:"probe-timeout"`
}

// Config is the resolved application configuration.
type Config struct {
	Server    ServerConfig `yaml:"server"`
	Admin     AdminConfig  `yaml:"admin"`
	Store     StoreConfig  `yaml:"store"`
	OpenAI    VendorConfig `yaml:"openai"`
	Anthropic VendorConfig `yaml:"anthropic"`
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// Load reads the YAML config file, applies env overrides and defaults.
func Load(configPath string) (Config, error) {
	var cfg Config

	data, errRead := os.ReadFile(configPath)
	if errRead != nil {
		return cfg, fmt.Errorf("read config file: %w", errRead)
	}
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return cfg, fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		cfg.Admin.JWTSecret = secret
	}
	if password := strings.TrimSpace(os.Getenv(EnvAdminPassword)); password != "" {
		cfg.Admin.Password = password
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if c.Server.Port <= 0 {
		c.Server.Port = defaultPort
	}
	if c.Admin.JWTExpiry <= 0 {
		c.Admin.JWTExpiry = defaultJWTExpiry
	}
	if c.Store.FlushInterval <= 0 {
		c.Store.FlushInterval = defaultFlushInterval
	}
	c.OpenAI.applyDefaults()
	c.Anthropic.applyDefaults()
}

func (v *VendorConfig) applyDefaults() {
	if v.ProbeTimeout <= 0 {
		v.ProbeTimeout = defaultProbeTimeout
	}
}

// HasKeys reports whether the vendor has any credential source configured.
func (v *VendorConfig) HasKeys(storeDSN string) bool {
	return strings.TrimSpace(v.KeyFile) != "" || strings.TrimSpace(storeDSN) != ""
}
