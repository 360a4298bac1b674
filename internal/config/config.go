// Package config assembles runtime configuration from an optional YAML
// file, AWS Secrets Manager and the process environment, in that order
// of increasing precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`
	// PublicURL is the externally reachable base URL; it doubles as the
	// OAuth issuer in discovery documents and signed tokens.
	PublicURL string `yaml:"public_url"`

	ZendeskSubdomain    string   `yaml:"zendesk_subdomain"`
	ZendeskClientID     string   `yaml:"zendesk_client_id"`
	ZendeskClientSecret string   `yaml:"zendesk_client_secret"`
	ZendeskRedirectURI  string   `yaml:"zendesk_redirect_uri"`
	ZendeskScopes       []string `yaml:"zendesk_scopes"`

	// SigningKeyPath points at a PEM-encoded RSA private key for signing
	// local access tokens. Empty means an ephemeral key is generated.
	SigningKeyPath string `yaml:"signing_key_path"`

	LocalTokenTTL time.Duration `yaml:"-"`
	PendingTTL    time.Duration `yaml:"-"`
	RefreshBuffer time.Duration `yaml:"-"`
	CacheTTL      time.Duration `yaml:"-"`

	// Duration syntax ("24h", "90s") in the YAML file; parsed into the
	// fields above.
	LocalTokenTTLRaw string `yaml:"local_token_ttl"`
	PendingTTLRaw    string `yaml:"pending_ttl"`
	RefreshBufferRaw string `yaml:"refresh_buffer"`
	CacheTTLRaw      string `yaml:"cache_ttl"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`
	AMQPURL     string `yaml:"amqp_url"`

	LogLevel string `yaml:"log_level"`
}

// Load builds the configuration. A YAML file named by CONFIG_FILE (or
// config.yaml when present) supplies defaults; environment variables win.
func Load(logger *slog.Logger) (*Config, error) {
	cfg := &Config{
		ListenAddr:    ":8080",
		PublicURL:     "http://localhost:8080",
		CacheTTL:      30 * time.Second,
		RefreshBuffer: time.Minute,
		LogLevel:      "info",
	}

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		if err := cfg.parseDurations(); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		if logger != nil {
			logger.Info("loaded config file", "path", path)
		}
	}

	applyEnv(cfg)

	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if cfg.ZendeskRedirectURI == "" {
		cfg.ZendeskRedirectURI = cfg.PublicURL + "/oauth/zendesk/callback"
	}
	return cfg, nil
}

func (c *Config) parseDurations() error {
	fields := []struct {
		raw string
		dst *time.Duration
	}{
		{c.LocalTokenTTLRaw, &c.LocalTokenTTL},
		{c.PendingTTLRaw, &c.PendingTTL},
		{c.RefreshBufferRaw, &c.RefreshBuffer},
		{c.CacheTTLRaw, &c.CacheTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return err
		}
		*f.dst = d
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "SERVER_ADDR")
	setString(&cfg.PublicURL, "PUBLIC_URL")
	setString(&cfg.ZendeskSubdomain, "ZENDESK_SUBDOMAIN")
	setString(&cfg.ZendeskClientID, "ZENDESK_CLIENT_ID")
	setString(&cfg.ZendeskClientSecret, "ZENDESK_CLIENT_SECRET")
	setString(&cfg.ZendeskRedirectURI, "ZENDESK_REDIRECT_URI")
	setString(&cfg.SigningKeyPath, "SIGNING_KEY_PATH")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	if v := os.Getenv("ZENDESK_SCOPES"); v != "" {
		cfg.ZendeskScopes = strings.Fields(v)
	}
	setDuration(&cfg.LocalTokenTTL, "LOCAL_TOKEN_TTL")
	setDuration(&cfg.PendingTTL, "PENDING_TTL")
	setDuration(&cfg.RefreshBuffer, "REFRESH_BUFFER")
	setDuration(&cfg.CacheTTL, "CACHE_TTL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// SlogLevel maps the configured level name to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
