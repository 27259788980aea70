// Package config loads the gateway configuration from a TOML file with
// environment variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultPGHost         = "127.0.0.1"
	DefaultPGPort         = 5432
	DefaultPGUser         = "postgres"
	DefaultPGDatabase     = "linkhub"
	DefaultPGSSLMode      = "disable"
	DefaultBridgeURL      = "ws://127.0.0.1:6001"
	DefaultCredentialRoot = "data/wa-credentials"
	DefaultJanitorPeriod  = time.Minute
	DefaultPendingTTL     = 5 * time.Minute
	DefaultAgentTimeout   = 2 * time.Minute
	DefaultMaxTurns       = 8
	DefaultDailyLimit     = 50
	DefaultJWTExpiresIn   = "24h"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Hub      HubConfig      `toml:"hub"`
	WhatsApp WhatsAppConfig `toml:"whatsapp"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// ExpiresIn parses the configured token lifetime.
func (a AuthConfig) ExpiresIn() (time.Duration, error) {
	raw := a.JWTExpiresIn
	if raw == "" {
		raw = DefaultJWTExpiresIn
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse jwt_expires_in: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("jwt_expires_in must be positive")
	}
	return d, nil
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// HubConfig tunes connection lifecycle and agent invocation behavior.
type HubConfig struct {
	JanitorPeriod     Duration `toml:"janitor_period"`
	PendingTTL        Duration `toml:"pending_ttl"`
	AgentTimeout      Duration `toml:"agent_timeout"`
	MaxTurns          int      `toml:"max_turns"`
	DefaultDailyLimit int      `toml:"default_daily_limit"`
}

type WhatsAppConfig struct {
	BridgeURL      string `toml:"bridge_url"`
	CredentialRoot string `toml:"credential_root"`
}

// Duration wraps time.Duration so TOML values like "5m" decode directly.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads the config file at path, falling back to defaults when the file
// is absent. Secrets may be supplied via LINKHUB_PG_PASSWORD, LINKHUB_JWT_SECRET,
// and LINKHUB_BRIDGE_URL.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		path = DefaultConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func defaults() Config {
	return Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: DefaultHTTPAddr},
		Auth:   AuthConfig{JWTExpiresIn: DefaultJWTExpiresIn},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Hub: HubConfig{
			JanitorPeriod:     Duration(DefaultJanitorPeriod),
			PendingTTL:        Duration(DefaultPendingTTL),
			AgentTimeout:      Duration(DefaultAgentTimeout),
			MaxTurns:          DefaultMaxTurns,
			DefaultDailyLimit: DefaultDailyLimit,
		},
		WhatsApp: WhatsAppConfig{
			BridgeURL:      DefaultBridgeURL,
			CredentialRoot: DefaultCredentialRoot,
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LINKHUB_PG_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("LINKHUB_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("LINKHUB_BRIDGE_URL"); v != "" {
		cfg.WhatsApp.BridgeURL = v
	}
}

func normalize(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultHTTPAddr
	}
	if cfg.Hub.JanitorPeriod.Std() <= 0 {
		cfg.Hub.JanitorPeriod = Duration(DefaultJanitorPeriod)
	}
	if cfg.Hub.PendingTTL.Std() <= 0 {
		cfg.Hub.PendingTTL = Duration(DefaultPendingTTL)
	}
	if cfg.Hub.AgentTimeout.Std() <= 0 {
		cfg.Hub.AgentTimeout = Duration(DefaultAgentTimeout)
	}
	if cfg.Hub.MaxTurns <= 0 {
		cfg.Hub.MaxTurns = DefaultMaxTurns
	}
	if cfg.Hub.DefaultDailyLimit <= 0 {
		cfg.Hub.DefaultDailyLimit = DefaultDailyLimit
	}
	if cfg.WhatsApp.BridgeURL == "" {
		cfg.WhatsApp.BridgeURL = DefaultBridgeURL
	}
	if cfg.WhatsApp.CredentialRoot == "" {
		cfg.WhatsApp.CredentialRoot = DefaultCredentialRoot
	}
}

// DSN renders the Postgres connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}
