// Package config loads gateway configuration.
//
// Precedence, highest first:
//  1. Environment variables prefixed COLLAB_ (COLLAB_PRESENCE_TTL -> presence.ttl)
//  2. The YAML file passed to Load, if any
//  3. Built-in defaults (defaults.yaml)
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "COLLAB_"

//go:embed defaults.yaml
var defaults []byte

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Transport TransportConfig `koanf:"transport"`
	Auth      AuthConfig      `koanf:"auth"`
	Presence  PresenceConfig  `koanf:"presence"`
	WS        WSConfig        `koanf:"ws"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
	// PublishToken guards POST /events. Empty disables the endpoint.
	PublishToken    string        `koanf:"publish_token"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

const (
	DriverRedis = "redis"
	DriverNATS  = "nats"
)

type TransportConfig struct {
	Driver   string `koanf:"driver"`
	RedisURL string `koanf:"redis_url"`
	NATSURL  string `koanf:"nats_url"`
}

// AuthConfig selects how client tokens are verified: against the issuer's
// JWKS when IssuerURL is set, otherwise with the shared JWTSecret.
type AuthConfig struct {
	IssuerURL string `koanf:"issuer_url"`
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	TTL               time.Duration `koanf:"ttl"`
	SweepInterval     time.Duration `koanf:"sweep_interval"`
}

type WSConfig struct {
	SendBuffer     int      `koanf:"send_buffer"`
	CommandRate    float64  `koanf:"command_rate"`
	CommandBurst   int      `koanf:"command_burst"`
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Load reads defaults, then path (skipped when empty), then the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps COLLAB_SECTION_FIELD_NAME to section.field_name, splitting on
// the first underscore only.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}

	switch c.Transport.Driver {
	case DriverRedis:
		if c.Transport.RedisURL == "" {
			errs = append(errs, errors.New("transport.redis_url is required for the redis driver"))
		}
	case DriverNATS:
		if c.Transport.NATSURL == "" {
			errs = append(errs, errors.New("transport.nats_url is required for the nats driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.driver must be %q or %q, got %q", DriverRedis, DriverNATS, c.Transport.Driver))
	}

	if c.Auth.IssuerURL == "" && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("one of auth.issuer_url or auth.jwt_secret is required"))
	}

	p := c.Presence
	if p.HeartbeatInterval <= 0 || p.TTL <= 0 || p.SweepInterval <= 0 {
		errs = append(errs, errors.New("presence intervals must be positive"))
	} else if p.TTL <= p.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("presence.ttl (%s) must exceed presence.heartbeat_interval (%s)", p.TTL, p.HeartbeatInterval))
	}

	if c.WS.SendBuffer <= 0 {
		errs = append(errs, errors.New("ws.send_buffer must be positive"))
	}
	if c.WS.CommandRate < 0 || c.WS.CommandBurst < 0 {
		errs = append(errs, errors.New("ws command limits cannot be negative"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", f))
	}

	return errors.Join(errs...)
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger described by l.
func (l LogConfig) NewLogger() *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
