// Package config loads the controller service configuration.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	tbccrypto "tbc/crypto"
	"tbc/storage/vault"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for the controller.
type Config struct {
	ListenAddress string            `yaml:"listen"`
	Environment   string            `yaml:"env"`
	PolicyFile    string            `yaml:"policy_file"`
	Vault         VaultConfig       `yaml:"vault"`
	Bridge        BridgeConfig      `yaml:"bridge"`
	Watcher       WatcherConfig     `yaml:"watcher"`
	Auth          AuthConfig        `yaml:"auth"`
	RateLimits    map[string]Limit  `yaml:"rate_limits"`
	CORSOrigins   []string          `yaml:"cors_origins"`
	Telemetry     TelemetryConfig   `yaml:"telemetry"`
	Log           LogConfig         `yaml:"log"`
	Ownership     OwnershipConfig   `yaml:"ownership"`
	Balances      map[string]string `yaml:"balances"`
}

// VaultConfig selects the settlement ledger backend.
type VaultConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// BridgeConfig selects how the controller reaches custody. Mode "local" runs
// the escrow engine in-process; "rpc" drives a remote controller's /rpc.
type BridgeConfig struct {
	Mode      string   `yaml:"mode"`
	URL       string   `yaml:"url"`
	AuthToken string   `yaml:"auth_token"`
	Timeout   Duration `yaml:"timeout"`
	// ServeRPC exposes the local bridge on /rpc.
	ServeRPC      bool     `yaml:"serve_rpc"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

type WatcherConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
}

type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	HMACSecret string   `yaml:"hmac_secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew"`
}

// Limit is a per-route token bucket.
type Limit struct {
	RatePerSecond float64 `yaml:"rps"`
	Burst         int     `yaml:"burst"`
}

type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Traces   bool              `yaml:"traces"`
	Metrics  bool              `yaml:"metrics"`
	Headers  map[string]string `yaml:"headers"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	LogRequests bool   `yaml:"log_requests"`
}

// OwnershipConfig maps ledger account identifiers to the secp256k1 addresses
// that prove ownership of their receipts.
type OwnershipConfig struct {
	Enabled bool              `yaml:"enabled"`
	Owners  map[string]string `yaml:"owners"`
}

// Bridge modes.
const (
	BridgeLocal = "local"
	BridgeRPC   = "rpc"
)

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	applyEnv(&cfg, os.Getenv)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	applyEnv(&cfg, os.Getenv)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8402"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Vault.Backend == "" {
		cfg.Vault.Backend = vault.BackendMemory
	}
	cfg.Vault.Backend = strings.ToLower(cfg.Vault.Backend)
	if cfg.Bridge.Mode == "" {
		cfg.Bridge.Mode = BridgeLocal
	}
	cfg.Bridge.Mode = strings.ToLower(cfg.Bridge.Mode)
	if cfg.Bridge.Timeout.Duration == 0 {
		cfg.Bridge.Timeout.Duration = 10 * time.Second
	}
	if cfg.Bridge.SweepInterval.Duration == 0 {
		cfg.Bridge.SweepInterval.Duration = 30 * time.Second
	}
	if cfg.Watcher.Interval.Duration == 0 {
		cfg.Watcher.Interval.Duration = 5 * time.Second
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// applyEnv lets the standard OTEL variables override the telemetry block.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.Endpoint = strings.TrimPrefix(strings.TrimPrefix(v, "https://"), "http://")
		cfg.Telemetry.Insecure = strings.HasPrefix(v, "http://")
	}
	if v := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_HEADERS")); v != "" {
		if cfg.Telemetry.Headers == nil {
			cfg.Telemetry.Headers = map[string]string{}
		}
		for _, pair := range strings.Split(v, ",") {
			key, value, ok := strings.Cut(pair, "=")
			if key = strings.TrimSpace(key); ok && key != "" {
				cfg.Telemetry.Headers[key] = strings.TrimSpace(value)
			}
		}
	}
}

func validate(cfg Config) error {
	switch cfg.Vault.Backend {
	case vault.BackendMemory:
	case vault.BackendLevelDB, vault.BackendSQLite, vault.BackendBolt:
		if strings.TrimSpace(cfg.Vault.Path) == "" {
			return fmt.Errorf("vault.path required for %s backend", cfg.Vault.Backend)
		}
	default:
		return fmt.Errorf("unknown vault backend %q", cfg.Vault.Backend)
	}
	switch cfg.Bridge.Mode {
	case BridgeLocal:
	case BridgeRPC:
		if strings.TrimSpace(cfg.Bridge.URL) == "" {
			return errors.New("bridge.url required for rpc mode")
		}
		if cfg.Bridge.ServeRPC {
			return errors.New("bridge.serve_rpc only applies to local mode")
		}
		if len(cfg.Balances) > 0 {
			return errors.New("balances only apply to local mode")
		}
	default:
		return fmt.Errorf("unknown bridge mode %q", cfg.Bridge.Mode)
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return errors.New("auth.hmac_secret required when auth is enabled")
	}
	for route, limit := range cfg.RateLimits {
		if limit.RatePerSecond <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rate limit %q needs positive rps and burst", route)
		}
	}
	for account, amount := range cfg.Balances {
		v, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
		if !ok || v.Sign() < 0 {
			return fmt.Errorf("balance for %q must be a non-negative integer", account)
		}
	}
	for account, addr := range cfg.Ownership.Owners {
		if _, err := tbccrypto.ParseAddress(addr); err != nil {
			return fmt.Errorf("ownership owner for %q is not an address: %w", account, err)
		}
	}
	return nil
}
