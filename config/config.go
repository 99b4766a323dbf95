package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML files can use human readable strings.
type Duration struct {
	time.Duration
}

// UnmarshalText parses duration strings such as "30s" or "48h".
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for crossvaultd.
type Config struct {
	ListenAddress string        `toml:"ListenAddress"`
	Environment   string        `toml:"Environment"`
	DatabaseURL   string        `toml:"DatabaseURL"`
	NetworksFile  string        `toml:"NetworksFile"`
	Log           LogConfig     `toml:"Log"`
	Bridge        BridgeConfig  `toml:"Bridge"`
	Ledger        LedgerConfig  `toml:"Ledger"`
	Sweep         SweepConfig   `toml:"Sweep"`
	Windows       WindowsConfig `toml:"Windows"`
	Auth          AuthConfig    `toml:"Auth"`
	Telemetry     Telemetry     `toml:"Telemetry"`
}

// LogConfig tunes structured log output and rotation.
type LogConfig struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// BridgeConfig points at the bridge provider API.
type BridgeConfig struct {
	URL       string   `toml:"URL"`
	APIKeyEnv string   `toml:"APIKeyEnv"`
	Timeout   Duration `toml:"Timeout"`
	PollRate  float64  `toml:"PollRate"`
	PollBurst int      `toml:"PollBurst"`
}

// LedgerConfig maps network names to node or indexer endpoints.
type LedgerConfig struct {
	Endpoints map[string]string `toml:"Endpoints"`
}

// SweepConfig tunes the deadline sweeper.
type SweepConfig struct {
	Interval  Duration `toml:"Interval"`
	Workers   int      `toml:"Workers"`
	BatchSize int      `toml:"BatchSize"`
}

// WindowsConfig sets the default approval and dispute windows.
type WindowsConfig struct {
	FinalApproval Duration `toml:"FinalApproval"`
	Dispute       Duration `toml:"Dispute"`
}

// AuthConfig controls bearer-token verification for operator endpoints.
type AuthConfig struct {
	JWTSecretEnv string `toml:"JWTSecretEnv"`
	Issuer       string `toml:"Issuer"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint       string   `toml:"Endpoint"`
	Insecure       bool     `toml:"Insecure"`
	Headers        string   `toml:"Headers"`
	Metrics        bool     `toml:"Metrics"`
	Traces         bool     `toml:"Traces"`
	BatchTimeout   Duration `toml:"BatchTimeout"`
	ExportInterval Duration `toml:"ExportInterval"`
}

// Load reads configuration from path, applies defaults and environment
// overrides, and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8443"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "crossvault.sqlite"
	}
	if cfg.NetworksFile == "" {
		cfg.NetworksFile = "networks.yaml"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Bridge.Timeout.Duration == 0 {
		cfg.Bridge.Timeout.Duration = 10 * time.Second
	}
	if cfg.Bridge.PollRate <= 0 {
		cfg.Bridge.PollRate = 2
	}
	if cfg.Bridge.PollBurst <= 0 {
		cfg.Bridge.PollBurst = 4
	}
	if cfg.Bridge.APIKeyEnv == "" {
		cfg.Bridge.APIKeyEnv = "CROSSVAULT_BRIDGE_API_KEY"
	}
	if cfg.Sweep.Interval.Duration == 0 {
		cfg.Sweep.Interval.Duration = 15 * time.Second
	}
	if cfg.Sweep.Workers <= 0 {
		cfg.Sweep.Workers = 4
	}
	if cfg.Sweep.BatchSize <= 0 {
		cfg.Sweep.BatchSize = 100
	}
	if cfg.Windows.FinalApproval.Duration == 0 {
		cfg.Windows.FinalApproval.Duration = 48 * time.Hour
	}
	if cfg.Windows.Dispute.Duration == 0 {
		cfg.Windows.Dispute.Duration = 7 * 24 * time.Hour
	}
	if cfg.Auth.JWTSecretEnv == "" {
		cfg.Auth.JWTSecretEnv = "CROSSVAULT_JWT_SECRET"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "crossvault"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4318"
	}
	if cfg.Telemetry.BatchTimeout.Duration <= 0 {
		cfg.Telemetry.BatchTimeout.Duration = 2 * time.Second
	}
	if cfg.Telemetry.ExportInterval.Duration <= 0 {
		cfg.Telemetry.ExportInterval.Duration = 15 * time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CROSSVAULT_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("CROSSVAULT_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("CROSSVAULT_DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CROSSVAULT_NETWORKS_FILE")); v != "" {
		cfg.NetworksFile = v
	}
	if v := strings.TrimSpace(os.Getenv("CROSSVAULT_BRIDGE_URL")); v != "" {
		cfg.Bridge.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("CROSSVAULT_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.Endpoint = v
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.Log.Level)
	}
	if cfg.Bridge.URL != "" && !strings.HasPrefix(cfg.Bridge.URL, "http") {
		return fmt.Errorf("bridge URL %q must be http(s)", cfg.Bridge.URL)
	}
	if cfg.Sweep.Interval.Duration < time.Second {
		return fmt.Errorf("sweep interval %s too aggressive", cfg.Sweep.Interval.Duration)
	}
	return nil
}

// BridgeAPIKey resolves the bridge API key from the configured environment
// variable. Empty when unset.
func (c *Config) BridgeAPIKey() string {
	return strings.TrimSpace(os.Getenv(c.Bridge.APIKeyEnv))
}

// JWTSecret resolves the operator token secret from the environment.
func (c *Config) JWTSecret() []byte {
	v := strings.TrimSpace(os.Getenv(c.Auth.JWTSecretEnv))
	if v == "" {
		return nil
	}
	return []byte(v)
}
