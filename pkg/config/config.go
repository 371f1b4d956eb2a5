// Package config handles configuration loading and management for the
// provisioning daemon: an optional YAML file, overridden by the
// PROVISION_* environment variables from spec.md §6.4, and validated
// with struct tags via go-playground/validator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default config file locations, checked in order when no explicit
// path is given.
var configPaths = []string{
	"./provisiond.yaml",
	"./provisiond.yml",
	"~/.config/provisiond/config.yaml",
	"/etc/provisiond/config.yaml",
}

// Config is the process-wide, non-secret configuration of the daemon.
type Config struct {
	ConfigDir string `yaml:"config_dir" json:"config_dir" validate:"required"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`

	GPIO GPIOConfig `yaml:"gpio" json:"gpio"`

	Ownership OwnershipConfig `yaml:"ownership" json:"ownership"`

	BLE BLEConfig `yaml:"ble" json:"ble"`

	Network NetworkConfig `yaml:"network" json:"network"`

	Health HealthConfig `yaml:"health" json:"health"`

	// AllowAuthenticatedReset gates whether an authenticated BLE peer
	// may issue C_CONTROL's OpFactoryReset opcode, as decided in
	// SPEC_FULL.md's Open Questions section.
	AllowAuthenticatedReset bool `yaml:"allow_authenticated_reset" json:"allow_authenticated_reset"`
}

// LoggingConfig mirrors pkg/logger.Config, duplicated here so YAML/env
// can populate it without importing pkg/logger from pkg/config.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=text json"`
	Output string `yaml:"output" json:"output" validate:"omitempty,oneof=stdout file"`
	File   string `yaml:"file" json:"file"`
}

// GPIOConfig configures the reset-button monitor (C8).
type GPIOConfig struct {
	Pin           int           `yaml:"pin" json:"pin" validate:"min=0"`
	HoldThreshold time.Duration `yaml:"hold_threshold" json:"hold_threshold"`
	Debounce      time.Duration `yaml:"debounce" json:"debounce"`
}

// OwnershipConfig configures owner setup and lockout (C3).
type OwnershipConfig struct {
	Required          bool          `yaml:"required" json:"required"`
	SetupTimeout      time.Duration `yaml:"setup_timeout" json:"setup_timeout"`
	MaxFailedAttempts int           `yaml:"max_failed_attempts" json:"max_failed_attempts" validate:"min=1"`
	LockoutDuration   time.Duration `yaml:"lockout_duration" json:"lockout_duration"`
}

// BLEConfig configures the GATT server (C6).
type BLEConfig struct {
	PairingSecretPath string        `yaml:"pairing_secret_path" json:"pairing_secret_path" validate:"required"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ReconnectWindow   time.Duration `yaml:"reconnect_window" json:"reconnect_window"`
	RateLimitCount    int           `yaml:"rate_limit_count" json:"rate_limit_count" validate:"min=1"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window" json:"rate_limit_window"`
}

// NetworkConfig configures Wi-Fi scan/connect behaviour (C7).
type NetworkConfig struct {
	ScanCacheTTL    time.Duration `yaml:"scan_cache_ttl" json:"scan_cache_ttl"`
	BaseTimeout     time.Duration `yaml:"base_timeout" json:"base_timeout"`
	MaxTimeout      time.Duration `yaml:"max_timeout" json:"max_timeout"`
	MaxRetries      int           `yaml:"max_retries" json:"max_retries" validate:"min=0"`
	BackoffBase     time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffCap      time.Duration `yaml:"backoff_cap" json:"backoff_cap"`
	ProbeEndpoint   string        `yaml:"probe_endpoint" json:"probe_endpoint"`
	FreshnessWindow time.Duration `yaml:"freshness_window" json:"freshness_window"`
}

// HealthConfig configures the watchdog cadence (C12).
type HealthConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// Load loads configuration from an explicit path, a default search
// path, or built-in defaults, then applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		for _, p := range configPaths {
			if p[0] == '~' {
				home, err := os.UserHomeDir()
				if err == nil {
					p = filepath.Join(home, p[2:])
				}
			}
			if _, err := os.Stat(p); err == nil {
				if err := loadFile(p, cfg); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate validates the configuration's struct tags.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save saves configuration to file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultConfig returns the built-in defaults from spec.md's §4 and §6.4.
func DefaultConfig() *Config {
	return &Config{
		ConfigDir: "/var/lib/provisiond",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		GPIO: GPIOConfig{
			Pin:           18,
			HoldThreshold: 5 * time.Second,
			Debounce:      50 * time.Millisecond,
		},
		Ownership: OwnershipConfig{
			Required:          true,
			SetupTimeout:      600 * time.Second,
			MaxFailedAttempts: 3,
			LockoutDuration:   time.Hour,
		},
		BLE: BLEConfig{
			PairingSecretPath: "/etc/provisiond/pairing.key",
			IdleTimeout:       5 * time.Minute,
			ReconnectWindow:   10 * time.Second,
			RateLimitCount:    10,
			RateLimitWindow:   60 * time.Second,
		},
		Network: NetworkConfig{
			ScanCacheTTL:    30 * time.Second,
			BaseTimeout:     30 * time.Second,
			MaxTimeout:      120 * time.Second,
			MaxRetries:      3,
			BackoffBase:     2 * time.Second,
			BackoffCap:      30 * time.Second,
			FreshnessWindow: 30 * time.Second,
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
		},
		AllowAuthenticatedReset: true,
	}
}

// applyEnvOverrides applies the PROVISION_* environment variables from
// spec.md §6.4 on top of whatever was loaded from file/defaults.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROVISION_CONFIG_DIR"); v != "" {
		cfg.ConfigDir = v
	}
	if v := os.Getenv("PROVISION_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PROVISION_RESET_GPIO_PIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GPIO.Pin = n
		}
	}
	if v := os.Getenv("PROVISION_RESET_HOLD_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GPIO.HoldThreshold = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("PROVISION_SETUP_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ownership.SetupTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("PROVISION_LOCKOUT_DURATION_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ownership.LockoutDuration = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("PROVISION_MAX_FAILED_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ownership.MaxFailedAttempts = n
		}
	}
	if v := os.Getenv("PROVISION_PAIRING_SECRET_PATH"); v != "" {
		cfg.BLE.PairingSecretPath = v
	}
}
