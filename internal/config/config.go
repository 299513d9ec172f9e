// Package config provides configuration for the migrator CLI and the schema server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/maloquacious/todomigrate/internal/logger"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "TODOMIGRATE_"

// Config holds the application configuration. The database file lives in
// DataDir under store.DefaultDBFile.
type Config struct {
	// DataDir is the directory holding the database file
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// MigrationsDir holds YAML/JSON migration files, in addition to the
	// compiled-in migrations
	MigrationsDir string `json:"migrations_dir" yaml:"migrations_dir"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `json:"log_level" yaml:"log_level"`

	// Color enables colored log levels and status output
	Color bool `json:"color" yaml:"color"`

	// VerifyInverses checks every down against its up before applying
	VerifyInverses bool `json:"verify_inverses" yaml:"verify_inverses"`

	// LockTimeout bounds how long a migrate command waits for the runner lock
	LockTimeout time.Duration `json:"lock_timeout" yaml:"lock_timeout"`

	// Serve configuration
	Serve ServeConfig `json:"serve" yaml:"serve"`
}

// ServeConfig holds the schema server configuration.
type ServeConfig struct {
	// Port is the public HTTP port
	Port int `json:"port" yaml:"port"`

	// AdminPort is the loopback-only admin port
	AdminPort int `json:"admin_port" yaml:"admin_port"`

	// PublicDir holds static frontend assets
	PublicDir string `json:"public_dir" yaml:"public_dir"`

	// ShutdownTimeout is the graceful shutdown timeout
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// duration decodes a JSON duration given as a string ("5s") or as
// nanoseconds.
type duration time.Duration

func (d *duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = duration(parsed)
	case float64:
		*d = duration(time.Duration(x))
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

// UnmarshalJSON accepts lock_timeout as a duration string.
func (c *Config) UnmarshalJSON(data []byte) error {
	type plain Config
	aux := struct {
		*plain
		LockTimeout *duration `json:"lock_timeout"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.LockTimeout != nil {
		c.LockTimeout = time.Duration(*aux.LockTimeout)
	}
	return nil
}

// UnmarshalJSON accepts shutdown_timeout as a duration string.
func (c *ServeConfig) UnmarshalJSON(data []byte) error {
	type plain ServeConfig
	aux := struct {
		*plain
		ShutdownTimeout *duration `json:"shutdown_timeout"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.ShutdownTimeout != nil {
		c.ShutdownTimeout = time.Duration(*aux.ShutdownTimeout)
	}
	return nil
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir:        ".",
		MigrationsDir:  "",
		LogLevel:       "info",
		VerifyInverses: true,
		LockTimeout:    30 * time.Second,
		Serve: ServeConfig{
			Port:            8080,
			AdminPort:       8383,
			PublicDir:       "public",
			ShutdownTimeout: 15 * time.Second,
		},
	}
}

// Resolve fills derived defaults.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.MigrationsDir == "" {
		c.MigrationsDir = filepath.Join(c.DataDir, "migrations")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("lock_timeout must not be negative, got %s", c.LockTimeout)
	}
	if c.Serve.Port <= 0 || c.Serve.Port > 65535 {
		return fmt.Errorf("serve.port must be between 1 and 65535, got %d", c.Serve.Port)
	}
	if c.Serve.AdminPort <= 0 || c.Serve.AdminPort > 65535 {
		return fmt.Errorf("serve.admin_port must be between 1 and 65535, got %d", c.Serve.AdminPort)
	}
	if c.Serve.Port == c.Serve.AdminPort {
		return fmt.Errorf("serve.port and serve.admin_port must differ")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromEnv overrides cfg from TODOMIGRATE_* environment variables.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvPrefix + "MIGRATIONS_DIR"); v != "" {
		cfg.MigrationsDir = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvPrefix + "COLOR"); v != "" {
		cfg.Color = v == "true" || v == "1"
	}
	if v := os.Getenv(EnvPrefix + "VERIFY_INVERSES"); v != "" {
		cfg.VerifyInverses = v == "true" || v == "1"
	}
	if v := os.Getenv(EnvPrefix + "LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LockTimeout = d
		}
	}

	// Serve configuration
	if v := os.Getenv(EnvPrefix + "PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Serve.Port)
	}
	if v := os.Getenv(EnvPrefix + "ADMIN_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Serve.AdminPort)
	}
	if v := os.Getenv(EnvPrefix + "PUBLIC_DIR"); v != "" {
		cfg.Serve.PublicDir = v
	}
	if v := os.Getenv(EnvPrefix + "SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Serve.ShutdownTimeout = d
		}
	}
}

// Load builds the effective configuration: defaults, then the optional
// config file, then .env and the environment, then overrides (command line
// flags). Resolve and Validate are applied last, so derived defaults follow
// the overridden values.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	LoadFromEnv(cfg)
	for _, override := range overrides {
		override(cfg)
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
