package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.MigrationsDir != filepath.Join(".", "migrations") {
		t.Errorf("got migrations dir %q", cfg.MigrationsDir)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		body    string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "yaml",
			file: "config.yaml",
			body: "data_dir: /var/lib/todos\nlog_level: debug\nlock_timeout: 5s\nserve:\n  port: 9000\n",
			check: func(t *testing.T, cfg *Config) {
				if cfg.DataDir != "/var/lib/todos" || cfg.LogLevel != "debug" {
					t.Errorf("got %+v", cfg)
				}
				if cfg.LockTimeout != 5*time.Second {
					t.Errorf("got lock timeout %v", cfg.LockTimeout)
				}
				if cfg.Serve.Port != 9000 || cfg.Serve.AdminPort != 8383 {
					t.Errorf("got serve %+v", cfg.Serve)
				}
			},
		},
		{
			name: "json",
			file: "config.json",
			body: `{"migrations_dir": "db/migrations", "verify_inverses": false}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.MigrationsDir != "db/migrations" || cfg.VerifyInverses {
					t.Errorf("got %+v", cfg)
				}
			},
		},
		{
			name: "json durations",
			file: "durations.json",
			body: `{"lock_timeout": "5s", "serve": {"port": 9001, "shutdown_timeout": "2m"}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.LockTimeout != 5*time.Second || cfg.Serve.ShutdownTimeout != 2*time.Minute {
					t.Errorf("got lock=%v shutdown=%v", cfg.LockTimeout, cfg.Serve.ShutdownTimeout)
				}
				if cfg.Serve.Port != 9001 || cfg.Serve.AdminPort != 8383 || !cfg.VerifyInverses {
					t.Errorf("defaults lost: %+v", cfg)
				}
			},
		},
		{
			name: "json nanosecond duration",
			file: "nanos.json",
			body: `{"lock_timeout": 1000000000}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.LockTimeout != time.Second {
					t.Errorf("got lock=%v", cfg.LockTimeout)
				}
			},
		},
		{
			name:    "bad json duration",
			file:    "bad.json",
			body:    `{"lock_timeout": "soon"}`,
			wantErr: true,
		},
		{
			name:    "unsupported",
			file:    "config.toml",
			body:    "data_dir = 'x'",
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			file:    "broken.yaml",
			body:    "serve: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			if err := os.WriteFile(path, []byte(tt.body), 0644); err != nil {
				t.Fatal(err)
			}
			cfg, err := LoadFromFile(path)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvPrefix+"DATA_DIR", "/tmp/todos")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "warn")
	t.Setenv(EnvPrefix+"VERIFY_INVERSES", "0")
	t.Setenv(EnvPrefix+"LOCK_TIMEOUT", "1m")
	t.Setenv(EnvPrefix+"PORT", "8181")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.DataDir != "/tmp/todos" || cfg.LogLevel != "warn" || cfg.VerifyInverses {
		t.Errorf("got %+v", cfg)
	}
	if cfg.LockTimeout != time.Minute || cfg.Serve.Port != 8181 {
		t.Errorf("got lock=%v port=%d", cfg.LockTimeout, cfg.Serve.Port)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte(EnvPrefix+"MIGRATIONS_DIR=fromdotenv\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvPrefix+"MIGRATIONS_DIR", "")
	os.Unsetenv(EnvPrefix + "MIGRATIONS_DIR")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv(EnvPrefix + "MIGRATIONS_DIR"); got != "fromdotenv" {
		t.Errorf("got %q", got)
	}
}

func TestLoadOverridesKeepExplicitMigrationsDir(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvPrefix+"MIGRATIONS_DIR", "")
	os.Unsetenv(EnvPrefix + "MIGRATIONS_DIR")

	setDataDir := func(c *Config) { c.DataDir = "/srv/todos" }

	cfg, err := Load("", setDataDir)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join("/srv/todos", "migrations"); cfg.MigrationsDir != want {
		t.Errorf("derived: got %q, want %q", cfg.MigrationsDir, want)
	}

	t.Setenv(EnvPrefix+"MIGRATIONS_DIR", "/etc/todos/migrations")
	cfg, err = Load("", setDataDir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/srv/todos" || cfg.MigrationsDir != "/etc/todos/migrations" {
		t.Errorf("explicit: got data=%q migrations=%q", cfg.DataDir, cfg.MigrationsDir)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"negative lock timeout", func(c *Config) { c.LockTimeout = -time.Second }},
		{"port out of range", func(c *Config) { c.Serve.Port = 70000 }},
		{"same ports", func(c *Config) { c.Serve.AdminPort = c.Serve.Port }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected error but got none")
			}
		})
	}
}
