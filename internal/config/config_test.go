package config

import (
	"os"
	"testing"
)

func unsetDBEnv() {
	_ = os.Unsetenv("SCHEDSYNC_DB_DRIVER")
	_ = os.Unsetenv("SCHEDSYNC_POSTGRES_DSN")
	_ = os.Unsetenv("SCHEDSYNC_SQLITE_PATH")
}

func TestConfigLoad_Defaults(t *testing.T) {
	unsetDBEnv()
	_ = os.Setenv("SCHEDSYNC_SQLITE_PATH", "/tmp/schedsync-test.db")
	defer unsetDBEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.BatchCeiling != 490 || cfg.StoreBatchLimit != 500 {
		t.Fatalf("unexpected batch defaults: %d/%d", cfg.BatchCeiling, cfg.StoreBatchLimit)
	}
	if cfg.MaxEmptyWeeks != 3 || cfg.FastWeeks != 2 || cfg.FullWeeks != 25 {
		t.Fatalf("unexpected scan defaults: %+v", cfg)
	}
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("expected sqlite when no DSN, got %s", cfg.DBDriver)
	}
	if cfg.Timezone != "Europe/Warsaw" {
		t.Fatalf("unexpected timezone %s", cfg.Timezone)
	}
}

func TestConfigLoad_PostgresWhenDSNPresent(t *testing.T) {
	unsetDBEnv()
	_ = os.Setenv("SCHEDSYNC_POSTGRES_DSN", "postgres://u:p@localhost:5432/db")
	defer unsetDBEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.DBDriver != "postgres" {
		t.Fatalf("expected postgres, got %s", cfg.DBDriver)
	}
}

func TestConfigLoad_CeilingEnvOverride(t *testing.T) {
	unsetDBEnv()
	_ = os.Setenv("SCHEDSYNC_DB_DRIVER", "memory")
	_ = os.Setenv("SCHEDSYNC_BATCH_CEILING", "450")
	defer func() {
		unsetDBEnv()
		_ = os.Unsetenv("SCHEDSYNC_BATCH_CEILING")
	}()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.BatchCeiling != 450 {
		t.Fatalf("ceiling env override failed, got %d", cfg.BatchCeiling)
	}
}

func TestResolveDefaults_Rejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"ceiling at limit":   func(c *Config) { c.BatchCeiling = 500 },
		"ceiling zero":       func(c *Config) { c.BatchCeiling = 0 },
		"unknown driver":     func(c *Config) { c.DBDriver = "spanner" },
		"postgres no dsn":    func(c *Config) { c.DBDriver = "postgres" },
		"bad timezone":       func(c *Config) { c.Timezone = "Mars/Olympus" },
		"no empty week stop": func(c *Config) { c.MaxEmptyWeeks = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := NewForTesting()
			mutate(cfg)
			if err := cfg.ResolveDefaults(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestNewForTesting_IsValid(t *testing.T) {
	cfg := NewForTesting()
	if err := cfg.ResolveDefaults(); err != nil {
		t.Fatalf("testing config invalid: %v", err)
	}
	if !cfg.IsTesting() || cfg.AlertsEnabled() {
		t.Fatalf("unexpected testing config: %+v", cfg)
	}
	if cfg.Location().String() != "Europe/Warsaw" {
		t.Fatalf("unexpected location %s", cfg.Location())
	}
}
