package config

import (
	"testing"
)

func loadWithRequired(t *testing.T) *Config {
	t.Helper()
	t.Setenv("CREDENTIAL_MASTER_KEY", "test-master-key-0123456789abcdef")
	t.Setenv("CREDENTIAL_KDF_SALT", "test-fixed-salt")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"default mode is api", func(c *Config) bool { return c.Mode == "api" }},
		{"default host is 0.0.0.0", func(c *Config) bool { return c.Host == "0.0.0.0" }},
		{"default port is 8080", func(c *Config) bool { return c.Port == 8080 }},
		{"default log level is info", func(c *Config) bool { return c.LogLevel == "info" }},
		{"default log format is json", func(c *Config) bool { return c.LogFormat == "json" }},
		{"default metrics path", func(c *Config) bool { return c.MetricsPath == "/metrics" }},
		{"default db pool size is 10", func(c *Config) bool { return c.DBPoolSize == 10 }},
		{"default collection timeout is 600s", func(c *Config) bool { return c.CollectionTimeout.Seconds() == 600 }},
		{"default retry count is 3", func(c *Config) bool { return c.CollectionRetryCount == 3 }},
		{"default retention is 30 days", func(c *Config) bool { return c.RetentionDays == 30 }},
		{"default rate limit is 100", func(c *Config) bool { return c.RateLimitPerIP == 100 }},
		{"listen addr format", func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" }},
	}

	cfg := loadWithRequired(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("unexpected value for %s", tt.name)
			}
		})
	}
}

func TestLoadRequiresCredentialMasterKey(t *testing.T) {
	t.Setenv("CREDENTIAL_KDF_SALT", "salt")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when CREDENTIAL_MASTER_KEY is unset")
	}
}
