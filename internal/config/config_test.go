package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "SNAPSHOT_BACKEND", "CACHE_TTL", "SOURCE_QPS", "OTEL_ENABLED"} {
		t.Setenv(k, "")
	}

	c := Load()
	if c.Port != "8080" || c.SnapshotBackend != "memory" {
		t.Errorf("Port=%s SnapshotBackend=%s", c.Port, c.SnapshotBackend)
	}
	if c.CacheTTL != 10*time.Minute || c.SourceQPS != 50 {
		t.Errorf("CacheTTL=%v SourceQPS=%d", c.CacheTTL, c.SourceQPS)
	}
	if c.OTelEnabled {
		t.Error("tracing should be off by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("CACHE_TTL", "90s")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("SOURCE_BURST", "not-a-number")

	c := Load()
	if c.Port != "9090" || c.RedisDB != 3 || c.CacheTTL != 90*time.Second || !c.OTelEnabled {
		t.Errorf("overrides not applied: %+v", c)
	}
	if c.SourceBurst != 100 {
		t.Errorf("invalid int should keep default, got %d", c.SourceBurst)
	}
}

func TestValidate(t *testing.T) {
	base := Config{SourceDSN: "mysql://u:p@db:3306/bi", SnapshotBackend: "memory", RequestRate: 10}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing dsn", func(c *Config) { c.SourceDSN = "" }, "METRICS_SOURCE_DSN"},
		{"unknown backend", func(c *Config) { c.SnapshotBackend = "s3" }, "unknown SNAPSHOT_BACKEND"},
		{"postgres without conn", func(c *Config) { c.SnapshotBackend = "postgres" }, "POSTGRES_CONN"},
		{"metrics user without pass", func(c *Config) { c.MetricsUser = "prom" }, "METRICS_PASS"},
		{"zero rate", func(c *Config) { c.RequestRate = 0 }, "TOKEN_RATE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want it to mention %s", err, tt.wantErr)
			}
		})
	}
}
