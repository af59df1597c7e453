package config

import "testing"

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed with defaults: %v", err)
	}
	if cfg.Mode != "api" {
		t.Fatalf("expected default mode api, got %q", cfg.Mode)
	}
	if cfg.ListenAddr() != "0.0.0.0:8080" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr())
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := &Config{
		Mode:              "bogus",
		Host:              "0.0.0.0",
		Port:              8080,
		DatabaseURL:       "postgres://x",
		DatabasePool:      1,
		CacheBackend:      "memory",
		CacheDefaultTTL:   300,
		LogLevel:          "info",
		LogFormat:         "json",
		MetricsPath:       "/metrics",
		MigrationsDir:     "migrations",
		OAuthRetryIntervalSeconds: 60,
		OAuthMaxRetryAttempts:     3,
		ReconcileInterval: "5m",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for an invalid mode")
	}
}

func TestValidateRejectsOutOfRangeSamplingRate(t *testing.T) {
	cfg := &Config{
		Mode:              "api",
		Host:              "0.0.0.0",
		Port:              8080,
		DatabaseURL:       "postgres://x",
		DatabasePool:      1,
		CacheBackend:      "memory",
		CacheDefaultTTL:   300,
		LogLevel:          "info",
		LogFormat:         "json",
		MetricsPath:       "/metrics",
		MigrationsDir:     "migrations",
		OAuthRetryIntervalSeconds: 60,
		OAuthMaxRetryAttempts:     3,
		TraceBasicSamplingRate: 1.5,
		ReconcileInterval: "5m",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for a sampling rate above 1.0")
	}
}
