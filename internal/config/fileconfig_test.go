package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadFileConfigMissingFileReturnsDefaults verifies a missing config file
// yields defaults without error.
func TestLoadFileConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFileConfig("/nonexistent/path/gateway.conf")
	if err != nil {
		t.Fatalf("LoadFileConfig() error: %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("Listen = %q, want :8080", cfg.Server.Listen)
	}
	if cfg.Concurrency.LeaseSeconds != 60 {
		t.Errorf("LeaseSeconds = %d, want 60", cfg.Concurrency.LeaseSeconds)
	}
}

// TestLoadFileConfigParsesSections verifies INI sections map onto the struct.
func TestLoadFileConfigParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.conf")
	content := `
[server]
listen = :9090
log_level = debug

[redis]
addr = redis.internal:6380
db = 2

[concurrency]
lease_seconds = 120
renew_interval_seconds = 45
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig() error: %v", err)
	}
	if cfg.Server.Listen != ":9090" {
		t.Errorf("Listen = %q, want :9090", cfg.Server.Listen)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Redis.DB != 2 {
		t.Errorf("Redis.DB = %d, want 2", cfg.Redis.DB)
	}
	if cfg.Concurrency.LeaseSeconds != 120 {
		t.Errorf("LeaseSeconds = %d, want 120", cfg.Concurrency.LeaseSeconds)
	}
	if cfg.Concurrency.RenewIntervalSeconds != 45 {
		t.Errorf("RenewIntervalSeconds = %d, want 45", cfg.Concurrency.RenewIntervalSeconds)
	}
}

// TestFileConfigClampEnforcesRanges verifies out-of-range values are pulled
// to their bounds instead of rejected.
func TestFileConfigClampEnforcesRanges(t *testing.T) {
	cfg := DefaultFileConfig()
	cfg.Concurrency.LeaseSeconds = 5       // below 30 minimum
	cfg.Concurrency.RenewIntervalSeconds = 2 // below 15 minimum
	cfg.Auth.PositiveCacheTTLSeconds = 99999
	cfg.Upstream.RetryMax = 50
	cfg.clamp()

	if cfg.Concurrency.LeaseSeconds != 30 {
		t.Errorf("LeaseSeconds = %d, want 30", cfg.Concurrency.LeaseSeconds)
	}
	if cfg.Concurrency.RenewIntervalSeconds != 15 {
		t.Errorf("RenewIntervalSeconds = %d, want 15", cfg.Concurrency.RenewIntervalSeconds)
	}
	if cfg.Auth.PositiveCacheTTLSeconds != 3600 {
		t.Errorf("PositiveCacheTTLSeconds = %d, want 3600", cfg.Auth.PositiveCacheTTLSeconds)
	}
	if cfg.Upstream.RetryMax != 5 {
		t.Errorf("RetryMax = %d, want 5", cfg.Upstream.RetryMax)
	}
}

// TestFileConfigRenewalCanBeDisabled verifies renew_interval_seconds = 0
// survives clamping (renewal disabled).
func TestFileConfigRenewalCanBeDisabled(t *testing.T) {
	cfg := DefaultFileConfig()
	cfg.Concurrency.RenewIntervalSeconds = 0
	cfg.clamp()
	if cfg.Concurrency.RenewIntervalSeconds != 0 {
		t.Errorf("RenewIntervalSeconds = %d, want 0", cfg.Concurrency.RenewIntervalSeconds)
	}
}
