package config

import (
	"testing"
	"time"
)

func TestLoadAPIConfigDefaults(t *testing.T) {
	cfg := LoadAPIConfig()
	if cfg.AgentLoginLength != 8 || cfg.AgentPasswordLen != 8 {
		t.Fatalf("unexpected credential defaults: %+v", cfg)
	}
	if cfg.AgentCallTimeout != 30*time.Second {
		t.Fatalf("unexpected agent timeout: %v", cfg.AgentCallTimeout)
	}
	if cfg.StorageDriver != "postgres" || cfg.MigrationsDir != "" || !cfg.MigrateOnStart {
		t.Fatalf("unexpected storage defaults: %q %q", cfg.StorageDriver, cfg.MigrationsDir)
	}
}

func TestLoadAPIConfigOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("AGENT_CALL_TIMEOUT_SECONDS", "5")
	t.Setenv("NODE_SAVE_RETRIES", "not-a-number")
	cfg := LoadAPIConfig()
	if cfg.Addr != ":9000" {
		t.Fatalf("expected addr override, got %q", cfg.Addr)
	}
	if cfg.AgentCallTimeout != 5*time.Second {
		t.Fatalf("expected 5s timeout, got %v", cfg.AgentCallTimeout)
	}
	if cfg.NodeSaveRetries != 3 {
		t.Fatalf("expected fallback for invalid int, got %d", cfg.NodeSaveRetries)
	}
}

func TestGetBool(t *testing.T) {
	t.Setenv("FEATURE_X", "true")
	if !GetBool("FEATURE_X", false) {
		t.Fatal("expected true")
	}
	t.Setenv("FEATURE_X", "maybe")
	if GetBool("FEATURE_X", false) {
		t.Fatal("expected fallback for invalid bool")
	}
}

func TestGetDurationAcceptsUnitsOrBareNumbers(t *testing.T) {
	t.Setenv("PING", "45")
	if got := GetDuration("PING", time.Second, time.Minute); got != 45*time.Second {
		t.Fatalf("bare number: got %v", got)
	}
	t.Setenv("PING", "1m30s")
	if got := GetDuration("PING", time.Second, time.Minute); got != 90*time.Second {
		t.Fatalf("duration string: got %v", got)
	}
	t.Setenv("PING", "soon")
	if got := GetDuration("PING", time.Second, time.Minute); got != time.Minute {
		t.Fatalf("invalid value: got %v", got)
	}
}
