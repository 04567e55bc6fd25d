package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `{"node_id": 1, "role": "gateway"}`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WindowSize != 4 {
		t.Fatalf("expected default window_size 4, got %d", cfg.WindowSize)
	}
	if cfg.AckMethod != AckMethodSmart {
		t.Fatalf("expected default ack_method smart, got %q", cfg.AckMethod)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.Log.Level)
	}
}

func TestLoadRejectsMissingNodeID(t *testing.T) {
	path := writeTempConfig(t, `{"role": "gateway"}`)
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatalf("expected an error for node_id 0")
	}
}

func TestLoadRejectsClientWithoutListenAddr(t *testing.T) {
	path := writeTempConfig(t, `{"node_id": 1, "role": "client", "gateway_node_id": 2}`)
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatalf("expected an error for a client with no listen_addr")
	}
}

func TestLoadRejectsBadAckMethod(t *testing.T) {
	path := writeTempConfig(t, `{"node_id": 1, "role": "gateway", "ack_method": "eager"}`)
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatalf("expected an error for an unknown ack_method")
	}
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `{"node_id": 1, "role": "gateway"}`)
	t.Setenv("WINDOW_SIZE", "16")
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WindowSize != 16 {
		t.Fatalf("expected env override to set window_size 16, got %d", cfg.WindowSize)
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv("MESHBRIDGE_CONFIG_TEST", "")
	if got := PathFromEnv("MESHBRIDGE_CONFIG_TEST", "fallback.json"); got != "fallback.json" {
		t.Fatalf("expected fallback path, got %q", got)
	}
	t.Setenv("MESHBRIDGE_CONFIG_TEST", "/tmp/x.json")
	if got := PathFromEnv("MESHBRIDGE_CONFIG_TEST", "fallback.json"); got != "/tmp/x.json" {
		t.Fatalf("expected env path, got %q", got)
	}
}
