package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithNoFileOrEnv(t *testing.T) {
	t.Setenv("SESSIONTAP_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Default()
	want.ConfigPath = cfg.ConfigPath
	if cfg != want {
		t.Fatalf("cfg = %+v, want %+v", cfg, want)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "root_dir: /var/log/agent\nhttp_port: 9001\nenrollment_ttl: 45s\nreplay_buffer: 500\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SESSIONTAP_CONFIG", path)
	t.Setenv("SESSIONTAP_HTTP_PORT", "9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RootDir != "/var/log/agent" {
		t.Errorf("root_dir = %q, want file value", cfg.RootDir)
	}
	if cfg.HTTPPort != 9999 {
		t.Errorf("http_port = %d, want env override 9999", cfg.HTTPPort)
	}
	if cfg.EnrollmentTTL != 45*time.Second {
		t.Errorf("enrollment_ttl = %v, want 45s", cfg.EnrollmentTTL)
	}
	if cfg.ReplayBuffer != 500 {
		t.Errorf("replay_buffer = %d, want 500", cfg.ReplayBuffer)
	}
}

func TestLoadInvalidEnvReturnsError(t *testing.T) {
	clearEnv(t)
	t.Setenv("SESSIONTAP_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("SESSIONTAP_HTTP_PORT", "not-a-port")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed SESSIONTAP_HTTP_PORT")
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SESSIONTAP_ROOT_DIR", "SESSIONTAP_HTTP_PORT", "SESSIONTAP_ENROLLMENT_TTL",
		"SESSIONTAP_CREDENTIAL_TTL", "SESSIONTAP_PING_INTERVAL", "SESSIONTAP_USE_POLLING",
		"SESSIONTAP_PUBLIC_BASE_URL", "SESSIONTAP_REPLAY_BUFFER", "SESSIONTAP_JWT_KEY",
	} {
		t.Setenv(k, "")
	}
}
