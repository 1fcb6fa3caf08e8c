package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.defaults()
	if cfg.Addr != ":1234" || cfg.PingInterval != 30*time.Second || cfg.LoadFailurePolicy != "refuse" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Retry.MaxAttempts != 20 || cfg.Retry.BaseBackoff != 2*time.Second {
		t.Fatalf("retry defaults = %+v", cfg.Retry)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsync.yaml")
	yaml := `
addr: ":9000"
db_path: /var/lib/docsync/docs.db
ping_interval: 10s
load_failure_policy: recover-empty
retry:
  max_attempts: 5
  base_backoff: 500ms
mcp_enabled: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9000" || cfg.DBPath != "/var/lib/docsync/docs.db" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.PingInterval != 10*time.Second || cfg.LoadFailurePolicy != "recover-empty" || !cfg.MCPEnabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseBackoff != 500*time.Millisecond {
		t.Fatalf("retry = %+v", cfg.Retry)
	}
	// Untouched keys still get defaults.
	if cfg.WriteTimeout != 10*time.Second {
		t.Fatalf("write timeout = %v", cfg.WriteTimeout)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsync.yaml")
	os.WriteFile(path, []byte("addr: \":9000\"\n"), 0o600)

	t.Setenv("DOCSYNC_ADDR", ":7000")
	t.Setenv("DOCSYNC_RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("DOCSYNC_CHECKPOINT_INTERVAL", "2m")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":7000" || cfg.Retry.MaxAttempts != 3 || cfg.CheckpointInterval != 2*time.Minute {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadConfig_BadPolicy(t *testing.T) {
	t.Setenv("DOCSYNC_LOAD_FAILURE_POLICY", "shrug")
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("bad policy accepted")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
