package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"readsync/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != config.ProviderNone {
		t.Errorf("expected provider none, got %s", cfg.Provider)
	}
	if cfg.Debounce() != 2*time.Second {
		t.Errorf("expected 2s debounce, got %v", cfg.Debounce())
	}
	if cfg.MaxBackoff() != 30*time.Second {
		t.Errorf("expected 30s max backoff, got %v", cfg.MaxBackoff())
	}
	if cfg.Retention() != 90*24*time.Hour {
		t.Errorf("expected 90 day retention, got %v", cfg.Retention())
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("READSYNC_PROVIDER", "structured")
	t.Setenv("READSYNC_CREDENTIALS", `{"url":"http://localhost:8000","username":"u","password":"p"}`)
	t.Setenv("READSYNC_DEBOUNCE_MS", "500")
	t.Setenv("READSYNC_HUB_ADDRESS", "localhost:9999")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != config.ProviderStructured || cfg.DebounceMs != 500 {
		t.Errorf("environment not applied: %+v", cfg)
	}
	if string(cfg.Credentials) == "" {
		t.Error("expected credentials to be loaded")
	}
	if cfg.Hub.Address != "localhost:9999" {
		t.Errorf("expected hub address from env, got %s", cfg.Hub.Address)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readsync.yaml")
	body := `
provider: file-blob
max_backoff_ms: 10000
credentials:
  store: dir
  path: /tmp/blobs
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != config.ProviderFileBlob || cfg.MaxBackoffMs != 10000 {
		t.Errorf("file not applied: %+v", cfg)
	}
	if string(cfg.Credentials) != `{"path":"/tmp/blobs","store":"dir"}` {
		t.Errorf("unexpected credentials %s", cfg.Credentials)
	}
}

func TestLoadFromFileWithDocumentedNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readsync.yaml")
	body := `
provider: none
debounceMs: 500
maxBackoffMs: 5000
checkpointRetentionDays: 7
pollIntervalMs: 0
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DebounceMs != 500 || cfg.MaxBackoffMs != 5000 || cfg.CheckpointRetentionDays != 7 {
		t.Errorf("camelCase options ignored: debounce=%d maxBackoff=%d retention=%d",
			cfg.DebounceMs, cfg.MaxBackoffMs, cfg.CheckpointRetentionDays)
	}
	if cfg.PollIntervalMs != 0 {
		t.Errorf("expected polling disabled, got %d", cfg.PollIntervalMs)
	}
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	cfg.Provider = "dropbox"
	if cfg.Validate() == nil {
		t.Error("expected error for unknown provider")
	}

	cfg = config.Default()
	cfg.Provider = config.ProviderStructured
	if cfg.Validate() == nil {
		t.Error("expected error for missing credentials")
	}

	cfg = config.Default()
	cfg.MaxBackoffMs = 10
	if cfg.Validate() == nil {
		t.Error("expected error for tiny max backoff")
	}
}
