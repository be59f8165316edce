package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8009" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Sync.PollInterval != 30*time.Second {
		t.Errorf("poll interval = %v", cfg.Sync.PollInterval)
	}
	if cfg.Sync.DedupWindow != 10*time.Second {
		t.Errorf("dedup window = %v", cfg.Sync.DedupWindow)
	}
	if cfg.Sync.MessagePageSize != 50 {
		t.Errorf("page size = %d", cfg.Sync.MessagePageSize)
	}
	if cfg.DB.Path != "messagis.db" {
		t.Errorf("db path = %q", cfg.DB.Path)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  listen_addr: "127.0.0.1:9100"
sync:
  typing_timeout: 3s
  message_page_size: 25
logging:
  level: debug
  pretty: true
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:9100" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Sync.TypingTimeout != 3*time.Second {
		t.Errorf("typing timeout = %v", cfg.Sync.TypingTimeout)
	}
	if cfg.Sync.MessagePageSize != 25 {
		t.Errorf("page size = %d", cfg.Sync.MessagePageSize)
	}
	// Untouched fields still default.
	if cfg.Sync.RevealDuration != 5*time.Second {
		t.Errorf("reveal duration = %v", cfg.Sync.RevealDuration)
	}
	if !cfg.Log.Pretty || cfg.Log.Level != "debug" {
		t.Errorf("logging = %+v", cfg.Log)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestEnvSecretOverride(t *testing.T) {
	t.Setenv("MESSAGIS_JWT_SECRET", "from-env")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  jwt_secret: from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.JWTSecret != "from-env" {
		t.Errorf("jwt secret = %q, env should win", cfg.Server.JWTSecret)
	}
}
