package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load default config: %v", err)
	}

	if cfg.Compression != "zstd" {
		t.Errorf("compression = %q, want zstd", cfg.Compression)
	}
	if cfg.Label != "rootfs" {
		t.Errorf("label = %q, want rootfs", cfg.Label)
	}
	if cfg.ESP.Enabled {
		t.Errorf("esp enabled by default")
	}
	if cfg.ESP.SizeMB != 64 {
		t.Errorf("esp size = %d, want 64", cfg.ESP.SizeMB)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.toml")
	content := `
workdir = "/tmp/bundle-work"
label = "appliance"
compression = "xz"
exclude = ["*.log", "tmp"]
key_file = "/etc/bundle/signing.key"

[esp]
enabled = true
size_mb = 128
source_dir = "/usr/share/bundle/esp"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.WorkDir != "/tmp/bundle-work" {
		t.Errorf("workdir = %q", cfg.WorkDir)
	}
	if cfg.Label != "appliance" {
		t.Errorf("label = %q", cfg.Label)
	}
	if cfg.Compression != "xz" {
		t.Errorf("compression = %q", cfg.Compression)
	}
	if len(cfg.Exclude) != 2 || cfg.Exclude[0] != "*.log" {
		t.Errorf("exclude = %v", cfg.Exclude)
	}
	if !cfg.ESP.Enabled || cfg.ESP.SizeMB != 128 || cfg.ESP.SourceDir != "/usr/share/bundle/esp" {
		t.Errorf("esp = %+v", cfg.ESP)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.toml")
	if err := os.WriteFile(path, []byte(`label = "base"`), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Label != "base" {
		t.Errorf("label = %q", cfg.Label)
	}
	if cfg.Compression != "zstd" {
		t.Errorf("compression default lost: %q", cfg.Compression)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.toml"); err == nil {
		t.Errorf("expected error for missing file")
	}
}
