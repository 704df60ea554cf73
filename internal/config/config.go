package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds the bundle builder configuration
type Config struct {
	WorkDir     string    `toml:"workdir"`
	Label       string    `toml:"label"`
	Compression string    `toml:"compression"`
	Exclude     []string  `toml:"exclude"`
	KeyFile     string    `toml:"key_file"`
	CatalogDB   string    `toml:"catalog_db"`
	ESP         ESPConfig `toml:"esp"`
	Debug       bool      `toml:"debug"`
}

// ESPConfig controls the optional EFI system partition
type ESPConfig struct {
	Enabled   bool   `toml:"enabled"`
	SizeMB    int64  `toml:"size_mb"`
	SourceDir string `toml:"source_dir"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		WorkDir:     "/var/lib/bundle",
		Label:       "rootfs",
		Compression: "zstd",
		Exclude:     []string{},
		ESP: ESPConfig{
			SizeMB: 64,
		},
	}
}

// Load loads configuration from a TOML file
// If path is empty, returns default config
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
