// Package config loads the server's optional YAML configuration file and
// applies its defaults, following the teacher's own config.GetConfig
// pattern: defaults, then an optional file, then CLI flags win last.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config holds the NBD server's tunables. Every field also has a CLI flag
// in cmd/vdserve; a value set on the command line always overrides the
// file.
type Config struct {
	CacheSize int    `yaml:"cacheSize"`
	DiskCache string `yaml:"diskCache"`
}

// Default returns the configuration with built-in defaults, before any
// file or flag is applied.
func Default() Config {
	return Config{
		CacheSize: 32,
		DiskCache: "",
	}
}

// Load reads path as YAML over Default's values. A missing file is not an
// error -- the server runs on defaults alone when none is given.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
