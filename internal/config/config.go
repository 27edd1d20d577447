// Package config loads daemon configuration: a YAML file layered under
// .env-style and real environment-variable overrides. Flags applied by
// the binary win over everything here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Definition DefinitionConfig `yaml:"definition"`
	Stream     StreamConfig     `yaml:"stream"`
	Feed       FeedConfig       `yaml:"feed"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"`
	Logs       LogConfig        `yaml:"logs"`
}

// ConnectionConfig selects and parameterizes the transport.
type ConnectionConfig struct {
	Kind string `yaml:"kind"` // "serial", "tcp" or "sim"
	Port string `yaml:"port"` // serial device path
	Baud int    `yaml:"baud"`
	Addr string `yaml:"addr"` // tcp host:port
}

type DefinitionConfig struct {
	Path       string `yaml:"path"`
	CatalogDir string `yaml:"catalog_dir"`
}

type StreamConfig struct {
	Hz int `yaml:"hz"`
}

type FeedConfig struct {
	Listen string `yaml:"listen"`
}

// TimeoutConfig is in milliseconds; zero defers to the definition's own
// timing settings and the protocol defaults.
type TimeoutConfig struct {
	CommandMs int `yaml:"command_ms"`
	BurnMs    int `yaml:"burn_ms"`
	Retries   int `yaml:"retries"`
}

type LogConfig struct {
	Dir        string `yaml:"dir"` // empty: console only
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Kind: "serial",
			Port: "/dev/ttyUSB0",
			Baud: 115200,
			Addr: "localhost:3001",
		},
		Stream: StreamConfig{Hz: 10},
		Feed:   FeedConfig{Listen: ":8080"},
		Logs: LogConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxAgeDays: 14,
			MaxBackups: 5,
			Compress:   true,
		},
	}
}

// Load reads the YAML file at path, then applies .env files and
// environment overrides. A missing file is not an error, defaults plus
// overrides apply; a malformed file is.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// loadEnvFile reads a KEY=VALUE file into the process environment. Real
// environment variables take precedence over file entries.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides maps MEGALINK_* environment variables onto the
// config.
func (c *Config) applyEnvOverrides() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	str("MEGALINK_KIND", &c.Connection.Kind)
	str("MEGALINK_PORT", &c.Connection.Port)
	num("MEGALINK_BAUD", &c.Connection.Baud)
	str("MEGALINK_ADDR", &c.Connection.Addr)
	str("MEGALINK_DEFINITION", &c.Definition.Path)
	str("MEGALINK_CATALOG", &c.Definition.CatalogDir)
	num("MEGALINK_STREAM_HZ", &c.Stream.Hz)
	str("MEGALINK_LISTEN", &c.Feed.Listen)
	str("MEGALINK_LOG_LEVEL", &c.Logs.Level)
	str("MEGALINK_LOG_DIR", &c.Logs.Dir)
}
