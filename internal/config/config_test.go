package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Connection.Kind != "serial" || cfg.Connection.Baud != 115200 {
		t.Errorf("connection defaults = %+v", cfg.Connection)
	}
	if cfg.Stream.Hz != 10 || cfg.Feed.Listen != ":8080" {
		t.Errorf("stream/feed defaults = %+v %+v", cfg.Stream, cfg.Feed)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
connection:
  kind: tcp
  addr: wifi-adapter:3001
definition:
  path: /opt/defs/speeduino.ini
  catalog_dir: /opt/defs
stream:
  hz: 25
logs:
  level: debug
  dir: /var/log/megalink
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Connection.Kind != "tcp" || cfg.Connection.Addr != "wifi-adapter:3001" {
		t.Errorf("connection = %+v", cfg.Connection)
	}
	if cfg.Definition.Path != "/opt/defs/speeduino.ini" || cfg.Stream.Hz != 25 {
		t.Errorf("definition/stream = %+v %+v", cfg.Definition, cfg.Stream)
	}
	if cfg.Logs.Level != "debug" || cfg.Logs.Dir != "/var/log/megalink" {
		t.Errorf("logs = %+v", cfg.Logs)
	}
	// Untouched sections keep defaults.
	if cfg.Connection.Baud != 115200 || cfg.Feed.Listen != ":8080" {
		t.Errorf("defaults lost: %+v %+v", cfg.Connection, cfg.Feed)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("connection: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed YAML accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEGALINK_KIND", "sim")
	t.Setenv("MEGALINK_PORT", "/dev/ttyACM3")
	t.Setenv("MEGALINK_BAUD", "57600")
	t.Setenv("MEGALINK_STREAM_HZ", "50")
	t.Setenv("MEGALINK_LOG_LEVEL", "trace")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Connection.Kind != "sim" || cfg.Connection.Port != "/dev/ttyACM3" || cfg.Connection.Baud != 57600 {
		t.Errorf("connection = %+v", cfg.Connection)
	}
	if cfg.Stream.Hz != 50 || cfg.Logs.Level != "trace" {
		t.Errorf("stream/logs = %+v %+v", cfg.Stream, cfg.Logs)
	}
}

func TestEnvFileDoesNotBeatRealEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("MEGALINK_PORT=/dev/from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MEGALINK_PORT", "/dev/from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Connection.Port != "/dev/from-env" {
		t.Errorf("port = %q, want real env to win", cfg.Connection.Port)
	}
}
