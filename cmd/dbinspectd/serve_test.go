package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sergeyklay/dbinspect"
)

// validServerConfig returns a minimal valid ServerConfig for testing.
func validServerConfig() dbinspect.ServerConfig {
	return dbinspect.ServerConfig{
		Config: dbinspect.Config{
			Pool: dbinspect.PoolConfig{MinConns: 1, MaxConns: 5},
		},
		Server: dbinspect.ServerSettings{
			Socket: "/tmp/dbinspect.sock",
		},
		Connection: dbinspect.ConnectionConfig{
			Host:   "localhost",
			Port:   5432,
			DBName: "testdb",
		},
	}
}

func writeConfigFile(t *testing.T, dir string, config dbinspect.ServerConfig) string {
	t.Helper()
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

// Note: Tests using t.Setenv() cannot use t.Parallel() in Go.

func TestLoadConfigValid(t *testing.T) {
	dir := t.TempDir()
	cfg := validServerConfig()
	path := writeConfigFile(t, dir, cfg)

	loaded, err := loadServerConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Server.Socket != "/tmp/dbinspect.sock" {
		t.Fatalf("expected socket path, got %q", loaded.Server.Socket)
	}
	if loaded.Pool.MaxConns != 5 {
		t.Fatalf("expected max_conns 5, got %d", loaded.Pool.MaxConns)
	}
	if loaded.Connection.DBName != "testdb" {
		t.Fatalf("expected dbname 'testdb', got %q", loaded.Connection.DBName)
	}
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	dir := t.TempDir()
	cfg := validServerConfig()
	cfg.Server.Socket = "/tmp/other.sock"
	path := writeConfigFile(t, dir, cfg)

	t.Setenv("DBINSPECT_CONFIG_PATH", path)

	loaded, err := loadServerConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Server.Socket != "/tmp/other.sock" {
		t.Fatalf("expected socket from env path, got %q", loaded.Server.Socket)
	}
}

func TestLoadConfigFlagBeatsEnv(t *testing.T) {
	dir := t.TempDir()
	flagCfg := validServerConfig()
	flagCfg.Server.Socket = "/tmp/flag.sock"
	flagPath := writeConfigFile(t, dir, flagCfg)

	t.Setenv("DBINSPECT_CONFIG_PATH", "/nonexistent/env/config.json")

	loaded, err := loadServerConfig(flagPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Server.Socket != "/tmp/flag.sock" {
		t.Fatalf("expected flag config to win, got %q", loaded.Server.Socket)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := loadServerConfig("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "/nonexistent/path/config.json") {
		t.Fatalf("expected error to contain config path, got %q", err.Error())
	}
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{invalid json}"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	_, err := loadServerConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "parse") {
		t.Fatalf("expected parse error, got %q", err.Error())
	}
}

func TestBuildConnString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		conn     dbinspect.ConnectionConfig
		username string
		password string
		want     string
	}{
		{
			name:     "full",
			conn:     dbinspect.ConnectionConfig{Host: "localhost", Port: 5432, DBName: "app", SSLMode: "disable"},
			username: "alice",
			password: "secret",
			want:     "host=localhost port=5432 dbname=app user=alice password=secret sslmode=disable",
		},
		{
			name: "no credentials",
			conn: dbinspect.ConnectionConfig{Host: "db.internal", DBName: "app"},
			want: "host=db.internal dbname=app",
		},
		{
			name: "empty",
			conn: dbinspect.ConnectionConfig{},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := buildConnString(tt.conn, tt.username, tt.password)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSetupLoggerLevels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level string
		want  string
	}{
		{"debug", "debug"},
		{"info", "info"},
		{"WARN", "warn"},
		{"error", "error"},
		{"", "info"},
		{"bogus", "info"},
	}
	for _, tt := range tests {
		logger := setupLogger(dbinspect.LoggingConfig{Level: tt.level})
		if got := logger.GetLevel().String(); got != tt.want {
			t.Errorf("level %q: got %q, want %q", tt.level, got, tt.want)
		}
	}
}
