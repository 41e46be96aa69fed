package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultSettings(t *testing.T) {
	d := Default()
	if !d.WebSocketEnabled {
		t.Error("expected WebSocketEnabled to default true")
	}
	if d.MaxConnections != 0 {
		t.Errorf("MaxConnections = %d, want 0 (unbounded)", d.MaxConnections)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boltd.yaml")
	content := "listen_addr: 0.0.0.0:7777\nwebsocket_enabled: false\nmax_connections: 10\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	settings, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if settings.ListenAddr != "0.0.0.0:7777" {
		t.Errorf("ListenAddr = %q", settings.ListenAddr)
	}
	if settings.WebSocketEnabled {
		t.Error("expected WebSocketEnabled to be overridden to false")
	}
	if settings.MaxConnections != 10 {
		t.Errorf("MaxConnections = %d, want 10", settings.MaxConnections)
	}
	if got := GetSettings(); got != settings {
		t.Errorf("GetSettings() = %+v, want %+v", got, settings)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv(EnvListenAddr, "127.0.0.1:9999")
	t.Setenv(EnvWebSocket, "false")

	settings, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if settings.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("ListenAddr = %q, want env override", settings.ListenAddr)
	}
	if settings.WebSocketEnabled {
		t.Error("expected WebSocketEnabled to be overridden to false by env")
	}
}

func TestLoadRejectsInvalidEnvBool(t *testing.T) {
	t.Setenv(EnvWebSocket, "not-a-bool")
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error for a non-boolean websocket_enabled override")
	}
}

func TestSetSettingsForTests(t *testing.T) {
	custom := Default()
	custom.MaxConnections = 42
	SetSettings(custom)
	if GetSettings().MaxConnections != 42 {
		t.Fatal("SetSettings did not take effect")
	}
	SetSettings(Default())
}
