package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "starter.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndResolution(t *testing.T) {
	path := writeConfig(t, `{
		"owner": "keeper",
		"servers": [
			{"id": "alpha", "hostMode": "local", "ip": "203.0.113.7", "command": "/srv/alpha/bin/server"}
		]
	}`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPListen != ":5000" || c.LogLevel != "info" {
		t.Fatalf("top-level defaults not applied: %+v", c)
	}
	s := c.Servers[0]
	if s.Port != 8777 || s.MaxPlayers != 8 || s.SaveInterval != 900 || s.BackupInterval != 3600 {
		t.Fatalf("server defaults not applied: %+v", s)
	}
	if s.GameAddr != "203.0.113.7:8777" {
		t.Fatalf("game addr = %q", s.GameAddr)
	}
	if s.ConsoleAddr != "203.0.113.7:8778" {
		t.Fatalf("auto console port not port+1: %q", s.ConsoleAddr)
	}
	if s.ConsolePassword == RandomPassword || len(s.ConsolePassword) != 32 {
		t.Fatalf("random console password not generated: %q", s.ConsolePassword)
	}
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	path := writeConfig(t, `{
		"servers": [
			{"id": "alpha", "ip": "203.0.113.7", "command": "/bin/true"},
			{"id": "alpha", "ip": "203.0.113.8", "command": "/bin/true"}
		]
	}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestLoadRejectsBadHostMode(t *testing.T) {
	path := writeConfig(t, `{
		"servers": [{"id": "alpha", "hostMode": "cloud", "ip": "203.0.113.7"}]
	}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "hostMode") {
		t.Fatalf("expected hostMode error, got %v", err)
	}
}

func TestLoadRejectsLocalWithoutCommand(t *testing.T) {
	path := writeConfig(t, `{
		"servers": [{"id": "alpha", "hostMode": "local", "ip": "203.0.113.7"}]
	}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "command") {
		t.Fatalf("expected command error, got %v", err)
	}
}

func TestLoadRejectsBadConsolePort(t *testing.T) {
	path := writeConfig(t, `{
		"servers": [{"id": "alpha", "hostMode": "remote", "ip": "203.0.113.7", "consolePort": "not-a-port"}]
	}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "console port") {
		t.Fatalf("expected console port error, got %v", err)
	}
}

func TestRegistryOnlyServerNeedsNoCommand(t *testing.T) {
	path := writeConfig(t, `{
		"servers": [{"id": "alpha", "hostMode": "registry", "ip": "203.0.113.7"}]
	}`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Servers[0].HostMode != HostRegistry {
		t.Fatalf("unexpected host mode %q", c.Servers[0].HostMode)
	}
}
