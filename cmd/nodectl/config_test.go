package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/relaynet/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRuntimeConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
id = "node.rig2"
upstream = "10.0.0.1:9400"
ping_interval = "2s"

[reliability]
heartbeat_interval = "750ms"
max_connect_attempts = 0
`)
	cfg, err := loadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Node.ID != "node.rig2" || cfg.Node.UpstreamAddr != "10.0.0.1:9400" {
		t.Fatalf("unexpected node config: %+v", cfg.Node)
	}
	if cfg.PingInterval != 2*time.Second {
		t.Fatalf("unexpected ping interval: %v", cfg.PingInterval)
	}
	if cfg.Node.Session.HeartbeatInterval != 750*time.Millisecond {
		t.Fatalf("heartbeat not applied: %v", cfg.Node.Session.HeartbeatInterval)
	}
	if cfg.Node.Session.MaxConnectAttempts != 0 {
		t.Fatalf("explicit unlimited attempts overwritten: %d", cfg.Node.Session.MaxConnectAttempts)
	}
	if cfg.Admin.ListenAddr != "" {
		t.Fatalf("admin should stay disabled: %+v", cfg.Admin)
	}
}

func TestLoadRuntimeConfigRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty upstream", `upstream = " "`, "upstream is required"},
		{"bad ping", `ping_interval = "sometimes"`, "ping_interval"},
		{"bad ttl", "[reliability]\nttl = -4\n", "ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadRuntimeConfig(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestRootFlagsOverrideConfig(t *testing.T) {
	testlog.Start(t)
	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"--id", "node.cli", "--upstream", "127.0.0.1:9999"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := resolveConfig(cmd)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Node.ID != "node.cli" || cfg.Node.UpstreamAddr != "127.0.0.1:9999" {
		t.Fatalf("unexpected resolved config: %+v", cfg.Node)
	}
}
