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
	path := filepath.Join(t.TempDir(), "station.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRuntimeConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
id = "station.lab"
listen = "127.0.0.1:9401"
parent = "10.0.0.1:9400"
log_level = "debug"

[reliability]
retry_interval = "200ms"
ttl = 7

[admin]
listen = "127.0.0.1:9480"
`)
	cfg, err := loadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Station.ID != "station.lab" || cfg.Station.ListenAddr != "127.0.0.1:9401" {
		t.Fatalf("unexpected station identity: %+v", cfg.Station)
	}
	if cfg.Station.ParentAddr != "10.0.0.1:9400" {
		t.Fatalf("unexpected parent: %q", cfg.Station.ParentAddr)
	}
	if cfg.Station.Session.RetryInterval != 200*time.Millisecond || cfg.Station.Session.TTL != 7 {
		t.Fatalf("reliability not applied: %+v", cfg.Station.Session)
	}
	if cfg.Station.InboxSize != defaultRuntimeConfig().Station.InboxSize {
		t.Fatalf("inbox size default lost: %d", cfg.Station.InboxSize)
	}
	if cfg.Admin.ListenAddr != "127.0.0.1:9480" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected admin/log: %+v %q", cfg.Admin, cfg.LogLevel)
	}
}

func TestLoadRuntimeConfigRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty listen", `listen = ""`, "listen is required"},
		{"admin collision", "listen = \":9400\"\n[admin]\nlisten = \":9400\"\n", "collides"},
		{"bad retry", "[reliability]\nretry_interval = \"often\"\n", "retry_interval"},
		{"bad toml", `listen = `, "load station config"},
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
	path := writeConfig(t, `listen = "127.0.0.1:9401"`)
	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"--config", path, "--parent", "10.0.0.9:9400"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := resolveConfig(cmd)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Station.ListenAddr != "127.0.0.1:9401" || cfg.Station.ParentAddr != "10.0.0.9:9400" {
		t.Fatalf("unexpected resolved config: %+v", cfg.Station)
	}
}
