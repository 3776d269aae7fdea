package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/relaynet/internal/protocol/session"
	"github.com/danmuck/relaynet/internal/testutil/testlog"
)

type testFile struct {
	Reliability ReliabilityFile `toml:"reliability"`
	Admin       AdminFile       `toml:"admin"`
}

func decode(t *testing.T, content string) (toml.MetaData, testFile) {
	t.Helper()
	var raw testFile
	meta, err := toml.Decode(content, &raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return meta, raw
}

func TestApplyReliabilityOverlaysDefinedKeys(t *testing.T) {
	testlog.Start(t)
	meta, raw := decode(t, `
[reliability]
retry_interval = "100ms"
ttl = 3
dead_after = "30s"
backoff_jitter = false
`)
	cfg := session.DefaultConfig()
	if err := ApplyReliability(meta, raw.Reliability, &cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.RetryInterval != 100*time.Millisecond || cfg.TTL != 3 || cfg.DeadAfter != 30*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Backoff.Jitter {
		t.Fatalf("backoff_jitter=false not applied")
	}
	def := session.DefaultConfig()
	if cfg.WriteTimeout != def.WriteTimeout || cfg.MaxConnectAttempts != def.MaxConnectAttempts {
		t.Fatalf("undefined keys must keep defaults: %+v", cfg)
	}
}

func TestApplyReliabilityRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad duration", "[reliability]\nretry_interval = \"soon\"\n", "retry_interval"},
		{"negative duration", "[reliability]\ndead_after = \"-1s\"\n", "dead_after"},
		{"ttl range", "[reliability]\nttl = -1\n", "ttl"},
		{"attempts", "[reliability]\nmax_connect_attempts = -2\n", "max_connect_attempts"},
		{"dead_after under heartbeat", "[reliability]\nheartbeat_interval = \"5s\"\ndead_after = \"2s\"\n", "dead_after"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, raw := decode(t, tt.content)
			cfg := session.DefaultConfig()
			err := ApplyReliability(meta, raw.Reliability, &cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestApplyAdmin(t *testing.T) {
	testlog.Start(t)
	meta, raw := decode(t, `
[admin]
listen = " 127.0.0.1:9480 "
cors_origins = ["http://a", " ", "http://b"]
token = " s3cret "
`)
	cfg := DefaultAdmin()
	ApplyAdmin(meta, raw.Admin, &cfg)
	if cfg.ListenAddr != "127.0.0.1:9480" {
		t.Fatalf("unexpected listen: %q", cfg.ListenAddr)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b" {
		t.Fatalf("unexpected origins: %v", cfg.CORSOrigins)
	}
	if cfg.Token != "s3cret" {
		t.Fatalf("unexpected token: %q", cfg.Token)
	}
}

func TestTemplatesDecode(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	for _, kind := range []string{"station", "node"} {
		path := filepath.Join(dir, kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("expected refusal to overwrite %s", path)
		}
		var raw testFile
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			t.Fatalf("decode %s template: %v", kind, err)
		}
		cfg := session.DefaultConfig()
		if err := ApplyReliability(meta, raw.Reliability, &cfg); err != nil {
			t.Fatalf("%s template reliability: %v", kind, err)
		}
	}
	if _, err := Template("relay"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if _, err := os.Stat(filepath.Join(dir, "station.toml")); err != nil {
		t.Fatalf("template missing: %v", err)
	}
}
