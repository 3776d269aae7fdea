// Package config holds the TOML tables shared by stationctl and nodectl.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/relaynet/internal/auth"
	"github.com/danmuck/relaynet/internal/protocol/session"
)

// ReliabilityFile is the [reliability] table. Durations are Go duration
// strings ("250ms", "5s").
type ReliabilityFile struct {
	RetryInterval      string  `toml:"retry_interval"`
	TTL                int64   `toml:"ttl"`
	ConnectTimeout     string  `toml:"connect_timeout"`
	WriteTimeout       string  `toml:"write_timeout"`
	DeadAfter          string  `toml:"dead_after"`
	HeartbeatInterval  string  `toml:"heartbeat_interval"`
	MaxConnectAttempts int     `toml:"max_connect_attempts"`
	BackoffInitial     string  `toml:"backoff_initial"`
	BackoffMax         string  `toml:"backoff_max"`
	BackoffMultiplier  float64 `toml:"backoff_multiplier"`
	BackoffJitter      bool    `toml:"backoff_jitter"`
}

// AdminFile is the [admin] table.
type AdminFile struct {
	Listen      string   `toml:"listen"`
	CORSOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
}

// Admin is the resolved admin HTTP setting. An empty ListenAddr disables it.
// A non-empty Token guards the write endpoints.
type Admin struct {
	ListenAddr  string
	CORSOrigins []string
	Token       string
}

func DefaultAdmin() Admin {
	return Admin{}
}

// Validator returns the token check for the admin write endpoints, or nil
// when no token is configured.
func (a Admin) Validator() auth.Validator {
	if a.Token == "" {
		return nil
	}
	return auth.StaticToken{Token: a.Token}
}

// ApplyReliability overlays the keys present under [reliability] onto cfg
// and validates the result.
func ApplyReliability(meta toml.MetaData, raw ReliabilityFile, cfg *session.Config) error {
	defined := func(key string) bool { return meta.IsDefined("reliability", key) }

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"retry_interval", raw.RetryInterval, &cfg.RetryInterval},
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"dead_after", raw.DeadAfter, &cfg.DeadAfter},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"backoff_initial", raw.BackoffInitial, &cfg.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !defined(d.key) {
			continue
		}
		v, err := ParseDuration(d.key, d.raw)
		if err != nil {
			return err
		}
		*d.dst = v
	}

	if defined("ttl") {
		if raw.TTL < 0 || raw.TTL > int64(^uint32(0)) {
			return fmt.Errorf("reliability.ttl out of range: %d", raw.TTL)
		}
		cfg.TTL = uint32(raw.TTL)
	}
	if defined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if defined("backoff_multiplier") {
		cfg.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if defined("backoff_jitter") {
		cfg.Backoff.Jitter = raw.BackoffJitter
	}

	*cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reliability: %w", err)
	}
	return nil
}

// ApplyAdmin overlays the keys present under [admin] onto cfg.
func ApplyAdmin(meta toml.MetaData, raw AdminFile, cfg *Admin) {
	if meta.IsDefined("admin", "listen") {
		cfg.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("admin", "cors_origins") {
		origins := make([]string, 0, len(raw.CORSOrigins))
		for _, o := range raw.CORSOrigins {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORSOrigins = origins
	}
	if meta.IsDefined("admin", "token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
}

// ParseDuration parses one duration value, naming key in the error.
func ParseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration %q", key, raw)
	}
	return d, nil
}
