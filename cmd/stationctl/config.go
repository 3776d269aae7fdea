package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/relaynet/internal/config"
	"github.com/danmuck/relaynet/internal/station"
)

// stationctl config.toml key mapping to Station runtime settings.
type fileConfig struct {
	ID          string                 `toml:"id"`
	Listen      string                 `toml:"listen"`
	Parent      string                 `toml:"parent"`
	InboxSize   int                    `toml:"inbox_size"`
	LogLevel    string                 `toml:"log_level"`
	Reliability config.ReliabilityFile `toml:"reliability"`
	Admin       config.AdminFile       `toml:"admin"`
}

type runtimeConfig struct {
	Station  station.Config
	Admin    config.Admin
	LogLevel string
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		Station: station.DefaultConfig(),
		Admin:   config.DefaultAdmin(),
	}
}

// stationctl loader for TOML config with default overlay.
func loadRuntimeConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load station config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.Station.ID = id
		}
	}
	if meta.IsDefined("listen") {
		cfg.Station.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("parent") {
		cfg.Station.ParentAddr = strings.TrimSpace(raw.Parent)
	}
	if meta.IsDefined("inbox_size") {
		cfg.Station.InboxSize = raw.InboxSize
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if err := config.ApplyReliability(meta, raw.Reliability, &cfg.Station.Session); err != nil {
		return runtimeConfig{}, fmt.Errorf("load station config: %w", err)
	}
	config.ApplyAdmin(meta, raw.Admin, &cfg.Admin)

	if cfg.Station.ListenAddr == "" {
		return runtimeConfig{}, fmt.Errorf("load station config: listen is required")
	}
	if cfg.Station.InboxSize < 0 {
		return runtimeConfig{}, fmt.Errorf("load station config: inbox_size must not be negative")
	}
	if cfg.Admin.ListenAddr != "" && cfg.Admin.ListenAddr == cfg.Station.ListenAddr {
		return runtimeConfig{}, fmt.Errorf("load station config: admin.listen collides with listen %q", cfg.Station.ListenAddr)
	}
	return cfg, nil
}
