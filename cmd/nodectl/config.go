package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/relaynet/internal/config"
	"github.com/danmuck/relaynet/internal/node"
)

type fileConfig struct {
	ID           string                 `toml:"id"`
	Upstream     string                 `toml:"upstream"`
	PingInterval string                 `toml:"ping_interval"`
	LogLevel     string                 `toml:"log_level"`
	Reliability  config.ReliabilityFile `toml:"reliability"`
	Admin        config.AdminFile       `toml:"admin"`
}

type runtimeConfig struct {
	Node         node.Config
	PingInterval time.Duration
	Admin        config.Admin
	LogLevel     string
}

func defaultRuntimeConfig() runtimeConfig {
	cfg := runtimeConfig{
		Node:  node.DefaultConfig(),
		Admin: config.DefaultAdmin(),
	}
	cfg.Node.UpstreamAddr = "127.0.0.1:9400"
	return cfg
}

func loadRuntimeConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load node config: %w", err)
	}

	if meta.IsDefined("id") {
		cfg.Node.ID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("upstream") {
		cfg.Node.UpstreamAddr = strings.TrimSpace(raw.Upstream)
	}
	if meta.IsDefined("ping_interval") {
		d, err := config.ParseDuration("ping_interval", raw.PingInterval)
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("load node config: %w", err)
		}
		cfg.PingInterval = d
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if err := config.ApplyReliability(meta, raw.Reliability, &cfg.Node.Session); err != nil {
		return runtimeConfig{}, fmt.Errorf("load node config: %w", err)
	}
	config.ApplyAdmin(meta, raw.Admin, &cfg.Admin)

	if cfg.Node.UpstreamAddr == "" {
		return runtimeConfig{}, fmt.Errorf("load node config: upstream is required")
	}
	return cfg, nil
}
