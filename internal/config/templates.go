package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter config for kind ("station" or "node").
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "station":
		return stationTemplate, nil
	case "node":
		return nodeTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const reliabilityTemplate = `
[reliability]
retry_interval = "1s"
ttl = 5
connect_timeout = "5s"
write_timeout = "15s"
heartbeat_interval = "5s"
# Stations drop children silent for longer than dead_after.
# dead_after = "15s"
max_connect_attempts = 5
backoff_initial = "250ms"
backoff_max = "5s"
backoff_multiplier = 2.0
backoff_jitter = true
`

const stationTemplate = `id = "station.root"
listen = ":9400"
# parent = "10.0.0.1:9400"
inbox_size = 256
log_level = "info"
` + reliabilityTemplate + `
[admin]
listen = "127.0.0.1:9480"
cors_origins = ["http://localhost:3000"]
# token = "change-me"
`

const nodeTemplate = `id = "node.rig1"
upstream = "127.0.0.1:9400"
ping_interval = "0s"
log_level = "info"
` + reliabilityTemplate + `
[admin]
listen = ""
`
