package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon", "lifelinectl":
		return daemonTemplate, nil
	case "profiles":
		return profilesTemplate, nil
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

const daemonTemplate = `device = "/dev/ttyUSB0"
baud = 9600
cache_dir = "/run/serial_lcd_cache"
role_preference = "none"
handshake_timeout_ms = 500
backoff_initial_ms = 500
backoff_max_ms = 10000
heartbeat_interval_ms = 5000
serial_timeout_ms = 15000
tunnel_timeout_ms = 30000
tunnel_enabled = true
command_allowlist = []
admin_addr = "127.0.0.1:9300"
cors_origins = ["http://localhost:3000"]
profiles_path = ""
`

const profilesTemplate = `[profiles]
heartbeat = 5000
cpu = 1000
mem = 5000
`
