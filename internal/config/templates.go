package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "hub":
		return hubTemplate, nil
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

const hubTemplate = `listen_addr = ":9400"
ws_path = "/bus"
admin_addr = ":9401"
cors_origins = ["http://localhost:3000"]

# Delay before retrying deliveries to a freshly connected UI context.
ui_grace_period = "500ms"

reconnect_initial = "50ms"
reconnect_max = "5s"
`
