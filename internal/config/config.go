package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// HubConfig is the resolved configuration of the hub daemon.
type HubConfig struct {
	ListenAddr       string        `env:"CTXBUS_LISTEN_ADDR"`
	WSPath           string        `env:"CTXBUS_WS_PATH"`
	AdminAddr        string        `env:"CTXBUS_ADMIN_ADDR"`
	CorsOrigins      []string      `env:"CTXBUS_CORS_ORIGINS"`
	UIGracePeriod    time.Duration `env:"CTXBUS_UI_GRACE_PERIOD"`
	ReconnectInitial time.Duration `env:"CTXBUS_RECONNECT_INITIAL"`
	ReconnectMax     time.Duration `env:"CTXBUS_RECONNECT_MAX"`
}

type fileConfig struct {
	ListenAddr       string   `toml:"listen_addr"`
	WSPath           string   `toml:"ws_path"`
	AdminAddr        string   `toml:"admin_addr"`
	CorsOrigins      []string `toml:"cors_origins"`
	UIGracePeriod    string   `toml:"ui_grace_period"`
	ReconnectInitial string   `toml:"reconnect_initial"`
	ReconnectMax     string   `toml:"reconnect_max"`
}

// DefaultHubConfig returns the daemon defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		ListenAddr:       ":9400",
		WSPath:           "/bus",
		AdminAddr:        ":9401",
		CorsOrigins:      []string{"http://localhost:3000"},
		UIGracePeriod:    500 * time.Millisecond,
		ReconnectInitial: 50 * time.Millisecond,
		ReconnectMax:     5 * time.Second,
	}
}

// LoadHubConfig reads path over the defaults, then applies CTXBUS_*
// environment overrides. An empty path or a missing file leaves the defaults.
func LoadHubConfig(path string) (HubConfig, error) {
	cfg := DefaultHubConfig()
	if strings.TrimSpace(path) != "" {
		if err := loadToml(path, &cfg); err != nil {
			return HubConfig{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return HubConfig{}, fmt.Errorf("config env overrides: %w", err)
	}
	if err := ValidateHubConfig(cfg); err != nil {
		return HubConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, cfg *HubConfig) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("ws_path") {
		cfg.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	durations := []struct {
		key string
		raw string
		out *time.Duration
	}{
		{"ui_grace_period", raw.UIGracePeriod, &cfg.UIGracePeriod},
		{"reconnect_initial", raw.ReconnectInitial, &cfg.ReconnectInitial},
		{"reconnect_max", raw.ReconnectMax, &cfg.ReconnectMax},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.out = v
	}
	return nil
}

func ValidateHubConfig(cfg HubConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("hub config missing listen_addr")
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		return fmt.Errorf("hub config ws_path must start with /: %q", cfg.WSPath)
	}
	if cfg.UIGracePeriod < 0 {
		return fmt.Errorf("hub config ui_grace_period must not be negative")
	}
	if cfg.ReconnectInitial <= 0 || cfg.ReconnectMax < cfg.ReconnectInitial {
		return fmt.Errorf("hub config reconnect_initial must be positive and at most reconnect_max")
	}
	return nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
