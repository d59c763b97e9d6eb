package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/ctxbus/internal/hub"
	"github.com/danmuck/ctxbus/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadHubConfigDefaultsWithoutFile(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadHubConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultHubConfig(), cfg)

	cfg, err = LoadHubConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultHubConfig(), cfg)
}

func TestLoadHubConfigOverridesDefinedKeysOnly(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
listen_addr = "127.0.0.1:7000"
ui_grace_period = "0s"
cors_origins = [" chrome-extension://abc ", ""]
`)
	cfg, err := LoadHubConfig(path)
	require.NoError(t, err)

	def := DefaultHubConfig()
	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddr)
	assert.Equal(t, time.Duration(0), cfg.UIGracePeriod)
	assert.Equal(t, []string{"chrome-extension://abc"}, cfg.CorsOrigins)
	assert.Equal(t, def.WSPath, cfg.WSPath)
	assert.Equal(t, def.AdminAddr, cfg.AdminAddr)
	assert.Equal(t, def.ReconnectMax, cfg.ReconnectMax)
}

func TestLoadHubConfigEnvWinsOverFile(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `ws_path = "/file"`)
	t.Setenv("CTXBUS_WS_PATH", "/env")
	t.Setenv("CTXBUS_RECONNECT_MAX", "30s")
	t.Setenv("CTXBUS_CORS_ORIGINS", "http://a,http://b")

	cfg, err := LoadHubConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/env", cfg.WSPath)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.CorsOrigins)
}

func TestLoadHubConfigRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"bad duration": `reconnect_initial = "soon"`,
		"unknown key":  `listen = ":1"`,
		"bad path":     `ws_path = "bus"`,
		"empty listen": `listen_addr = " "`,
		"inverted":     "reconnect_initial = \"10s\"\nreconnect_max = \"1s\"",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadHubConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestSessionConfigMapping(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultHubConfig()
	sess := cfg.SessionConfig()
	assert.Equal(t, 500*time.Millisecond, sess.UIGracePeriod)
	assert.Equal(t, cfg.ReconnectInitial, sess.Backoff.InitialDelay)
	assert.Equal(t, cfg.ReconnectMax, sess.Backoff.MaxDelay)

	cfg.UIGracePeriod = 0
	assert.Equal(t, time.Duration(0), cfg.SessionConfig().UIGrace())
}

func TestDisabledGraceSurvivesHubDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `ui_grace_period = "0s"`)
	cfg, err := LoadHubConfig(path)
	require.NoError(t, err)

	h := hub.New(hub.Config{Session: cfg.SessionConfig()})
	defer h.Close()
	assert.Equal(t, time.Duration(0), h.SessionConfig().UIGrace())

	cfg = DefaultHubConfig()
	h2 := hub.New(hub.Config{Session: cfg.SessionConfig()})
	defer h2.Close()
	assert.Equal(t, 500*time.Millisecond, h2.SessionConfig().UIGrace())
}

func TestTemplateMatchesDefaults(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "hub.toml")
	require.NoError(t, WriteTemplate(path, "hub", false))
	require.Error(t, WriteTemplate(path, "hub", false))

	cfg, err := LoadHubConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultHubConfig(), cfg)

	_, err = Template("seed")
	assert.Error(t, err)
}
