package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadHub_Defaults(t *testing.T) {
	cfg, err := LoadHub("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 15*time.Second, cfg.KeepaliveInterval)
	assert.Zero(t, cfg.ClientTimeout, "idle watchdog is opt-in")
	assert.False(t, cfg.TeamFallbackAll)
}

func TestLoadHub_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9090\nkeepalive_interval: 5s\nteam_fallback_all: true\n"), 0644))

	t.Setenv("HUB_PORT", "9191")

	cfg, err := LoadHub(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Port, "env should win over file")
	assert.Equal(t, 5*time.Second, cfg.KeepaliveInterval)
	assert.True(t, cfg.TeamFallbackAll)
}

func TestLoadHub_RejectsKeepaliveAboveClientTimeout(t *testing.T) {
	t.Setenv("HUB_KEEPALIVE_INTERVAL", "45s")
	t.Setenv("HUB_CLIENT_TIMEOUT", "30s")

	_, err := LoadHub("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keepalive_interval")
}

func TestLoadHub_LongKeepaliveWithoutWatchdog(t *testing.T) {
	t.Setenv("HUB_KEEPALIVE_INTERVAL", "45s")

	cfg, err := LoadHub("")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.KeepaliveInterval)
}

func TestLoadHub_MissingFile(t *testing.T) {
	_, err := LoadHub(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadProxy_Env(t *testing.T) {
	t.Setenv("MCP_BACKEND_URL", "http://backend:9000")
	t.Setenv("MCP_PROXY_PORT", "7000")
	t.Setenv("MCP_MAX_RECONNECT_ATTEMPTS", "3")
	t.Setenv("MCP_RECONNECT_DELAY", "250ms")
	t.Setenv("MCP_HEALTH_PROBE_INTERVAL", "0s")
	t.Setenv("MCP_HEARTBEAT_INTERVAL", "5s")

	cfg, err := LoadProxy("")
	require.NoError(t, err)

	assert.Equal(t, "http://backend:9000", cfg.BackendURL)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 60*time.Second, cfg.ConnectTimeout)
	assert.Zero(t, cfg.HealthProbeInterval)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, "http://localhost:7000", cfg.ExternalURL())
}

func TestProxyConfig_Validate(t *testing.T) {
	cfg := DefaultProxyConfig()
	cfg.BackendURL = "not a url"
	cfg.MaxAttempts = 0
	cfg.HeartbeatInterval = -time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend_url")
	assert.Contains(t, err.Error(), "max_reconnect_attempts")
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestDefaultProxyConfig_Heartbeat(t *testing.T) {
	cfg := DefaultProxyConfig()
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	require.NoError(t, cfg.Validate())
}

func TestProxyConfig_ExternalURLTrimsSlash(t *testing.T) {
	cfg := DefaultProxyConfig()
	cfg.PublicURL = "https://proxy.example.com/"
	assert.Equal(t, "https://proxy.example.com", cfg.ExternalURL())
}
