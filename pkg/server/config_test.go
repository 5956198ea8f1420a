package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	// The default file was written and parses back identically
	assert.FileExists(t, path)
	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
port = 6000
data_dir = "/tmp/chatapp-test"

[auth]
require_password = false

[history]
enabled = false
replay_count = 10

[limits]
max_line_length = 1200
max_message_length = 900
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Server.Port)
	assert.Equal(t, "/tmp/chatapp-test", cfg.Server.DataDir)
	assert.False(t, cfg.Auth.RequirePassword)
	assert.False(t, cfg.History.Enabled)
	assert.Equal(t, 10, cfg.History.ReplayCount)
	assert.Equal(t, 1200, cfg.Limits.MaxLineLength)
	assert.Equal(t, 900, cfg.Limits.MaxMessageLength)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATAPP_SERVER_PORT", "7001")
	t.Setenv("CHATAPP_AUTH_REQUIRE_PASSWORD", "false")
	t.Setenv("CHATAPP_HISTORY_REPLAY_COUNT", "7")

	cfg := applyEnvOverrides(DefaultConfig())
	assert.Equal(t, 7001, cfg.Server.Port)
	assert.False(t, cfg.Auth.RequirePassword)
	assert.Equal(t, 7, cfg.History.ReplayCount)

	// Malformed values are ignored
	t.Setenv("CHATAPP_SERVER_PORT", "not-a-port")
	cfg = applyEnvOverrides(DefaultConfig())
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
}
