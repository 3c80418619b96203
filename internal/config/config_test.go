// ABOUTME: Tests for config loading and validation
// ABOUTME: Covers env var expansion, duration parsing, defaults, and required fields

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
server:
  http_addr: ":8080"
auth:
  api_key: "test-key"
xray:
  config_path: "/etc/xray/config.json"
  api_addr: "127.0.0.1:10085"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Minimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "test-key", cfg.Auth.APIKey)
	assert.Equal(t, "/etc/xray/config.json", cfg.Xray.ConfigPath)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "/etc/xray/reality.json", cfg.Xray.RealityPath)
	assert.Equal(t, "vless", cfg.Xray.InboundTag)
	assert.Equal(t, "xtls-rprx-vision", cfg.Xray.Flow)
	assert.Equal(t, 10*time.Second, cfg.Xray.ValidateTimeout)
	assert.Equal(t, 30*time.Second, cfg.Xray.ReloadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Xray.RestartTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Cache.SyncInterval)
	assert.Equal(t, 5*time.Minute, cfg.Cache.SuppressionWindow)
	assert.Equal(t, time.Minute, cfg.Cache.FreshnessWindow)
	assert.Equal(t, 30*time.Second, cfg.Monitor.MetricsInterval)
	assert.Equal(t, 10*time.Second, cfg.Monitor.CheckInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_DurationParsing(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
cache:
  sync_interval: "2m"
  suppression_window: "90s"
`))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Cache.SyncInterval)
	assert.Equal(t, 90*time.Second, cfg.Cache.SuppressionWindow)
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
cache:
  sync_interval: "soon"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.sync_interval")
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_AGENT_KEY", "expanded-secret")

	cfg, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
auth:
  api_key: "${TEST_AGENT_KEY}"
xray:
  config_path: "/etc/xray/config.json"
  api_addr: "127.0.0.1:10085"
`))
	require.NoError(t, err)
	assert.Equal(t, "expanded-secret", cfg.Auth.APIKey)
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		config string
		want   string
	}{
		{
			name: "missing http_addr",
			config: `
auth:
  api_key: "k"
xray:
  config_path: "/etc/xray/config.json"
  api_addr: "127.0.0.1:10085"
`,
			want: "server.http_addr",
		},
		{
			name: "missing api_key",
			config: `
server:
  http_addr: ":8080"
xray:
  config_path: "/etc/xray/config.json"
  api_addr: "127.0.0.1:10085"
`,
			want: "auth.api_key",
		},
		{
			name: "missing config_path",
			config: `
server:
  http_addr: ":8080"
auth:
  api_key: "k"
xray:
  api_addr: "127.0.0.1:10085"
`,
			want: "xray.config_path",
		},
		{
			name: "missing api_addr",
			config: `
server:
  http_addr: ":8080"
auth:
  api_key: "k"
xray:
  config_path: "/etc/xray/config.json"
`,
			want: "xray.api_addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.config))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_RestartCommands(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
  restart_commands:
    - "systemctl restart xray"
    - "service xray restart"
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"systemctl restart xray", "service xray restart"}, cfg.Xray.RestartCommands)
}
