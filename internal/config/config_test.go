package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, 64, cfg.Watch.BufferSize)
	assert.Equal(t, 5*time.Second, cfg.Logs.ConnectTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Logs.TotalTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Logs.FollowCeiling)
	assert.Equal(t, 10150, cfg.Logs.DefaultWorkerPort)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.NotEmpty(t, cfg.Worker.NodeID)
}

func TestParse_Overrides(t *testing.T) {
	data := []byte(`
server:
  port: 9090
storage:
  type: sqlite
  sqlite:
    db_path: /tmp/x.db
watch:
  buffer_size: 8
logs:
  connect_timeout: 2s
  total_timeout: 1m
logging:
  level: debug
  format: text
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "/tmp/x.db", cfg.Storage.SQLite.DBPath)
	assert.Equal(t, 8, cfg.Watch.BufferSize)
	assert.Equal(t, 2*time.Second, cfg.Logs.ConnectTimeout)
	assert.Equal(t, time.Minute, cfg.Logs.TotalTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestParse_Invalid(t *testing.T) {
	for name, data := range map[string]string{
		"bad port":        "server:\n  port: 70000\n",
		"bad storage":     "storage:\n  type: postgres\n",
		"bad level":       "logging:\n  level: trace\n",
		"bad format":      "logging:\n  format: xml\n",
		"connect > total": "logs:\n  connect_timeout: 10m\n  total_timeout: 1m\n",
		"negative buffer": "watch:\n  buffer_size: -1\n",
		"not yaml":        "server: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8181\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Server.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_Worker(t *testing.T) {
	cfg, err := Parse([]byte(`
worker:
  node_id: gpu-01
  server_url: http://cp:8080
  heartbeat: 5s
  register: false
  labels:
    gpu.count: "4"
`))
	require.NoError(t, err)

	assert.Equal(t, "gpu-01", cfg.Worker.NodeID)
	assert.Equal(t, 5*time.Second, cfg.Worker.Heartbeat)
	assert.Equal(t, "4", cfg.Worker.Labels["gpu.count"])
	assert.False(t, cfg.Worker.RegisterEnabled())

	assert.True(t, Default().Worker.RegisterEnabled())
}
