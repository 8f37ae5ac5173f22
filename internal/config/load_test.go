package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TASKD_SERVER_NODE_NAME", "pve1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8007, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "pve1", cfg.Server.NodeName)
	assert.Equal(t, "/var/log/taskd/tasks", cfg.Tasks.LogDir)
	assert.Equal(t, "/var/lib/taskd/task-counter", cfg.Tasks.CounterFile)
	assert.Equal(t, 60, cfg.Tasks.FinishedTTLSeconds)
	assert.Equal(t, 30, cfg.Tasks.RetentionDays)
	assert.Equal(t, "/run/taskd/priv.sock", cfg.PrivChannel.SocketPath)
	assert.Equal(t, 30, cfg.PrivChannel.TimeoutSeconds)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TASKD_SERVER_NODE_NAME", "pve2")
	t.Setenv("TASKD_SERVER_PORT", "9000")
	t.Setenv("TASKD_SERVER_LOG_LEVEL", "debug")
	t.Setenv("TASKD_TASKS_LOG_DIR", "/tmp/tasks")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "/tmp/tasks", cfg.Tasks.LogDir)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("TASKD_SERVER_NODE_NAME", "pve1")
	t.Setenv("TASKD_SERVER_LOG_LEVEL", "loud")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRequiresNodeName(t *testing.T) {
	_, err := Load()
	assert.Error(t, err, "node name has no safe default")
}
