package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Scheduler.MaxParallel)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Criteria.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Agent.Timeout)
	assert.Equal(t, filepath.Join(".orchd", "records"), cfg.Records.Dir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.False(t, cfg.Checkpoint.Enabled)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
scheduler:
  max_parallel: 4
  max_attempts: 5
criteria:
  timeout: 10s
agent:
  command: my-agent --headless
checkpoint:
  enabled: true
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Scheduler.MaxParallel)
	assert.Equal(t, 5, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Criteria.Timeout)
	assert.Equal(t, "my-agent --headless", cfg.Agent.Command)
	assert.True(t, cfg.Checkpoint.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  max_parallel: 4\n"), 0o600))

	t.Setenv("SCHEDULER_MAX_PARALLEL", "7")
	t.Setenv("AGENT_COMMAND", "env-agent")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Scheduler.MaxParallel)
	assert.Equal(t, "env-agent", cfg.Agent.Command)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Scheduler.MaxParallel)
}

func TestLoad_InvalidValues(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"negative parallel", "scheduler:\n  max_parallel: -1\n", "max_parallel"},
		{"bad format", "logging:\n  format: xml\n", "logging.format"},
		{"telemetry without endpoint", "telemetry:\n  enabled: true\n", "telemetry.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/repo", ".orchd", "config.yaml"), DefaultPath("/repo"))
}
