package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowpoint/checkpoint"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.BackendMemory, cfg.Checkpoint.Backend)
	assert.Equal(t, checkpoint.DefaultSQLitePath, cfg.Checkpoint.Path)
	assert.Equal(t, string(checkpoint.ResumeFromLast), cfg.Checkpoint.RecoveryMode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, checkpoint.ResumeFromLast, cfg.RecoveryMode())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
checkpoint:
  backend: sqlite
  path: /var/lib/app/checkpoints.db
  recovery_mode: restart_task
log_level: debug
metrics_addr: ":9102"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.BackendSQLite, cfg.Checkpoint.Backend)
	assert.Equal(t, "/var/lib/app/checkpoints.db", cfg.Checkpoint.Path)
	assert.Equal(t, checkpoint.RestartTask, cfg.RecoveryMode())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9102", cfg.MetricsAddr)
}

func TestFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checkpoint:\n  backend: memory\n"), 0o644))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{
		"--checkpoint-backend=sqlite",
		"--checkpoint-path=./state.db",
		"--recovery-mode=skip_failed",
	}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.BackendSQLite, cfg.Checkpoint.Backend)
	assert.Equal(t, "./state.db", cfg.Checkpoint.Path)
	assert.Equal(t, checkpoint.SkipFailed, cfg.RecoveryMode())
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checkpoint:\n  backend: etcd\n"), 0o644))

	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown checkpoint backend")
}

func TestLoadRejectsUnknownRecoveryMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checkpoint:\n  recovery_mode: hope\n"), 0o644))

	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown recovery mode")
}

func TestLoadRequiresRedisAddr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checkpoint:\n  backend: redis\n"), 0o644))

	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis address is required")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}
