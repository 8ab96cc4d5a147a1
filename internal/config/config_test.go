package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/mtcollector/internal/prompt"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Collector.Workers)
	assert.Equal(t, "export compact", cfg.Collector.ExportCommand)
	assert.Equal(t, "quit", cfg.Collector.LogoutCommand)
	assert.Equal(t, "\n", cfg.LineEnding())
	assert.True(t, cfg.Collector.AbortOnUnrecognized)
	assert.True(t, cfg.Collector.NormalizeOutput)
	assert.Equal(t, 30*time.Second, cfg.Collector.LoginTimeout)
	assert.Equal(t, TransportExec, cfg.SSH.Transport)
	assert.False(t, cfg.Database.SQLite.CreateIfMissing)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Same(t, cfg, Get())
}

func TestLoadOverridesAndEnv(t *testing.T) {
	t.Setenv("MTCOLLECT_COLLECTOR_WORKERS", "4")
	t.Setenv("MINIO_SECRET_FOR_TEST", "s3cr3t")

	path := writeConfig(t, `
collector:
  line_ending: "\\r\\n"
  command_timeout: 5s
  abort_on_unrecognized: false
  prompts:
    shell_ready: '\[\S+@\S+\] >'
ssh:
  transport: native
archive:
  enabled: true
  backend: minio
  minio:
    secret_key: ${MINIO_SECRET_FOR_TEST}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Collector.Workers)
	assert.Equal(t, "\r\n", cfg.LineEnding())
	assert.Equal(t, 5*time.Second, cfg.Collector.CommandTimeout)
	assert.False(t, cfg.Collector.AbortOnUnrecognized)
	assert.Equal(t, TransportNative, cfg.SSH.Transport)
	assert.Equal(t, "s3cr3t", cfg.Archive.Minio.SecretKey)

	d, err := cfg.Dialect()
	require.NoError(t, err)
	assert.Equal(t, `\[\S+@\S+\] >`, d.Expression(prompt.ShellReady))
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	_, err := Load(writeConfig(t, "collector:\n  prompts:\n    shell_ready: '[unclosed'\n"))
	assert.ErrorContains(t, err, "collector.prompts")

	_, err = Load(writeConfig(t, "collector:\n  prompts:\n    banner: 'x'\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "ssh:\n  transport: telnet\n"))
	assert.ErrorContains(t, err, "ssh.transport")

	_, err = Load(writeConfig(t, "collector:\n  workers: 0\n"))
	assert.ErrorContains(t, err, "collector.workers")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:8080", cfg.GetServerAddr())
	assert.Equal(t, "./data/mtcollector.db", cfg.Database.SQLite.Path)
}
