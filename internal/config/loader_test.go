package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_ParsesBackupSection(t *testing.T) {
	path := writeConfig(t, `
database:
  host: "db.example.com"
  name: "shop"
  user: "backup"
storage:
  path: "/srv/app/storage"
backup:
  compression: high
  codec: zstd
  retention_days: 7
  incremental_window: 12h
`)

	var cfg Config
	require.NoError(t, cfg.Load(path))

	assert.Equal(t, "db.example.com", cfg.Database.Host)
	assert.Equal(t, "3306", cfg.Database.Port)
	assert.Equal(t, "high", cfg.Backup.Compression)
	assert.Equal(t, "zstd", cfg.Backup.Codec)
	assert.Equal(t, 7, cfg.Backup.RetentionDays)
	assert.Equal(t, 12*time.Hour, cfg.Backup.IncrementalWindow)
	assert.Equal(t, time.Hour, cfg.Backup.StaleAfter)
	assert.Equal(t, 100, cfg.Backup.HistoryLimit)
	assert.True(t, cfg.Database.Configured())
}

func TestLoad_Defaults(t *testing.T) {
	var cfg Config
	require.NoError(t, cfg.Load(""))

	assert.Equal(t, "medium", cfg.Backup.Compression)
	assert.Equal(t, "gzip", cfg.Backup.Codec)
	assert.Equal(t, 30, cfg.Backup.RetentionDays)
	assert.Equal(t, 24*time.Hour, cfg.Backup.IncrementalWindow)
	assert.ElementsMatch(t, []string{"cache", "tmp", "temp", "sessions"}, cfg.Storage.Excludes)
	assert.False(t, cfg.Database.Configured())
	assert.False(t, cfg.Vault.Enabled())
}

func TestLoad_EnvOverridesPassword(t *testing.T) {
	t.Setenv("SITEBACKUP_DATABASE_PASSWORD", "s3cr3t")
	path := writeConfig(t, `
database:
  name: "shop"
  user: "backup"
`)

	var cfg Config
	require.NoError(t, cfg.Load(path))
	assert.Equal(t, "s3cr3t", cfg.Database.Password)
}

func TestLoad_MergesIncludes(t *testing.T) {
	dir := t.TempDir()
	inc := filepath.Join(dir, "db.yaml")
	require.NoError(t, os.WriteFile(inc, []byte("database:\n  name: merged\n  user: root\n"), 0o600))
	path := writeConfig(t, "include:\n  - "+inc+"\n")

	var cfg Config
	require.NoError(t, cfg.Load(path))
	assert.Equal(t, "merged", cfg.Database.Name)
}

func TestLoad_RejectsUnknownCompression(t *testing.T) {
	path := writeConfig(t, "backup:\n  compression: extreme\n")

	var cfg Config
	err := cfg.Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidateConfig)
}

func TestLoad_RejectsHistoryLimitAboveCap(t *testing.T) {
	path := writeConfig(t, "backup:\n  history_limit: 500\n")

	var cfg Config
	assert.ErrorIs(t, cfg.Load(path), ErrValidateConfig)
}

func TestLoad_MissingFile(t *testing.T) {
	var cfg Config
	err := cfg.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrLoadConfig)
}
