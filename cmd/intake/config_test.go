package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := loadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "catalog.json"), cfg.CatalogPath)
	assert.Equal(t, filepath.Join(dir, "intake.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dir, "uploads"), cfg.UploadDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Empty(t, cfg.WebhookURL)

	ttl, err := cfg.sessionTTL()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, ttl)
}

func TestLoadConfig_SettingsThenEnv(t *testing.T) {
	dir := t.TempDir()
	settings := `{"db_path": "/data/intake.db", "log_level": "debug", "webhook_url": "https://hooks.example.com/a"}`
	require.NoError(t, os.WriteFile(settingsPath(dir), []byte(settings), 0o600))
	t.Setenv("INTAKE_WEBHOOK_URL", "https://hooks.example.com/b")
	t.Setenv("INTAKE_SESSION_TTL", "2h")

	cfg, err := loadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "/data/intake.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://hooks.example.com/b", cfg.WebhookURL, "env wins over settings.json")

	ttl, err := cfg.sessionTTL()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, ttl)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Run("bad settings file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(settingsPath(dir), []byte("{not json"), 0o600))
		_, err := loadConfig(dir)
		assert.Error(t, err)
	})

	t.Run("bad ttl", func(t *testing.T) {
		t.Setenv("INTAKE_SESSION_TTL", "soon")
		_, err := loadConfig(t.TempDir())
		assert.ErrorContains(t, err, "session_ttl")
	})

	t.Run("negative ttl", func(t *testing.T) {
		t.Setenv("INTAKE_SESSION_TTL", "-5m")
		_, err := loadConfig(t.TempDir())
		assert.ErrorContains(t, err, "positive")
	})

	t.Run("bad log format", func(t *testing.T) {
		t.Setenv("INTAKE_LOG_FORMAT", "xml")
		_, err := loadConfig(t.TempDir())
		assert.ErrorContains(t, err, "log_format")
	})
}
