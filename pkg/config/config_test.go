package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("THREADRUN_DATA_DIR", "")
	t.Setenv("THREADRUN_MODEL", "")
	t.Setenv("THREADRUN_ADDR", "")
	t.Setenv("THREADRUN_ASSISTANT_ID", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "Presentate", cfg.Session.SeedMessage)
	assert.Equal(t, time.Second, cfg.Poll.Interval)
	assert.Equal(t, 300, cfg.Poll.MaxAttempts)
	assert.Equal(t, 3, cfg.Poll.MaxTransientErrors)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("THREADRUN_MODEL", "")
	path := filepath.Join(t.TempDir(), "threadrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gemini:
  model: gemini-2.5-flash
storage:
  history_driver: json
poll:
  interval: 250ms
  max_attempts: 40
hosted:
  run_expiry: 2m
session:
  seed_message: Hola
  assistant:
    name: Tutor
    instructions: Explain step by step.
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", cfg.Gemini.Model)
	assert.Equal(t, DriverJSON, cfg.Storage.HistoryDriver)
	assert.Equal(t, "data", cfg.Storage.DataDir)
	assert.Equal(t, 250*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, 40, cfg.Poll.MaxAttempts)
	assert.Equal(t, 3, cfg.Poll.MaxTransientErrors)
	assert.Equal(t, 2*time.Minute, cfg.Hosted.RunExpiry)
	assert.Equal(t, "Hola", cfg.Session.SeedMessage)
	assert.Equal(t, filepath.Join("data", "chat_threads.json"), cfg.HistoryPath())

	d := cfg.Details()
	assert.Equal(t, "Tutor", d.Name)
	assert.Equal(t, "gemini-2.5-flash", d.Model)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "key-123")
	t.Setenv("THREADRUN_DATA_DIR", "/var/lib/threadrun")
	t.Setenv("THREADRUN_MODEL", "gemini-2.5-pro")
	t.Setenv("THREADRUN_ADDR", ":9090")
	t.Setenv("THREADRUN_ASSISTANT_ID", "asst_1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "key-123", cfg.Gemini.APIKey)
	assert.Equal(t, "/var/lib/threadrun", cfg.Storage.DataDir)
	assert.Equal(t, "gemini-2.5-pro", cfg.Gemini.Model)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "asst_1", cfg.Session.AssistantID)
	assert.Equal(t, filepath.Join("/var/lib/threadrun", "threadrun.db"), cfg.HostedDBPath())
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("gemini: [unclosed"), 0644))
	_, err := Load(bad)
	assert.ErrorContains(t, err, "failed to parse config")

	driver := filepath.Join(dir, "driver.yaml")
	require.NoError(t, os.WriteFile(driver, []byte("storage:\n  history_driver: postgres\n"), 0644))
	_, err = Load(driver)
	assert.ErrorContains(t, err, "unknown driver")

	transient := filepath.Join(dir, "transient.yaml")
	require.NoError(t, os.WriteFile(transient, []byte("poll:\n  max_transient_errors: 0\n"), 0644))
	_, err = Load(transient)
	assert.ErrorContains(t, err, "poll.max_transient_errors")
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("THREADRUN_DATA_DIR", "")
	t.Setenv("THREADRUN_MODEL", "")
	t.Setenv("THREADRUN_ADDR", "")
	t.Setenv("THREADRUN_ASSISTANT_ID", "")

	path := filepath.Join(t.TempDir(), "nested", "threadrun.yaml")
	cfg := DefaultConfig()
	cfg.Server.Addr = ":7000"
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
