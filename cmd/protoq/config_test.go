package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protoq/protoq/pkg/schema"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir()) // ignore any real ~/.protoq/protoq.toml

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "libsql", cfg.Store.Backend)
	assert.Equal(t, 300, cfg.PacingMS)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protoq.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr = ":9999"
pacing_ms = 50

[store]
backend = "memory"

[[schedule]]
name = "nightly"
cron = "0 3 * * *"
protocol = "/etc/protoq/wash.json"
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 50*time.Millisecond, cfg.pacingDelay())
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "nightly", cfg.Schedules[0].Name)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protoq.toml")
	require.NoError(t, os.WriteFile(path, []byte(`listen_addr = ":9999"`), 0o600))
	t.Setenv("PROTOQ_LISTEN_ADDR", ":7777")
	t.Setenv("PROTOQ_STORE_BACKEND", "memory")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.ListenAddr)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PROTOQ_STORE_BACKEND", "postgres")

	_, err := loadConfig("")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCodeOf(err))
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestPacingDelayConvention(t *testing.T) {
	assert.Equal(t, time.Duration(0), Config{PacingMS: 0}.pacingDelay())
	assert.Equal(t, time.Duration(-1), Config{PacingMS: -5}.pacingDelay())
	assert.Equal(t, 300*time.Millisecond, Config{PacingMS: 300}.pacingDelay())
}

func TestLoadProtocol(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wash.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"name": "wash",
		"commands": [{"tool_id": "pump-1", "tool_type": "syringe_pump", "command": "prime"}]
	}`), 0o600))

	req, err := loadProtocol(path)
	require.NoError(t, err)
	assert.Equal(t, "wash", req.Name)
	require.Len(t, req.Commands, 1)
	assert.Equal(t, "prime", req.Commands[0].Command)
}

func TestLoadProtocolBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	_, err := loadProtocol(path)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCodeOf(err))
}
