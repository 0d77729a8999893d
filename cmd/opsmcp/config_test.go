package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "do it", cfg.TriggerPhrase)
	assert.Equal(t, 30*time.Second, cfg.ApprovalTimeout.Duration)
	assert.Equal(t, 24*time.Hour, cfg.SessionMaxAge.Duration)

	// A missing file also falls back to defaults.
	cfg, err = loadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "opsmcp", cfg.ServerName)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsmcp.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen = ":9090"
server_name = "ops"
trigger_phrase = "make it so"
approval_timeout = "45s"
session_max_age = "1h"
api_keys = ["k1", "k2"]
jwt_secret_env = "OPSMCP_TEST_JWT_SECRET"
log_level = "debug"
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "make it so", cfg.TriggerPhrase)
	assert.Equal(t, 45*time.Second, cfg.ApprovalTimeout.Duration)
	assert.Equal(t, time.Hour, cfg.SessionMaxAge.Duration)
	assert.Equal(t, []string{"k1", "k2"}, cfg.APIKeys)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`approval_timeout = "soon"`), 0o600))

	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestJWTSecretFromEnv(t *testing.T) {
	cfg := defaultServerConfig()
	assert.Nil(t, cfg.jwtSecret())

	cfg.JWTSecretEnv = "OPSMCP_TEST_JWT_SECRET"
	assert.Nil(t, cfg.jwtSecret())

	t.Setenv("OPSMCP_TEST_JWT_SECRET", "s3cret")
	assert.Equal(t, []byte("s3cret"), cfg.jwtSecret())
}
