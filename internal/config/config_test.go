package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("FREELANCEOS_SECURITY_MASTER_KEY", testMasterKey)
	t.Setenv("FREELANCEOS_ENVIRONMENT", "production")
	t.Setenv("FREELANCEOS_REDIS_OP_TIMEOUT", "100ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, testMasterKey, cfg.Security.MasterKey)
	assert.Equal(t, 100*time.Millisecond, cfg.Redis.OpTimeout)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "fail_open", cfg.Security.RateLimitFailure)
	assert.Equal(t, []int{3000, 3001, 4173, 5173, 5174, 8080}, cfg.Security.DevPorts)
	assert.Equal(t, 10000, cfg.Security.MaxInputLength)
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: staging
security:
  master_key: "`+testMasterKey+`"
  allowed_origins:
    - https://app.example.com
  rate_limit_failure: fail_closed
redis:
  enabled: false
`), 0o600))
	t.Setenv("FREELANCEOS_LOG_LEVEL", "debug")

	cfg, err := Load(path, filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, EnvStaging, cfg.Environment)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, "fail_closed", cfg.Security.RateLimitFailure)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadRejectsWeakMasterKey(t *testing.T) {
	t.Setenv("FREELANCEOS_SECURITY_MASTER_KEY", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MasterKey")
}

func TestValidateRejectsUnknownFailurePolicy(t *testing.T) {
	t.Setenv("FREELANCEOS_SECURITY_MASTER_KEY", testMasterKey)
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Security.RateLimitFailure = "maybe"
	assert.Error(t, Validate(cfg))
}
