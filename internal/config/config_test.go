package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithSecretFromEnv(t *testing.T) {
	t.Setenv("RADPEER_JWT_SECRET", "env-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 5*time.Minute, cfg.Locks.TTL)
	assert.Equal(t, 15*time.Minute, cfg.WebSocket.InactivityTimeout)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("RADPEER_JWT_SECRET", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT secret")
}

func TestLoadFromYAMLFile(t *testing.T) {
	t.Setenv("RADPEER_JWT_SECRET", "")
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
redis:
  host: redis.internal
  port: "6380"
auth:
  jwt_secret: file-secret
locks:
  ttl: 2m
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr())
	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 2*time.Minute, cfg.Locks.TTL)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
auth:
  jwt_secret: file-secret
`), 0o600))

	t.Setenv("RADPEER_SERVER_PORT", "7070")
	t.Setenv("RADPEER_JWT_SECRET", "env-secret")
	t.Setenv("RADPEER_LOCK_TTL", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 90*time.Second, cfg.Locks.TTL)
}

func TestEnvOverridesReadLimit(t *testing.T) {
	t.Setenv("RADPEER_JWT_SECRET", "env-secret")
	t.Setenv("RADPEER_WS_READ_LIMIT_BYTES", "1048576")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), cfg.WebSocket.ReadLimitBytes)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg := getDefaultConfig()
		cfg.Auth.JWTSecret = "secret"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"non-numeric port", func(c *Config) { c.Server.Port = "http" }},
		{"zero lock ttl", func(c *Config) { c.Locks.TTL = 0 }},
		{"zero inactivity timeout", func(c *Config) { c.WebSocket.InactivityTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base().Validate())
}
