package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "3000", cfg.HTTPPort)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, 30*time.Second, cfg.OracleTimeout)
	assert.Equal(t, 60, cfg.CheckDefaultSeconds)
	assert.True(t, cfg.SingleActiveCheck)
	assert.False(t, cfg.CloudinaryConfigured())
	assert.Empty(t, cfg.TrustedProxies, "no proxy is trusted unless configured")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("FACE_SKIP", "true")
	t.Setenv("ORACLE_TIMEOUT", "5s")
	t.Setenv("RATE_LIMIT_PER_MIN", "7")
	t.Setenv("ATTENDANCE_SINGLE_ACTIVE", "false")
	t.Setenv("APP_ENV", "prod")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.1, 192.168.0.0/16,")

	cfg := Load()
	assert.Equal(t, "9999", cfg.HTTPPort)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.True(t, cfg.FaceSkip)
	assert.Equal(t, 5*time.Second, cfg.OracleTimeout)
	assert.Equal(t, 7, cfg.RateLimitPerMin)
	assert.False(t, cfg.SingleActiveCheck)
	assert.True(t, cfg.Production())
	assert.Equal(t, []string{"10.0.0.1", "192.168.0.0/16"}, cfg.TrustedProxies)
}
