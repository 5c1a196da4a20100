package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 20*time.Second, cfg.PollTimeout)
	assert.Equal(t, 3*time.Second, cfg.PairingWarmup)
	assert.Equal(t, 5, cfg.QRMaxAttempts)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("ENV", "production")
	t.Setenv("CORS_ORIGINS", "https://crm.example.com, https://app.example.com")
	t.Setenv("CONNECT_POLL_TIMEOUT_MS", "1000")
	t.Setenv("QR_MAX_ATTEMPTS", "3")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, []string{"https://crm.example.com", "https://app.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, time.Second, cfg.PollTimeout)
	assert.Equal(t, 3, cfg.QRMaxAttempts)
}

func TestGetIntIgnoresGarbage(t *testing.T) {
	t.Setenv("QR_MAX_ATTEMPTS", "not-a-number")
	cfg := Load()
	assert.Equal(t, 5, cfg.QRMaxAttempts)
}
