package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeLocal, cfg.Mode)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 100, cfg.SSE.MaxClients)
	assert.Equal(t, 30*time.Second, cfg.SSE.HeartbeatInterval)
	assert.Equal(t, 8, cfg.Executor.MaxConcurrency)
	assert.Equal(t, 10*time.Second, cfg.Executor.TaskTimeout)
	assert.False(t, cfg.Executor.AILEnabled)
	assert.Equal(t, 3, cfg.Sandbox.MaxCapabilityDepth)
	assert.Equal(t, "http://localhost:8080", cfg.CORSOrigin())
}

func TestLoadCloudMode(t *testing.T) {
	t.Setenv("GATEWAY_MODE", "cloud")
	t.Setenv("DOMAIN", "gateway.example.com")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("ADMIN_USERNAMES", "Alice, bob ,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ModeCloud, cfg.Mode)
	assert.Equal(t, "https://gateway.example.com", cfg.CORSOrigin())
	assert.Equal(t, []string{"Alice", "bob"}, cfg.AdminUsernames)
	assert.True(t, cfg.IsAdmin("ALICE"))
	assert.True(t, cfg.IsAdmin("Bob"))
	assert.False(t, cfg.IsAdmin("mallory"))
}

func TestLoadCloudModeRequiresDomain(t *testing.T) {
	t.Setenv("GATEWAY_MODE", "cloud")
	t.Setenv("DOMAIN", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DOMAIN")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad mode", "GATEWAY_MODE", "staging"},
		{"bad port", "HTTP_PORT", "99999"},
		{"non-numeric port", "HTTP_PORT", "eighty"},
		{"bad duration", "SSE_HEARTBEAT_INTERVAL", "soon"},
		{"bad trigger", "EXECUTOR_AIL_TRIGGER", "sometimes"},
		{"zero clients", "SSE_MAX_CLIENTS", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EXECUTOR_AIL_ENABLED", "true")
	t.Setenv("EXECUTOR_AIL_TRIGGER", "on_error")
	t.Setenv("SANDBOX_TIMEOUT", "5s")
	t.Setenv("POOL_MAX_SIZE", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Executor.AILEnabled)
	assert.Equal(t, "on_error", cfg.Executor.AILTrigger)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, 3, cfg.Pool.MaxSize)
}
