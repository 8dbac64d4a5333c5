package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/beach")
	t.Setenv("PUBLISH_TOKEN_SECRET", "secret")
	t.Setenv("AUTH_BYPASS", "1")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.BindAddr)
	assert.Equal(t, "redis://localhost:6379/0", cfg.BrokerURL)
	assert.Equal(t, 90*time.Second, cfg.StaleSessionMaxIdle)
	assert.Equal(t, 15*time.Second, cfg.HealthReportInterval)
	assert.True(t, cfg.AuthBypass)
	assert.False(t, cfg.StrictGating)
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MANAGER_BIND_ADDR", ":9999")
	t.Setenv("CONTROLLER_STRICT_GATING", "true")
	t.Setenv("STALE_SESSION_MAX_IDLE", "2m")
	t.Setenv("VIEWER_HEALTH_REPORT_INTERVAL", "30")
	t.Setenv("BEACH_ICE_PORT_START", "50000")
	t.Setenv("BEACH_ICE_PORT_END", "50100")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.BindAddr)
	assert.True(t, cfg.StrictGating)
	assert.Equal(t, 2*time.Minute, cfg.StaleSessionMaxIdle)
	assert.Equal(t, 30*time.Second, cfg.HealthReportInterval, "bare numbers are seconds")
	assert.Equal(t, uint16(50000), cfg.ICEPortStart)
	assert.Equal(t, uint16(50100), cfg.ICEPortEnd)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			"Missing database",
			map[string]string{"PUBLISH_TOKEN_SECRET": "x", "AUTH_BYPASS": "1"},
		},
		{
			"Missing publish secret",
			map[string]string{"DATABASE_URL": "postgres://x", "AUTH_BYPASS": "1"},
		},
		{
			"JWT config required without bypass",
			map[string]string{"DATABASE_URL": "postgres://x", "PUBLISH_TOKEN_SECRET": "x"},
		},
		{
			"ICE ports must come together",
			map[string]string{
				"DATABASE_URL": "postgres://x", "PUBLISH_TOKEN_SECRET": "x",
				"AUTH_BYPASS": "1", "BEACH_ICE_PORT_START": "50000",
			},
		},
		{
			"ICE range inverted",
			map[string]string{
				"DATABASE_URL": "postgres://x", "PUBLISH_TOKEN_SECRET": "x",
				"AUTH_BYPASS": "1", "BEACH_ICE_PORT_START": "50100", "BEACH_ICE_PORT_END": "50000",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear the required keys, then apply the case's env.
			for _, k := range []string{"DATABASE_URL", "PUBLISH_TOKEN_SECRET", "AUTH_BYPASS",
				"BEACH_GATE_JWKS_URL", "BEACH_GATE_ISSUER", "BEACH_GATE_AUDIENCE",
				"BEACH_ICE_PORT_START", "BEACH_ICE_PORT_END"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
