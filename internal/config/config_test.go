package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DEVICE_ID", "kiosk-1")
	t.Setenv("DEVICE_EMPLOYEES", "emp-1, emp-2,")
	t.Setenv("BACKEND_BASE_URL", "https://hris.example.com/api")
	t.Setenv("JWT_SECRET_KEY", "secret")
}

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"emp-1", "emp-2"}, cfg.Device.Employees)
	assert.Equal(t, 8787, cfg.App.Port)
	assert.Equal(t, 10*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Backend.BulkTimeout)
	assert.Equal(t, 3, cfg.Backend.MaxAttempts)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, 7*24*time.Hour, cfg.Sync.Retention)
	assert.Equal(t, time.Hour, cfg.Sync.CleanupInterval)
	assert.Equal(t, "http", cfg.Realtime.Transport)
	assert.Equal(t, 30*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, 5, cfg.Realtime.ReconnectMaxAttempts)
	assert.Equal(t, 2, cfg.Network.FailureThreshold)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_FromEnvFile(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SYNC_MODE=batch\nSYNC_INTERVAL=45s\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("SYNC_MODE")
		os.Unsetenv("SYNC_INTERVAL")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "batch", cfg.Sync.Mode)
	assert.Equal(t, 45*time.Second, cfg.Sync.Interval)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad int", "APP_PORT", "eighty"},
		{"bad duration", "SYNC_INTERVAL", "soon"},
		{"bad driver", "STORE_DRIVER", "redis"},
		{"bad mode", "SYNC_MODE", "eventually"},
		{"bad transport", "REALTIME_TRANSPORT", "carrier-pigeon"},
		{"bad timezone", "DEVICE_TIMEZONE", "Mars/Olympus"},
		{"mqtt without broker", "REALTIME_TRANSPORT", "mqtt"},
		{"postgres without password", "STORE_DRIVER", "postgres"},
		{"relative backend url", "BACKEND_BASE_URL", "hris.example.com/api"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load(missingEnvFile(t))
			assert.Error(t, err)
		})
	}
}

func TestLoad_RequiresDevice(t *testing.T) {
	setRequired(t)
	t.Setenv("DEVICE_EMPLOYEES", "")

	_, err := Load(missingEnvFile(t))
	assert.ErrorContains(t, err, "DEVICE_EMPLOYEES")
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Database: DatabaseConfig{
		Host: "db", Port: 5433, User: "u", Password: "p", Name: "presence", SSLMode: "require",
	}}}
	assert.Equal(t, "postgres://u:p@db:5433/presence?sslmode=require", cfg.DatabaseURL())
}
