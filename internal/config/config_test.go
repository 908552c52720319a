package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("ENCRYPTION_KEY", "k")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8083", cfg.Port)
	require.Equal(t, DriverPostgres, cfg.StoreDriver)
	require.True(t, cfg.EncryptionOn)
	require.Equal(t, 10*time.Second, cfg.WSAuthTimeout)
	require.Equal(t, 4000, cfg.MaxMessageLength)
	require.False(t, cfg.S3.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("ENCRYPTION_ENABLED", "false")
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("WS_AUTH_TIMEOUT", "3s")
	t.Setenv("MAX_MESSAGE_LENGTH", "120")

	cfg, err := Load()
	require.NoError(t, err)
	require.False(t, cfg.EncryptionOn)
	require.Equal(t, DriverMemory, cfg.StoreDriver)
	require.Equal(t, 3*time.Second, cfg.WSAuthTimeout)
	require.Equal(t, 120, cfg.MaxMessageLength)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []map[string]string{
		{"JWT_SECRET": ""},
		{"JWT_SECRET": "s", "ENCRYPTION_KEY": ""},
		{"JWT_SECRET": "s", "ENCRYPTION_KEY": "k", "STORE_DRIVER": "mongo"},
		{"JWT_SECRET": "s", "ENCRYPTION_KEY": "k", "MAX_MESSAGE_LENGTH": "0"},
		{"JWT_SECRET": "s", "ENCRYPTION_KEY": "k", "ENCRYPTION_ENABLED": "maybe"},
	}
	for _, env := range cases {
		t.Run("", func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}
