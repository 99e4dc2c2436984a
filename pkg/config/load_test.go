package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veritax-labs/verifactu-core/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("VERIFACTU_DB_DRIVER", "")
	t.Setenv("VERIFACTU_DB_DSN", "")
	t.Setenv("VERIFACTU_PROFILE", "")
	t.Setenv("VERIFACTU_TELEMETRY", "")

	s, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.Driver)
	assert.Equal(t, "verifactu.db", s.DSN)
	assert.Equal(t, "INFO", s.LogLevel)
	assert.False(t, s.Telemetry)
}

func TestLoad_ProfileOverridesEnv(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(profile, []byte(
		"driver: postgres\ndsn: postgres://verifactu@localhost/verifactu\nissuer_nif: B12345678\n"), 0o600))

	t.Setenv("VERIFACTU_DB_DRIVER", "sqlite")
	t.Setenv("VERIFACTU_PROFILE", profile)

	s, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", s.Driver)
	assert.Equal(t, "B12345678", s.IssuerNIF)
}

func TestLoad_BadTelemetryFlag(t *testing.T) {
	t.Setenv("VERIFACTU_TELEMETRY", "sometimes")
	t.Setenv("VERIFACTU_PROFILE", "")
	_, err := config.Load()
	assert.Error(t, err)
}
