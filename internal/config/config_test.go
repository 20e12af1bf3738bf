package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	clearProviderEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 4, cfg.MaxConcurrentProcessing)
	assert.Equal(t, 3, cfg.MaxRetryAttempts)
	assert.True(t, cfg.AutoRestartQueue)
	assert.Equal(t, 0.7, cfg.SafetyFactorLow)
	assert.Equal(t, 0.8, cfg.SafetyFactorHigh)
	assert.Equal(t, 28, cfg.SumEnabledLimits())
}

func TestLoad_RejectsSafetyFactorOutOfBounds(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("SAFETY_FACTOR_LOW", "0.1")

	_, err := Load()
	require.Error(t, err)
}

func TestProviders_RespectsDisabled(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("PROVIDER_RECEITAWS_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.SumEnabledLimits())
}

func TestIsDevIsProdIsTest(t *testing.T) {
	cfg := Config{AppEnv: "prod"}
	assert.True(t, cfg.IsProd())
	assert.False(t, cfg.IsDev())
	cfg.AppEnv = "TEST"
	assert.True(t, cfg.IsTest())
}

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"APP_ENV", "SAFETY_FACTOR_LOW", "SAFETY_FACTOR_HIGH",
		"PROVIDER_RECEITAWS_ENABLED", "PROVIDER_CNPJA_ENABLED", "PROVIDER_BRASILAPI_ENABLED",
	} {
		require.NoError(t, os.Unsetenv(k))
	}
}
