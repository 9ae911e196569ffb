package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"TIMEBANK_PORT", "TIMEBANK_STORE", "TIMEBANK_SQLITE_PATH", "TIMEBANK_DATABASE_URL",
		"TIMEBANK_DEFAULT_PLAN_MINUTES", "TIMEBANK_CORS_ORIGINS", "TIMEBANK_RATE_LIMIT_RPS",
		"TIMEBANK_RATE_LIMIT_BURST", "TIMEBANK_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, 300, cfg.DefaultPlanMinutes)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("TIMEBANK_PORT", "9090")
	t.Setenv("TIMEBANK_STORE", "memory")
	t.Setenv("TIMEBANK_DEFAULT_PLAN_MINUTES", "120")
	t.Setenv("TIMEBANK_CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("TIMEBANK_RATE_LIMIT_RPS", "2.5")
	t.Setenv("TIMEBANK_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 120, cfg.DefaultPlanMinutes)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("unknown store", func(t *testing.T) {
		t.Setenv("TIMEBANK_STORE", "redis")
		_, err := Load()
		assert.ErrorContains(t, err, "invalid store")
	})

	t.Run("postgres without url", func(t *testing.T) {
		t.Setenv("TIMEBANK_STORE", "postgres")
		t.Setenv("TIMEBANK_DATABASE_URL", "")
		_, err := Load()
		assert.ErrorContains(t, err, "TIMEBANK_DATABASE_URL")
	})

	t.Run("negative plan", func(t *testing.T) {
		t.Setenv("TIMEBANK_STORE", "memory")
		t.Setenv("TIMEBANK_DEFAULT_PLAN_MINUTES", "-5")
		_, err := Load()
		assert.ErrorContains(t, err, "must not be negative")
	})

	t.Run("bad log level", func(t *testing.T) {
		t.Setenv("TIMEBANK_STORE", "memory")
		t.Setenv("TIMEBANK_LOG_LEVEL", "loud")
		_, err := Load()
		assert.ErrorContains(t, err, "TIMEBANK_LOG_LEVEL")
	})
}
