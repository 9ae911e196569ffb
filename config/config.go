// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Port               string
	Store              string
	SQLitePath         string
	DatabaseURL        string
	DefaultPlanMinutes int
	CORSOrigins        []string
	RateLimitRPS       float64
	RateLimitBurst     int
	LogLevel           slog.Level
}

// Load reads an optional .env file, then TIMEBANK_* variables, and
// validates the result. Unset variables take their defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("TIMEBANK_PORT", "8080"),
		Store:              getEnv("TIMEBANK_STORE", StoreSQLite),
		SQLitePath:         getEnv("TIMEBANK_SQLITE_PATH", "./data/timebank.db"),
		DatabaseURL:        os.Getenv("TIMEBANK_DATABASE_URL"),
		DefaultPlanMinutes: getEnvInt("TIMEBANK_DEFAULT_PLAN_MINUTES", 300),
		CORSOrigins:        splitList(getEnv("TIMEBANK_CORS_ORIGINS", "*")),
		RateLimitRPS:       getEnvFloat("TIMEBANK_RATE_LIMIT_RPS", 10),
		RateLimitBurst:     getEnvInt("TIMEBANK_RATE_LIMIT_BURST", 20),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("TIMEBANK_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid TIMEBANK_LOG_LEVEL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements. cmd/server calls it again after
// applying flag overrides.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("TIMEBANK_SQLITE_PATH is required when TIMEBANK_STORE=sqlite")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("TIMEBANK_DATABASE_URL is required when TIMEBANK_STORE=postgres")
		}
	default:
		return fmt.Errorf("invalid store %q, must be 'memory', 'sqlite' or 'postgres'", c.Store)
	}

	if c.Port == "" {
		return fmt.Errorf("TIMEBANK_PORT must not be empty")
	}
	if c.DefaultPlanMinutes < 0 {
		return fmt.Errorf("TIMEBANK_DEFAULT_PLAN_MINUTES must not be negative, got %d", c.DefaultPlanMinutes)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
