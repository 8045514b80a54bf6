package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig carries the process-level knobs. Engine behavior (retries,
// breakers, priorities) is configured per task in code, not here.
type AppConfig struct {
	HTTPPort    string
	DatabaseURL string
	RedisURL    string // "" disables the Redis metrics mirror
	Workers     int    // scheduler pool size, 0 = NumCPU
	GlobalLimit int    // concurrent runs, 0 = unlimited
	Tick        time.Duration
}

// Load reads the environment, consulting .env first when present.
func Load() AppConfig {
	_ = godotenv.Load()

	cfg := AppConfig{
		HTTPPort:    envOr("CONDUCTOR_PORT", "8181"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		Workers:     envInt("CONDUCTOR_WORKERS", 0),
		GlobalLimit: envInt("CONDUCTOR_GLOBAL_LIMIT", 0),
		Tick:        envDuration("CONDUCTOR_TICK", 200*time.Millisecond),
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = databaseURLFromParts()
	}
	return cfg
}

// databaseURLFromParts assembles a DSN from the discrete DB_* variables
// the migrations tooling also understands. Empty when nothing is set.
func databaseURLFromParts() string {
	user := os.Getenv("DB_USERNAME")
	pass := os.Getenv("DB_PASSWORD")
	host := os.Getenv("DB_HOST")
	port := envOr("DB_PORT", "5432")
	name := os.Getenv("DB_NAME")
	if user == "" || host == "" || name == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
