package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr              string
	DatabaseDSN       string // empty means in-memory stores (dev mode)
	CoordinatorSecret string
	AllowedOrigins    []string
	DefaultRunLimit   time.Duration
	SweepInterval     time.Duration
}

// Load reads configuration from the environment. A .env file is honored when
// present so local runs don't need exported vars.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Addr:              envStr("LOBBY_ADDR", ":8080"),
		DatabaseDSN:       envStr("LOBBY_DATABASE_DSN", ""),
		CoordinatorSecret: envStr("LOBBY_COORDINATOR_SECRET", ""),
		AllowedOrigins:    envList("LOBBY_ALLOWED_ORIGINS", "*"),
		DefaultRunLimit:   envDur("LOBBY_DEFAULT_RUN_LIMIT", 60*time.Minute),
		SweepInterval:     envDur("LOBBY_SWEEP_INTERVAL", 15*time.Second),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key, fallback string) []string {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
