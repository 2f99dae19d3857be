// Package config loads the server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full server configuration.
type Config struct {
	Port string

	// DatabaseURL goes through the pooler; DirectDatabaseURL bypasses it for
	// the reconciler's long scans. DirectDatabaseURL falls back to
	// DatabaseURL when unset.
	DatabaseURL       string
	DirectDatabaseURL string
	RedisURL          string

	SessionSecret string

	AsyncImageProcessing  bool
	ReconcilerStartDelay  time.Duration
	ReconcilerInterval    time.Duration
	ReconcilerStaleCutoff time.Duration

	DBWarmupWindow time.Duration
	DBPoolSize     int32
	DBConnMaxAge   time.Duration
}

// Load reads the environment. Missing required variables are an error;
// everything else has a default.
func Load() (*Config, error) {
	c := &Config{
		Port:                  envOr("PORT", "8080"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DirectDatabaseURL:     os.Getenv("DIRECT_DATABASE_URL"),
		RedisURL:              envOr("REDIS_URL", "redis://localhost:6379/0"),
		SessionSecret:         os.Getenv("SESSION_SECRET"),
		AsyncImageProcessing:  envBool("ASYNC_IMAGE_PROCESSING", true),
		ReconcilerStartDelay:  envMillis("RECONCILER_STARTUP_DELAY_MS", 3000),
		ReconcilerInterval:    envMillis("RECONCILER_INTERVAL_MS", 60000),
		ReconcilerStaleCutoff: envMillis("RECONCILER_STALE_CUTOFF_MS", 5*60*1000),
		DBWarmupWindow:        envMillis("DB_WARMUP_WINDOW_MS", 2500),
		DBPoolSize:            int32(envInt("DB_POOL_SIZE", 5)),
		DBConnMaxAge:          envMillis("DB_CONN_MAX_AGE_MS", 300000),
	}

	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.SessionSecret == "" {
		return nil, fmt.Errorf("config: SESSION_SECRET is required")
	}
	if c.DirectDatabaseURL == "" {
		c.DirectDatabaseURL = c.DatabaseURL
	}
	return c, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envMillis(key string, defMS int) time.Duration {
	return time.Duration(envInt(key, defMS)) * time.Millisecond
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
