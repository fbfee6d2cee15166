package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"visitorlog/db"
	"visitorlog/logging"
)

type Config struct {
	DB        db.PoolConfig
	Port      string
	LogLevel  string
	StaticDir string

	RateLimitMax    int
	RateLimitWindow time.Duration

	CORSAllowedOrigins []string

	AdminUsername     string
	AdminPasswordHash string
	AdminJWTSecret    string

	ShutdownTimeout time.Duration
}

// AdminEnabled reports whether the admin endpoints should be mounted.
func (c Config) AdminEnabled() bool { return c.AdminPasswordHash != "" }

// loadConfig reads the environment. The returned Config is usable for
// logging even when err is non-nil.
func loadConfig() (Config, error) {
	var errs []error

	cfg := Config{
		DB: db.PoolConfig{
			Host:           getEnv("POSTGRES_HOST", "postgres"),
			Database:       getEnv("POSTGRES_DB", "postgres"),
			User:           getEnv("POSTGRES_USER", "postgres"),
			Password:       os.Getenv("POSTGRES_PASSWORD"),
			SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
			MaxOpenConns:   20,
			MaxIdleTime:    30 * time.Second,
			ConnectTimeout: 2 * time.Second,
		},
		Port:               getEnv("PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		StaticDir:          os.Getenv("STATIC_DIR"),
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		AdminUsername:      getEnv("ADMIN_USERNAME", "admin"),
		AdminPasswordHash:  os.Getenv("ADMIN_PASSWORD_HASH"),
		AdminJWTSecret:     os.Getenv("ADMIN_JWT_SECRET"),
	}

	var err error
	if cfg.DB.Port, err = getEnvInt("POSTGRES_PORT", 5432); err != nil {
		errs = append(errs, err)
	}
	if cfg.RateLimitMax, err = getEnvInt("RATE_LIMIT_MAX", 10); err != nil {
		errs = append(errs, err)
	} else if cfg.RateLimitMax < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX must be at least 1"))
	}
	if cfg.RateLimitWindow, err = getEnvDuration("RATE_LIMIT_WINDOW", 15*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	if cfg.DB.Password == "" {
		errs = append(errs, errors.New("POSTGRES_PASSWORD is required"))
	}
	if cfg.AdminEnabled() && cfg.AdminJWTSecret == "" {
		errs = append(errs, errors.New("ADMIN_JWT_SECRET is required when ADMIN_PASSWORD_HASH is set"))
	}

	return cfg, errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback, fmt.Errorf("%s: %q is not a positive duration", key, v)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
