package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (optional: dedup + rate limiting degrade without it)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Webhook delivery
	WebhookTimeout     time.Duration
	WebhookBackoffBase time.Duration
	WebhookMaxAttempts int

	// Realtime
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration

	// Notifications
	ExpirySweepInterval time.Duration

	// API rate limiting
	RateLimitPerMinute int
}

// Load reads configuration from the environment with sensible defaults.
// A .env file in the working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "oriva",
		DBName:    "oriva_platform",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		WebhookTimeout:     30 * time.Second,
		WebhookBackoffBase: 1 * time.Second,
		WebhookMaxAttempts: 5,

		HeartbeatInterval: 30 * time.Second,
		StaleAfter:        120 * time.Second,

		ExpirySweepInterval: 1 * time.Minute,

		RateLimitPerMinute: 100,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = time.Duration(t) * time.Second
	}

	if attempts := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); attempts != "" {
		a, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_MAX_ATTEMPTS: %w", err)
		}
		cfg.WebhookMaxAttempts = a
	}

	if interval := os.Getenv("HEARTBEAT_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid HEARTBEAT_INTERVAL: %w", err)
		}
		cfg.HeartbeatInterval = d
	}

	if stale := os.Getenv("STALE_AFTER"); stale != "" {
		d, err := time.ParseDuration(stale)
		if err != nil {
			return nil, fmt.Errorf("invalid STALE_AFTER: %w", err)
		}
		cfg.StaleAfter = d
	}

	if sweep := os.Getenv("EXPIRY_SWEEP_INTERVAL"); sweep != "" {
		d, err := time.ParseDuration(sweep)
		if err != nil {
			return nil, fmt.Errorf("invalid EXPIRY_SWEEP_INTERVAL: %w", err)
		}
		cfg.ExpirySweepInterval = d
	}

	if limit := os.Getenv("RATE_LIMIT_PER_MINUTE"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.RateLimitPerMinute = l
	}

	return cfg, nil
}
