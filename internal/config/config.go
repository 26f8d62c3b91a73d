package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the buyback engine.
type Config struct {
	Port     int
	LogLevel string

	// Optional backends. Empty means the in-memory / in-process fallback.
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	CacheTTL    time.Duration

	DefaultFundID string

	// Scheduled auto-processing. No shares configured disables the scheduler.
	AutoShares    []string
	AutoInterval  time.Duration
	AutoBatchSize int
	ClaimTimeout  time.Duration

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", port)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	cacheTTL, err := getDuration("CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}

	autoInterval, err := getDuration("AUTO_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTO_INTERVAL: %w", err)
	}
	if autoInterval <= 0 {
		return nil, fmt.Errorf("invalid AUTO_INTERVAL: must be positive")
	}

	autoBatchSize, err := getInt("AUTO_BATCH_SIZE", 50)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTO_BATCH_SIZE: %w", err)
	}
	if autoBatchSize <= 0 {
		return nil, fmt.Errorf("invalid AUTO_BATCH_SIZE: must be positive")
	}

	claimTimeout, err := getDuration("CLAIM_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid CLAIM_TIMEOUT: %w", err)
	}
	if claimTimeout <= 0 {
		return nil, fmt.Errorf("invalid CLAIM_TIMEOUT: must be positive")
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabaseURL:     getStr("DATABASE_URL", ""),
		RedisURL:        getStr("REDIS_URL", ""),
		NATSURL:         getStr("NATS_URL", ""),
		CacheTTL:        cacheTTL,
		DefaultFundID:   getStr("DEFAULT_FUND_ID", "buyback"),
		AutoShares:      getList("AUTO_SHARES"),
		AutoInterval:    autoInterval,
		AutoBatchSize:   autoBatchSize,
		ClaimTimeout:    claimTimeout,
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		IdleTimeout:     idleTimeout,
		ShutdownTimeout: shutdownTimeout,
	}, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

// getList splits a comma-separated value, dropping blanks.
func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
