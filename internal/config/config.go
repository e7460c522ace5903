package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/whookdev/actionproxy/internal/util"
)

// Config is read once at startup and never re-read. The core only uses
// Host and Port; the remaining fields are handed to the action runner and
// the lifecycle registration as they are.
type Config struct {
	Port     int
	Host     string
	ServerID string

	APIHost         string
	AllowConcurrent bool
	ActionDir       string

	RedisURL string

	HealthCheckInterval int
}

func NewConfig() (*Config, error) {
	godotenv.Load()
	port, err := strconv.Atoi(getEnvWithDefault("PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	allowConcurrent, err := strconv.ParseBool(getEnvWithDefault("__OW_ALLOW_CONCURRENT", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid concurrency allowance: %w", err)
	}

	interval, err := strconv.Atoi(getEnvWithDefault("HEALTH_CHECK_INTERVAL", "15"))
	if err != nil {
		return nil, fmt.Errorf("invalid health check interval: %w", err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("invalid health check interval: %d", interval)
	}

	return &Config{
		Port:                port,
		Host:                getEnvWithDefault("HOST", "0.0.0.0"),
		ServerID:            getEnvWithDefault("SERVER_ID", util.DefaultServerID()),
		APIHost:             os.Getenv("__OW_API_HOST"),
		AllowConcurrent:     allowConcurrent,
		ActionDir:           os.Getenv("ACTION_DIR"),
		RedisURL:            os.Getenv("REDIS_URL"),
		HealthCheckInterval: interval,
	}, nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return defaultValue
}
