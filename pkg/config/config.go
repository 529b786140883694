package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the application configuration
type Config struct {
	Environment        string
	ServerPort         int
	RedisURL           string
	LogLevel           string
	CORSAllowedOrigins []string

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// StrictStageOrder requires crop stage N-1 to be Completed before stage
	// N may leave Pending. Off reproduces the unordered legacy behavior.
	StrictStageOrder bool
	// AcceptRetries is how often a version-conflicted availability write is
	// retried before the conflict is surfaced.
	AcceptRetries int

	DispatchIntervalSeconds  int
	ReconcileIntervalMinutes int
	DirectoryCacheTTLSeconds int
	MaxStageFiles            int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	port, err := strconv.Atoi(getEnv("SERVER_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	acceptRetries, err := strconv.Atoi(getEnv("ACCEPT_RETRIES", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid ACCEPT_RETRIES: %w", err)
	}

	dispatchInterval, err := strconv.Atoi(getEnv("DISPATCH_INTERVAL_SECONDS", "2"))
	if err != nil {
		return nil, fmt.Errorf("invalid DISPATCH_INTERVAL_SECONDS: %w", err)
	}

	reconcileInterval, err := strconv.Atoi(getEnv("RECONCILE_INTERVAL_MINUTES", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECONCILE_INTERVAL_MINUTES: %w", err)
	}

	cacheTTL, err := strconv.Atoi(getEnv("DIRECTORY_CACHE_TTL_SECONDS", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid DIRECTORY_CACHE_TTL_SECONDS: %w", err)
	}

	maxStageFiles, err := strconv.Atoi(getEnv("MAX_STAGE_FILES", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_STAGE_FILES: %w", err)
	}

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  port,
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: parseCSVEnv("CORS_ALLOWED_ORIGINS", []string{
			"http://localhost:5173",
			"http://localhost:3000",
		}),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     dbPort,
		DBUser:     getEnv("DB_USER", "agrimatch"),
		DBPassword: getEnv("DB_PASSWORD", "dev"),
		DBName:     getEnv("DB_NAME", "agrimatch"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		StrictStageOrder:         parseBoolEnv("STRICT_STAGE_ORDER", true),
		AcceptRetries:            acceptRetries,
		DispatchIntervalSeconds:  dispatchInterval,
		ReconcileIntervalMinutes: reconcileInterval,
		DirectoryCacheTTLSeconds: cacheTTL,
		MaxStageFiles:            maxStageFiles,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseCSVEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
