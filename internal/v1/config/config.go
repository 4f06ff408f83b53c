package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	Port    string
	DataDir string

	// Blob store backend: "disk" (default) or "s3"
	BlobBackend string
	BlobDir     string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Redis store for the HTTP rate limiter (optional)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Tracing (optional)
	TracingEnabled bool
	OTLPAddr       string
	OTLPInsecure   bool

	// HTTP-surface rate limits, ulule/limiter formatted ("100-M" etc.)
	RateLimitAPIGlobal string
	RateLimitAPIRooms  string
	RateLimitUploads   string
}

// ValidateEnv validates all required environment variables and returns a
// Config. Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// DATA_DIR holds one SQLite file per room.
	cfg.DataDir = getEnvOrDefault("DATA_DIR", "./data")

	// Blob backend selection.
	cfg.BlobBackend = getEnvOrDefault("BLOB_BACKEND", "disk")
	switch cfg.BlobBackend {
	case "disk":
		cfg.BlobDir = getEnvOrDefault("BLOB_DIR", "./data/blobs")
	case "s3":
		cfg.S3Bucket = os.Getenv("S3_BUCKET")
		if cfg.S3Bucket == "" {
			errs = append(errs, "S3_BUCKET is required when BLOB_BACKEND=s3")
		}
		cfg.S3Region = os.Getenv("S3_REGION")
		cfg.S3Endpoint = os.Getenv("S3_ENDPOINT")
	default:
		errs = append(errs, fmt.Sprintf("BLOB_BACKEND must be 'disk' or 's3' (got '%s')", cfg.BlobBackend))
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Tracing (optional)
	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	if cfg.TracingEnabled {
		cfg.OTLPAddr = getEnvOrDefault("OTLP_COLLECTOR_ADDR", "localhost:4317")
		if !isValidHostPort(cfg.OTLPAddr) {
			errs = append(errs, fmt.Sprintf("OTLP_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OTLPAddr))
		}
		cfg.OTLPInsecure = os.Getenv("OTLP_INSECURE_SKIP_VERIFY") == "true"
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate limits (M = minute, H = hour). These gate the HTTP surface only;
	// the per-source ingress limiter inside the room has its own budget.
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitUploads = getEnvOrDefault("RATE_LIMIT_UPLOADS", "30-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"blob_backend", cfg.BlobBackend,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"tracing_enabled", cfg.TracingEnabled,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_api_global", cfg.RateLimitAPIGlobal,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
