// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config holds the web backend configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	Debug       bool

	Agents  AgentsConfig
	Auth    AuthConfig
	Queue   QueueConfig
	Poll    PollConfig
	Limits  LimitsConfig
	Timeout TimeoutConfig
}

// AgentsConfig describes how to reach the validation engine and how it
// reaches back.
type AgentsConfig struct {
	BaseURL           string
	GRPCAddr          string
	CallbackSecret    string
	PublicCallbackURL string
	RequestTimeout    time.Duration
}

// AuthConfig controls JWT issuance.
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	Issuer    string
}

// QueueConfig selects and sizes the background task queue.
type QueueConfig struct {
	Backend     string
	RedisURL    string
	Name        string
	Concurrency int
	BufferSize  int
}

// PollConfig controls the engine status polling loop.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// LimitsConfig holds business limits.
type LimitsConfig struct {
	FreeQuotaWindow      time.Duration
	MessageRatePerMinute int
	MaxRequestBodySize   int64
}

// TimeoutConfig holds server timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/validity.db"),
		Debug:       getEnvBool("DEBUG", false),
		Agents: AgentsConfig{
			BaseURL:           strings.TrimRight(getEnv("AGENTS_BASE_URL", "http://localhost:8000"), "/"),
			GRPCAddr:          getEnv("AGENTS_GRPC_ADDR", ""),
			CallbackSecret:    getEnv("AGENT_CALLBACK_SECRET", ""),
			PublicCallbackURL: getEnv("PUBLIC_CALLBACK_URL", ""),
			RequestTimeout:    getEnvDuration("AGENTS_REQUEST_TIMEOUT", 30*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			TokenTTL:  getEnvDuration("JWT_TTL", 24*time.Hour),
			Issuer:    getEnv("JWT_ISSUER", "validity-backend"),
		},
		Queue: QueueConfig{
			Backend:     strings.ToLower(getEnv("QUEUE_BACKEND", QueueMemory)),
			RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Name:        getEnv("QUEUE_NAME", "validity:tasks"),
			Concurrency: getEnvInt("WORKER_CONCURRENCY", 4),
			BufferSize:  getEnvInt("QUEUE_BUFFER_SIZE", 256),
		},
		Poll: PollConfig{
			Interval:    getEnvDuration("POLL_INTERVAL", 10*time.Second),
			MaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 60),
		},
		Limits: LimitsConfig{
			FreeQuotaWindow:      getEnvDuration("FREE_QUOTA_WINDOW", 30*24*time.Hour),
			MessageRatePerMinute: getEnvInt("MESSAGE_RATE_PER_MINUTE", 20),
			MaxRequestBodySize:   int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Agents.BaseURL == "" {
		return fmt.Errorf("AGENTS_BASE_URL cannot be empty")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	switch c.Queue.Backend {
	case QueueMemory, QueueRedis:
	default:
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q", QueueMemory, QueueRedis)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be > 0")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be > 0")
	}
	if c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be > 0")
	}
	if c.Limits.MessageRatePerMinute <= 0 {
		return fmt.Errorf("MESSAGE_RATE_PER_MINUTE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS allow list.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
