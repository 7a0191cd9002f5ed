package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Reservation ReservationConfig
	Worker      WorkerConfig
	Webhook     WebhookConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/guildhall?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds settings for validating identity-provider tokens.
type JWTConfig struct {
	Secret string
	Issuer string // empty accepts any issuer
}

// Lock modes for serializing reservation transactions.
const (
	LockModeTable = "table" // LOCK TABLE event_registrations, all events share one critical section
	LockModeEvent = "event" // transaction-scoped advisory lock per event id
)

// ReservationConfig tunes the reservation engine.
type ReservationConfig struct {
	HoldDuration       time.Duration
	SoldOutTTL         time.Duration
	AvailabilityTTL    time.Duration
	PickupCodeLength   int
	PickupCodeAttempts int
	MaxPerRequest      int
	LockMode           string
	BaselineRole       string // every local user must hold this role; empty disables the check
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	RetryBackoff time.Duration
	MaxRetries   int
	InProcess    bool // also drain the invalidation queue inside the API server
}

// WebhookConfig holds the shared secret the payment collaborator signs with.
type WebhookConfig struct {
	PaymentSecret string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "guildhall"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 20)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-me-in-production"),
			Issuer: getEnv("JWT_ISSUER", ""),
		},
		Reservation: ReservationConfig{
			HoldDuration:       getEnvDuration("RESERVATION_HOLD", 60*time.Minute),
			SoldOutTTL:         getEnvDuration("RESERVATION_SOLD_OUT_TTL", 3*time.Minute),
			AvailabilityTTL:    getEnvDuration("RESERVATION_AVAILABILITY_TTL", 30*time.Second),
			PickupCodeLength:   getEnvInt("RESERVATION_PICKUP_CODE_LENGTH", 6),
			PickupCodeAttempts: getEnvInt("RESERVATION_PICKUP_CODE_ATTEMPTS", 1000),
			MaxPerRequest:      getEnvInt("RESERVATION_MAX_PER_REQUEST", 20),
			LockMode:           strings.ToLower(getEnv("RESERVATION_LOCK_MODE", LockModeTable)),
			BaselineRole:       getEnv("RESERVATION_BASELINE_ROLE", "authenticated"),
		},
		Worker: WorkerConfig{
			RetryBackoff: getEnvDuration("WORKER_RETRY_BACKOFF", 10*time.Second),
			MaxRetries:   getEnvInt("WORKER_MAX_RETRIES", 3),
			InProcess:    getEnv("WORKER_IN_PROCESS", "false") == "true",
		},
		Webhook: WebhookConfig{
			PaymentSecret: getEnv("PAYMENT_WEBHOOK_SECRET", ""),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the reservation engine cannot run with.
func (c *Config) Validate() error {
	r := c.Reservation
	if r.LockMode != LockModeTable && r.LockMode != LockModeEvent {
		return fmt.Errorf("RESERVATION_LOCK_MODE must be %q or %q, got %q", LockModeTable, LockModeEvent, r.LockMode)
	}
	if r.HoldDuration <= 0 {
		return fmt.Errorf("RESERVATION_HOLD must be positive")
	}
	if r.PickupCodeLength < 4 {
		return fmt.Errorf("RESERVATION_PICKUP_CODE_LENGTH must be at least 4")
	}
	if r.PickupCodeAttempts < 1 {
		return fmt.Errorf("RESERVATION_PICKUP_CODE_ATTEMPTS must be at least 1")
	}
	if r.MaxPerRequest < 1 {
		return fmt.Errorf("RESERVATION_MAX_PER_REQUEST must be at least 1")
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
