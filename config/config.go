package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Orchestrator OrchestratorConfig
	Provider     ProviderConfig
	AWS          AWSConfig
	Webhook      WebhookConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string
	ReadTimeout  int
	WriteTimeout int
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/academy?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// OrchestratorConfig holds scheduling cadences and windows for the session engine.
type OrchestratorConfig struct {
	TimerHorizon          time.Duration // max look-ahead for in-memory timers
	ReconcileInterval     time.Duration // full reload of upcoming sessions
	StartSweepInterval    time.Duration // fallback sweep for due sessions
	StartSweepWindow      time.Duration // forward window of the due sweep
	PublishSweepInterval  time.Duration // sweep for unpublished recordings
	ReminderLead          time.Duration // how long before start reminders go out
	ReminderSweepInterval time.Duration
	CallTimeout           time.Duration // bound on provider and store calls per trigger
	PublishTimeout        time.Duration // bound on the whole fetch-and-upload publish pipeline
	MetricsAddr           string        // listen address for the engine's /metrics endpoint
}

// ProviderConfig holds live endpoint provider settings.
type ProviderConfig struct {
	BaseURL       string
	APIKey        string
	IngestSecret  string // signs ingest credential tokens
	TokenValidity time.Duration
}

// AWSConfig holds AWS credentials and the recordings bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// WebhookConfig holds provider webhook verification settings.
type WebhookConfig struct {
	Secret string // HMAC-SHA256 key for X-Webhook-Signature; empty disables verification
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
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/academy?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "academy"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Orchestrator: OrchestratorConfig{
			TimerHorizon:          getEnvDuration("TIMER_HORIZON", 24*time.Hour),
			ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", 10*time.Minute),
			StartSweepInterval:    getEnvDuration("START_SWEEP_INTERVAL", time.Minute),
			StartSweepWindow:      getEnvDuration("START_SWEEP_WINDOW", 5*time.Minute),
			PublishSweepInterval:  getEnvDuration("PUBLISH_SWEEP_INTERVAL", 5*time.Minute),
			ReminderLead:          getEnvDuration("REMINDER_LEAD", 15*time.Minute),
			ReminderSweepInterval: getEnvDuration("REMINDER_SWEEP_INTERVAL", time.Minute),
			CallTimeout:           getEnvDuration("CALL_TIMEOUT", 10*time.Second),
			PublishTimeout:        getEnvDuration("PUBLISH_TIMEOUT", 10*time.Minute),
			MetricsAddr:           getEnv("METRICS_ADDR", ":9100"),
		},
		Provider: ProviderConfig{
			BaseURL:       getEnv("LIVE_PROVIDER_URL", "http://localhost:9090"),
			APIKey:        getEnv("LIVE_PROVIDER_API_KEY", ""),
			IngestSecret:  getEnv("INGEST_TOKEN_SECRET", "change-me-in-production"),
			TokenValidity: getEnvDuration("INGEST_TOKEN_VALIDITY", 6*time.Hour),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", "academy-recordings-bucket"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Webhook: WebhookConfig{
			Secret: getEnv("WEBHOOK_SECRET", ""),
		},
	}
	return cfg, nil
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
