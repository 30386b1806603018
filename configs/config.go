package config

import (
	"os"
	"strconv"
	"time"
)

type R2 struct {
	AccountID  string
	AccessKey  string
	SecretKey  string
	BucketName string
	PublicURL  string
}

// Storage hosts: media URLs persisted with InternalHost are rewritten to
// PublicHost before they leave the service.
type Storage struct {
	InternalHost string
	PublicHost   string
}

type Webhook struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

type Queue struct {
	Concurrency int
	MaxRetry    int
	Name        string
	// LedgerTTL is how long a dispatched firing is remembered.
	LedgerTTL   time.Duration
}

type Config struct {
	PostgresURI      string
	RedisURI         string
	FrontendURL      string
	R2               R2
	Storage          Storage
	Webhook          Webhook
	Queue            Queue
	ScheduleTimezone string
	SecretKey        string
	CookieName       string
	Port             string
}

func LoadConfig() *Config {
	return &Config{
		PostgresURI: getEnv("POSTGRES_URI", ""),
		RedisURI:    getEnv("REDIS_URI", "localhost:6379"),
		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:5173"),
		R2: R2{
			AccountID:  getEnv("R2_ACCOUNT_ID", ""),
			AccessKey:  getEnv("R2_ACCESS_KEY", ""),
			SecretKey:  getEnv("R2_SECRET_KEY", ""),
			BucketName: getEnv("R2_BUCKET_NAME", ""),
			PublicURL:  getEnv("R2_PUBLIC_URL", ""),
		},
		Storage: Storage{
			InternalHost: getEnv("STORAGE_INTERNAL_HOST", ""),
			PublicHost:   getEnv("STORAGE_PUBLIC_HOST", ""),
		},
		Webhook: Webhook{
			URL:     getEnv("WEBHOOK_URL", ""),
			Secret:  getEnv("WEBHOOK_SECRET", ""),
			Timeout: getEnvDuration("WEBHOOK_TIMEOUT", 30*time.Second),
		},
		Queue: Queue{
			Concurrency: getEnvInt("QUEUE_CONCURRENCY", 10),
			MaxRetry:    getEnvInt("QUEUE_MAX_RETRY", 5),
			Name:        getEnv("QUEUE_NAME", "default"),
			LedgerTTL:   getEnvDuration("DISPATCH_LEDGER_TTL", 7*24*time.Hour),
		},
		ScheduleTimezone: getEnv("SCHEDULE_TIMEZONE", "UTC"),
		SecretKey:        getEnv("SECRET_KEY", ""),
		CookieName:       getEnv("COOKIE_NAME", ""),
		Port:             getEnv("PORT", "3000"),
	}
}

// Location returns the zone daily recurrences are anchored in. Unknown
// names fall back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ScheduleTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
