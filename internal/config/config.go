package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// Delivery tuning. DispatchTimeout and retry defaults can also be
	// hot-reloaded through the DeliveryConfigHolder.
	DeliveryWorkers         int
	DeliveryReconcileSecs   int
	DefaultRateLimit        int
	DefaultRateLimitWindow  int
	RateLimitSweepSecs      int
	DefaultMaxRetries       int
	DefaultInitialDelayMS   int
	DefaultBackoffMultipler float64
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "hookline"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: environment,
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:     getenv("DATABASE_TYPE", "postgres"),
		DBHost:     getenv("DATABASE_HOST", "localhost"),
		DBPort:     getenv("DATABASE_PORT", "5432"),
		DBName:     getenv("DATABASE_NAME", "hookline"),
		DBUser:     getenv("DATABASE_USER", "postgres"),
		DBPassword: getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:  getenv("DATABASE_SSLMODE", "disable"),

		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		DeliveryWorkers:         getenvInt("DELIVERY_WORKERS", 16),
		DeliveryReconcileSecs:   getenvInt("DELIVERY_RECONCILE_INTERVAL", 30),
		DefaultRateLimit:        getenvInt("RATE_LIMIT_DEFAULT", 1000),
		DefaultRateLimitWindow:  getenvInt("RATE_LIMIT_WINDOW_SECONDS", 3600),
		RateLimitSweepSecs:      getenvInt("RATE_LIMIT_SWEEP_INTERVAL", 60),
		DefaultMaxRetries:       getenvInt("DELIVERY_MAX_RETRIES", 3),
		DefaultInitialDelayMS:   getenvInt("DELIVERY_INITIAL_DELAY_MS", 1000),
		DefaultBackoffMultipler: getenvFloat("DELIVERY_BACKOFF_MULTIPLIER", 2),
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
