package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App     AppConfig
	HTTP    ServerConfig
	MySQL   MySQLConfig
	Log     LogConfig
	PayPal  PayPalConfig
	Billing BillingConfig
	Jobs    JobsConfig
}

type AppConfig struct {
	ServiceName string
}

type ServerConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	Level string
}

type PayPalConfig struct {
	ClientID  string
	Secret    string
	Live      bool
	BrandName string
	ReturnURL string
	CancelURL string
}

type BillingConfig struct {
	FreePlan            string
	MonthlyGrant        time.Duration
	YearlyGrant         time.Duration
	PendingTimeout      time.Duration
	ReconcileStaleAfter time.Duration
	JobBatchSize        int32
}

type JobsConfig struct {
	ReconcileInterval  time.Duration
	ExpireOpenInterval time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		return nil, errors.New("MYSQL_DSN environment variable is required")
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "billing-service"),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		MySQL: MySQLConfig{
			DSN:             mysqlDSN,
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		PayPal: PayPalConfig{
			ClientID:  getEnv("PAYPAL_CLIENT_ID", ""),
			Secret:    getEnv("PAYPAL_SECRET", ""),
			Live:      getBoolEnv("PAYPAL_LIVE", false),
			BrandName: getEnv("PAYPAL_BRAND_NAME", "Solvera"),
			ReturnURL: getEnv("PAYPAL_RETURN_URL", ""),
			CancelURL: getEnv("PAYPAL_CANCEL_URL", ""),
		},
		Billing: BillingConfig{
			FreePlan:            getEnv("BILLING_FREE_PLAN", "Free"),
			MonthlyGrant:        getDaysEnv("BILLING_MONTHLY_GRANT_DAYS", 30*24*time.Hour),
			YearlyGrant:         getDaysEnv("BILLING_YEARLY_GRANT_DAYS", 365*24*time.Hour),
			PendingTimeout:      getMinutesEnv("BILLING_PENDING_TIMEOUT_MINUTES", 24*time.Hour),
			ReconcileStaleAfter: getMinutesEnv("BILLING_RECONCILE_STALE_AFTER_MINUTES", 15*time.Minute),
			JobBatchSize:        int32(getIntEnv("BILLING_JOB_BATCH_SIZE", 100)),
		},
		Jobs: JobsConfig{
			ReconcileInterval:  getMinutesEnv("BILLING_RECONCILE_INTERVAL_MINUTES", 5*time.Minute),
			ExpireOpenInterval: getMinutesEnv("BILLING_EXPIRE_OPEN_INTERVAL_MINUTES", 15*time.Minute),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getDaysEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if days, err := strconv.Atoi(value); err == nil {
			return time.Duration(days) * 24 * time.Hour
		}
	}
	return defaultValue
}
