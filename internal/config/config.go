package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application. It is built once at
// process start and passed explicitly into constructors; nothing reads the
// environment after Load returns.
type Config struct {
	Server ServerConfig

	Database DatabaseConfig

	Payment PaymentConfig

	Mail MailConfig

	Notify NotifyConfig

	JWT JWTConfig

	CORS CORSConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

// PaymentConfig holds bank payment bridge configuration
type PaymentConfig struct {
	Endpoint        string // production bridge endpoint
	SandboxEndpoint string
	TestMode        bool   // selects the sandbox endpoint, no real bank interaction
	ClientID        string // merchant/client id issued by the bank
	AuthToken       string
	SharedSecret    string // HMAC secret shared with the bridge (SECRET - never expose)
	CallbackURL     string // our server-to-server callback URL, sent with initiation
	SuccessURL      string // frontend success page for the post-payment redirect
	FailureURL      string // frontend failure page for the post-payment redirect
	PaymentTimeout  time.Duration
}

// GatewayURL returns the endpoint the bridge calls should use.
func (c PaymentConfig) GatewayURL() string {
	if c.TestMode {
		return c.SandboxEndpoint
	}
	return c.Endpoint
}

// MailConfig holds SMTP configuration for pass delivery
type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	OpsEmail string // operator alert recipient, distinct from attendee mail
}

// NotifyConfig holds notification dispatch configuration. A run of
// MaxAttempts attempts has MaxAttempts-1 retry gaps, so Backoff needs at
// least that many entries; any extra trailing entries act as a clamp.
type NotifyConfig struct {
	Workers     int
	MaxAttempts int
	Backoff     []time.Duration
}

// JWTConfig holds admin token configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
	AdminUsername     string
	AdminPasswordHash string // bcrypt hash
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
		},
		Payment: PaymentConfig{
			Endpoint:        getEnv("PAYMENT_GATEWAY_URL", ""),
			SandboxEndpoint: getEnv("PAYMENT_SANDBOX_URL", ""),
			TestMode:        getEnvAsBool("PAYMENT_TEST_MODE", true),
			ClientID:        getEnv("PAYMENT_CLIENT_ID", ""),
			AuthToken:       getEnv("PAYMENT_AUTH_TOKEN", ""),
			SharedSecret:    getEnv("PAYMENT_SHARED_SECRET", ""),
			CallbackURL:     getEnv("PAYMENT_CALLBACK_URL", ""),
			SuccessURL:      getEnv("PAYMENT_SUCCESS_URL", ""),
			FailureURL:      getEnv("PAYMENT_FAILURE_URL", ""),
			PaymentTimeout:  time.Duration(getEnvAsInt("PAYMENT_TIMEOUT_MINUTES", 30)) * time.Minute,
		},
		Mail: MailConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("MAIL_FROM", "events@assoc.lk"),
			OpsEmail: getEnv("MAIL_OPS_ALERT", ""),
		},
		Notify: NotifyConfig{
			Workers:     getEnvAsInt("NOTIFY_WORKERS", 2),
			MaxAttempts: getEnvAsInt("NOTIFY_MAX_ATTEMPTS", 3),
			Backoff: []time.Duration{
				1 * time.Minute,
				5 * time.Minute,
				10 * time.Minute,
			},
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", ""),
			AccessTokenExpiry: time.Duration(getEnvAsInt("JWT_ACCESS_TOKEN_EXPIRY", 3600)) * time.Second,
			AdminUsername:     getEnv("ADMIN_USERNAME", "admin"),
			AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Payment.SharedSecret == "" {
		return fmt.Errorf("PAYMENT_SHARED_SECRET is required")
	}
	if c.Payment.GatewayURL() == "" {
		return fmt.Errorf("payment gateway endpoint is required (PAYMENT_GATEWAY_URL or PAYMENT_SANDBOX_URL)")
	}
	if c.JWT.Secret == "" && c.Server.Environment == "production" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if c.Notify.MaxAttempts < 1 {
		return fmt.Errorf("notify max attempts must be at least 1")
	}
	if len(c.Notify.Backoff) < c.Notify.MaxAttempts-1 {
		return fmt.Errorf("notify backoff schedule needs an entry for each retry gap")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns the value of an environment variable as int or a default
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool returns the value of an environment variable as bool or a default
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice returns the value of an environment variable as a string slice
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
