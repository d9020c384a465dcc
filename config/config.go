package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Database configuration
	DatabasePath string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string

	// Payment provider configuration
	PayPal         PayPalConfig
	Currency       string
	GatewayTimeout time.Duration

	// Settlement configuration
	ReservationTTL    time.Duration
	ReconcileInterval time.Duration
	ReconcileAfter    time.Duration
	StaleOrderAfter   time.Duration
	RestockOnRefund   bool
	CaptureLockTTL    time.Duration

	// Rate limiting
	CheckoutRateLimit  int
	CheckoutRateWindow time.Duration

	// Event stream
	EventStreamPrefix string

	// Monitoring
	EnableMetrics   bool
	MetricsPort     string
	MetricsInterval time.Duration
}

type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReturnURL    string
	CancelURL    string
	WebhookID    string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Database
		DatabasePath: getEnv("DATABASE_PATH", "pb_data/settlement.db"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUserID:       getEnv("PUBNUB_USER_ID", "settlement-server"),

		// Payment provider
		PayPal: PayPalConfig{
			BaseURL:      getEnv("PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com"),
			ClientID:     getEnv("PAYPAL_CLIENT_ID", ""),
			ClientSecret: getEnv("PAYPAL_CLIENT_SECRET", ""),
			ReturnURL:    getEnv("PAYPAL_RETURN_URL", "http://localhost:8090/payment/return"),
			CancelURL:    getEnv("PAYPAL_CANCEL_URL", "http://localhost:8090/payment/cancel"),
			WebhookID:    getEnv("PAYPAL_WEBHOOK_ID", ""),
		},
		Currency:       getEnv("CURRENCY", "USD"),
		GatewayTimeout: getEnvAsDuration("GATEWAY_TIMEOUT", "15s"),

		// Settlement
		ReservationTTL:    getEnvAsDuration("RESERVATION_TTL", "15m"),
		ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", "1m"),
		ReconcileAfter:    getEnvAsDuration("RECONCILE_AFTER", "30s"),
		StaleOrderAfter:   getEnvAsDuration("STALE_ORDER_AFTER", "30m"),
		RestockOnRefund:   getEnvAsBool("RESTOCK_ON_REFUND", true),
		CaptureLockTTL:    getEnvAsDuration("CAPTURE_LOCK_TTL", "30s"),

		// Rate limiting
		CheckoutRateLimit:  getEnvAsInt("CHECKOUT_RATE_LIMIT", 10),
		CheckoutRateWindow: getEnvAsDuration("CHECKOUT_RATE_WINDOW", "1m"),

		// Event stream
		EventStreamPrefix: getEnv("EVENT_STREAM_PREFIX", "settlement"),

		// Monitoring
		EnableMetrics:   getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:     getEnv("METRICS_PORT", "9090"),
		MetricsInterval: getEnvAsDuration("METRICS_INTERVAL", "30s"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
