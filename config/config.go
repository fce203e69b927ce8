package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values.
type Config struct {
	AppPort           string `mapstructure:"APP_PORT"`
	Env               string `mapstructure:"ENV"`
	LogLevel          string `mapstructure:"LOG_LEVEL"`
	JWTSecret         string `mapstructure:"JWT_SECRET"`
	MaxRequestsPerMin int    `mapstructure:"MAX_REQUESTS_PER_MIN"`
	// AllowedOrigins is a comma-separated CORS allow list. Empty allows any origin.
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	// Storage. "mongo" in deployed environments, "memory" for local runs.
	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DatabaseName   string `mapstructure:"DATABASE_NAME"`

	// Redis configuration.
	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisWebhookDB int    `mapstructure:"REDIS_WEBHOOK_DB"`
	RedisQueueDB   int    `mapstructure:"REDIS_QUEUE_DB"`

	// Payment provider.
	StripeSecretKey     string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	CheckoutSuccessURL  string `mapstructure:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL   string `mapstructure:"CHECKOUT_CANCEL_URL"`

	// Scheduling provider.
	CalendlyAPIURL        string `mapstructure:"CALENDLY_API_URL"`
	CalendlyToken         string `mapstructure:"CALENDLY_TOKEN"`
	CalendlyWebhookSecret string `mapstructure:"CALENDLY_WEBHOOK_SECRET"`

	ProviderTimeout     time.Duration `mapstructure:"PROVIDER_TIMEOUT"`
	ProviderMaxRetries  int           `mapstructure:"PROVIDER_MAX_RETRIES"`
	MaxPaymentAttempts  int           `mapstructure:"MAX_PAYMENT_ATTEMPTS"`
	MaxRecoveryAttempts int           `mapstructure:"MAX_RECOVERY_ATTEMPTS"`

	PendingBookingTTL time.Duration `mapstructure:"PENDING_BOOKING_TTL"`
	WebhookBufferTTL  time.Duration `mapstructure:"WEBHOOK_BUFFER_TTL"`
	WebhookDedupeTTL  time.Duration `mapstructure:"WEBHOOK_DEDUPE_TTL"`
	WebhookTolerance  time.Duration `mapstructure:"WEBHOOK_TOLERANCE"`
	SweepSchedule     string        `mapstructure:"SWEEP_SCHEDULE"`
	// RefundRetryAfter is how long a refund may stay pending before the sweep
	// re-sends it or asks the provider for its status.
	RefundRetryAfter time.Duration `mapstructure:"REFUND_RETRY_AFTER"`
	// RecoveryAfter is how long a booking sits in an ERROR_* state before the sweep recovers it.
	RecoveryAfter time.Duration `mapstructure:"RECOVERY_AFTER"`

	// Lifecycle event publishing. Disabled when AMQPURL is empty.
	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`
}

// Load reads config.yaml (if present) and the environment into a Config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Println("No config file found, using environment variables only")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("MAX_REQUESTS_PER_MIN", 100)
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("STORAGE_BACKEND", "mongo")
	v.SetDefault("DATABASE_URL", "mongodb://localhost:27017")
	v.SetDefault("DATABASE_NAME", "buildappswith")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_WEBHOOK_DB", 0)
	v.SetDefault("REDIS_QUEUE_DB", 1)
	v.SetDefault("STRIPE_SECRET_KEY", "")
	v.SetDefault("STRIPE_WEBHOOK_SECRET", "")
	v.SetDefault("CHECKOUT_SUCCESS_URL", "http://localhost:3000/booking/success?session_id={CHECKOUT_SESSION_ID}")
	v.SetDefault("CHECKOUT_CANCEL_URL", "http://localhost:3000/booking/cancelled")
	v.SetDefault("CALENDLY_API_URL", "https://api.calendly.com")
	v.SetDefault("CALENDLY_TOKEN", "")
	v.SetDefault("CALENDLY_WEBHOOK_SECRET", "")
	v.SetDefault("PROVIDER_TIMEOUT", 10*time.Second)
	v.SetDefault("PROVIDER_MAX_RETRIES", 3)
	v.SetDefault("MAX_PAYMENT_ATTEMPTS", 3)
	v.SetDefault("MAX_RECOVERY_ATTEMPTS", 3)
	v.SetDefault("PENDING_BOOKING_TTL", 30*time.Minute)
	v.SetDefault("WEBHOOK_BUFFER_TTL", 10*time.Minute)
	v.SetDefault("WEBHOOK_DEDUPE_TTL", 24*time.Hour)
	v.SetDefault("WEBHOOK_TOLERANCE", 5*time.Minute)
	v.SetDefault("SWEEP_SCHEDULE", "@every 1m")
	v.SetDefault("REFUND_RETRY_AFTER", 5*time.Minute)
	v.SetDefault("RECOVERY_AFTER", 2*time.Minute)
	v.SetDefault("AMQP_URL", "")
	v.SetDefault("AMQP_EXCHANGE", "booking.lifecycle")
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var problems []string
	switch c.StorageBackend {
	case "mongo", "memory":
	default:
		problems = append(problems, fmt.Sprintf("STORAGE_BACKEND must be mongo or memory, got %q", c.StorageBackend))
	}
	if c.IsProduction() {
		if c.JWTSecret == "" {
			problems = append(problems, "JWT_SECRET is required in production")
		}
		if c.StripeSecretKey == "" || c.StripeWebhookSecret == "" {
			problems = append(problems, "STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required in production")
		}
		if c.CalendlyWebhookSecret == "" {
			problems = append(problems, "CALENDLY_WEBHOOK_SECRET is required in production")
		}
	}
	if c.MaxPaymentAttempts < 1 {
		problems = append(problems, "MAX_PAYMENT_ATTEMPTS must be at least 1")
	}
	if c.MaxRecoveryAttempts < 1 {
		problems = append(problems, "MAX_RECOVERY_ATTEMPTS must be at least 1")
	}
	if c.PendingBookingTTL <= 0 || c.WebhookBufferTTL <= 0 || c.WebhookDedupeTTL <= 0 {
		problems = append(problems, "booking and webhook TTLs must be positive")
	}
	if c.RefundRetryAfter <= 0 || c.RecoveryAfter <= 0 {
		problems = append(problems, "REFUND_RETRY_AFTER and RECOVERY_AFTER must be positive")
	}
	if c.ProviderTimeout <= 0 {
		problems = append(problems, "PROVIDER_TIMEOUT must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Origins splits AllowedOrigins into a list.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
