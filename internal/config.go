package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	Port     int
	LogLevel string

	// Application base URL (for Stripe redirect targets)
	BaseURL string

	// Entitlement configuration
	FreeTierLimit int      // quota-consuming actions allowed before subscribing
	VIPEmails     []string // identities with unconditional entitlement

	// Store Configuration
	StoreBackend string // "memory" or "postgres"
	DatabaseUrl  string // required when StoreBackend is "postgres"

	// AI Provider Configuration
	AIProvider       string // "anthropic" or "mock"
	AnthropicAPIKey  string
	AnthropicModel   string
	AIMaxRetries     int
	AIRetryBaseDelay time.Duration
	AIRequestTimeout time.Duration

	// Stripe Billing Configuration
	// These are required when billing is enabled in production.
	// Without them the verifier degrades to Unknown and the webhook is a no-op.
	StripeSecretKey     string // Stripe API secret key (sk_test_... or sk_live_...)
	StripeWebhookSecret string // Stripe webhook signing secret (whsec_...)
	StripePriceID       string // subscription price (price_...)

	// Bound on the blocking subscription verification call
	VerifierTimeout time.Duration

	// Per-IP rate limiting for the public API
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		// Base URL defaults to localhost for development
		BaseURL: getEnv("BASE_URL", "http://localhost:8080"),

		FreeTierLimit: getEnvInt("FREE_TIER_LIMIT", 10),

		// Store defaults to in-memory for development
		StoreBackend: getEnv("STORE_BACKEND", "memory"),

		// AI provider defaults
		AIProvider:       getEnv("AI_PROVIDER", "mock"),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:   getEnv("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022"),
		AIMaxRetries:     getEnvInt("AI_MAX_RETRIES", 3),
		AIRetryBaseDelay: getEnvDuration("AI_RETRY_BASE_DELAY", 1*time.Second),
		AIRequestTimeout: getEnvDuration("AI_REQUEST_TIMEOUT", 60*time.Second),

		// Stripe billing (optional — verification degrades without it)
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripePriceID:       getEnv("STRIPE_PRICE_ID", ""),

		VerifierTimeout: getEnvDuration("VERIFIER_TIMEOUT", 5*time.Second),

		// Rate limiting defaults: 60 requests per minute per IP
		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	// Parse VIP emails from comma-separated environment variable
	vipEmailsStr := getEnv("VIP_EMAILS", "")
	if vipEmailsStr != "" {
		emails := strings.Split(vipEmailsStr, ",")
		for _, email := range emails {
			trimmed := strings.TrimSpace(strings.ToLower(email))
			if trimmed != "" {
				cfg.VIPEmails = append(cfg.VIPEmails, trimmed)
			}
		}
	}

	if cfg.FreeTierLimit < 0 {
		return nil, fmt.Errorf("FREE_TIER_LIMIT must not be negative, got: %d", cfg.FreeTierLimit)
	}

	// Validate store configuration
	switch cfg.StoreBackend {
	case "postgres":
		cfg.DatabaseUrl = os.Getenv("DATABASE_URL")
		if cfg.DatabaseUrl == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is 'postgres'")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be either 'memory' or 'postgres', got: %s", cfg.StoreBackend)
	}

	// Validate AI provider configuration
	if cfg.AIProvider == "anthropic" {
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is 'anthropic'")
		}
	} else if cfg.AIProvider != "mock" {
		return nil, fmt.Errorf("AI_PROVIDER must be either 'anthropic' or 'mock', got: %s", cfg.AIProvider)
	}

	// Stripe settings come as a set: a partially configured billing stack is
	// more likely a deployment mistake than an intent.
	if cfg.StripeSecretKey != "" {
		if cfg.StripeWebhookSecret == "" {
			return nil, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
		}
		if cfg.StripePriceID == "" {
			return nil, fmt.Errorf("STRIPE_PRICE_ID is required when STRIPE_SECRET_KEY is set")
		}
	}

	return cfg, nil
}

// BillingEnabled reports whether the Stripe stack is configured.
func (c *Config) BillingEnabled() bool {
	return c.StripeSecretKey != ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
