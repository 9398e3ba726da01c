package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finnblack/captionforge/internal"
	"github.com/finnblack/captionforge/internal/ai"
	"github.com/finnblack/captionforge/internal/ai/anthropic"
	"github.com/finnblack/captionforge/internal/ai/mock"
	"github.com/finnblack/captionforge/internal/billing"
	"github.com/finnblack/captionforge/internal/domain"
	"github.com/finnblack/captionforge/internal/handler"
	"github.com/finnblack/captionforge/internal/metrics"
	"github.com/finnblack/captionforge/internal/middleware"
	"github.com/finnblack/captionforge/internal/service"
	"github.com/finnblack/captionforge/internal/store"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize the entitlement store
	var entitlements store.EntitlementStore
	switch cfg.StoreBackend {
	case "postgres":
		db, err := sql.Open("pgx", cfg.DatabaseUrl)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}

		if err := internal.RunMigrations(ctx, db); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("Database ready")

		entitlements = store.NewPostgresStore(db)
	default:
		logger.Warn("Using in-memory entitlement store; usage counts do not survive restarts")
		entitlements = store.NewMemoryStore()
	}

	// Initialize billing. Without Stripe credentials the verifier always
	// answers Unknown and the webhook endpoint acknowledges without acting.
	var billingService billing.Service
	var verifier billing.SubscriptionVerifier = billing.UnknownVerifier{}
	var payouts billing.Payouts
	if cfg.BillingEnabled() {
		billingService = billing.NewStripeService(cfg.StripeSecretKey, cfg.StripeWebhookSecret, logger)
		verifier = billingService
		payouts = billing.NewStripePayouts(logger)
		logger.Info("Stripe billing enabled")
	} else {
		logger.Warn("Stripe billing not configured; subscription state relies on stored records only")
	}

	// VIP override list
	vips := domain.NewVIPSet(cfg.VIPEmails)
	if len(vips) > 0 {
		logger.Info("VIP overrides loaded", "count", len(vips))
	}

	// Initialize the AI provider
	var generator ai.Generator
	if cfg.AIProvider == "anthropic" {
		generator, err = anthropic.New(anthropic.Config{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AnthropicModel,
			ProviderConfig: ai.ProviderConfig{
				MaxRetries:     cfg.AIMaxRetries,
				RetryBaseDelay: cfg.AIRetryBaseDelay,
				RequestTimeout: cfg.AIRequestTimeout,
			},
		}, logger)
		if err != nil {
			return fmt.Errorf("anthropic provider initialization failed: %w", err)
		}
	} else {
		generator = mock.New(logger)
		logger.Warn("Using mock AI provider")
	}

	// Initialize services
	gate := service.NewEntitlementGate(entitlements, verifier, vips, cfg.FreeTierLimit, cfg.VerifierTimeout, logger)
	captions := service.NewCaptionService(gate, generator, logger)
	events := service.NewBillingEventService(entitlements, billingService, payouts, vips, logger)

	// Initialize middleware
	requestLogging := middleware.NewRequestLoggingMiddleware(logger)
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow, logger)
	rateLimit := middleware.NewRateLimitMiddleware(rateLimiter, logger)
	metricsAuth := middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus scrape endpoint, behind basic auth when configured
	mux.Handle("GET /metrics", metricsAuth.Handler(promhttp.Handler()))

	// API routes
	handler.NewCaptionHandler(captions, logger).RegisterRoutes(mux)
	handler.NewEntitlementHandler(gate, logger).RegisterRoutes(mux)
	handler.NewBillingHandler(billingService, entitlements, cfg.StripePriceID, cfg.BaseURL, logger).RegisterRoutes(mux)

	// Webhook route (public; authenticated by the Stripe signature)
	handler.NewWebhookHandler(billingService, events, logger).RegisterRoutes(mux)

	// Outermost first: request id, logging, metrics, then rate limiting.
	root := middleware.RequestID(
		requestLogging.Handler(
			metrics.Middleware(
				rateLimit.Limit(mux))))

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: root,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
		}
	}()

	<-sigChan
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
