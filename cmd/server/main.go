package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianhq/meridian/internal"
	"github.com/meridianhq/meridian/internal/billing"
	"github.com/meridianhq/meridian/internal/handler/api"
	"github.com/meridianhq/meridian/internal/handler/webhook"
	"github.com/meridianhq/meridian/internal/postgres"
	"github.com/meridianhq/meridian/internal/publisher"
	"github.com/meridianhq/meridian/internal/reconcile"
	"github.com/meridianhq/meridian/internal/service"
	"github.com/meridianhq/meridian/internal/telemetry"
	"github.com/meridianhq/meridian/internal/tier"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func run() error {
	ctx := context.Background()

	// The classifier table and the subscribed event list are maintained
	// by hand; refuse to boot if they drifted apart.
	if err := reconcile.ValidateCatalog(); err != nil {
		return fmt.Errorf("event catalog validation failed: %w", err)
	}

	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Migrations run over database/sql; the application itself uses the
	// pgx pool.
	sqlDB, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	if err := internal.RunMigrations(sqlDB); err != nil {
		sqlDB.Close()
		return fmt.Errorf("migration failed: %w", err)
	}
	sqlDB.Close()
	logger.Info().Msg("database migrations completed")

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	subs := postgres.NewSubscriptionRepository(pool)
	payments := postgres.NewPaymentRepository(pool)

	billingCfg := cfg.BillingConfig()
	provider, err := billing.NewStripeProvider(billingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize Stripe provider: %w", err)
	}
	logger.Info().Bool("test_mode", billingCfg.IsTestMode()).Msg("stripe provider initialized")

	var pub publisher.Publisher = publisher.Noop{}
	if cfg.NATS.URL != "" {
		natsPub, err := publisher.NewNATSPublisher(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsPub.Close()
		pub = natsPub
		logger.Info().Str("url", cfg.NATS.URL).Msg("nats publisher connected")
	}

	metrics := telemetry.NewMetrics(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)

	tiers := &tier.Catalog{
		ByPrice:   cfg.Tiers.PriceMap(),
		ByProduct: cfg.Tiers.ProductMap(),
		Default:   cfg.Tiers.DefaultPaid,
	}

	engine := reconcile.New(reconcile.Config{
		Provider:      provider,
		Subscriptions: subs,
		Payments:      payments,
		Tiers:         tiers,
		Publisher:     pub,
		Metrics:       metrics,
		Logger:        logger,
	})

	svc := service.NewSubscriptionService(provider, subs, payments, tiers)

	webhookHandler := webhook.NewStripeHandler(webhook.Config{
		Provider:          provider,
		Engine:            engine,
		Metrics:           metrics,
		Logger:            logger,
		FailOnPersistence: cfg.Webhook.FailOnPersistence,
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/health", func(c echo.Context) error {
		if err := pool.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/webhooks/stripe", webhookHandler.Handle)
	api.NewSubscriptionHandler(svc, logger).Register(e.Group("/api/v1"))

	// Graceful shutdown: stop accepting connections, then drain
	// in-flight webhook deliveries.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown failed")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info().Str("address", addr).Msg("starting server")
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
