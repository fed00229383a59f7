package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/catalog"
	"github.com/hanko-field/checkout/internal/events"
	"github.com/hanko-field/checkout/internal/handlers"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/platform/idempotency"
	"github.com/hanko-field/checkout/internal/platform/observability"
	"github.com/hanko-field/checkout/internal/platform/secrets"
	"github.com/hanko-field/checkout/internal/sessions"
	"github.com/hanko-field/checkout/internal/transaction"
)

const (
	processorStripeCard     = "stripe-card"
	processorStripeCheckout = "stripe-checkout"
	processorFreePurchase   = "free-purchase"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("checkoutd")
	ctx = observability.WithLogger(ctx, logger)

	secretsProject, err := config.Lookup("CHECKOUT_SECRETS_PROJECT_ID")
	if err != nil {
		logger.Fatal("failed to read environment", zap.Error(err))
	}
	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(secretsProject),
	)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	cat := catalog.Default()
	if cfg.Checkout.CatalogFile != "" {
		if cat, err = catalog.Load(cfg.Checkout.CatalogFile); err != nil {
			logger.Fatal("failed to load payment method catalog", zap.Error(err))
		}
	}

	registry, err := newProcessorRegistry(cfg, cat.ProcessorKeys(), logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment processors", zap.Error(err))
	}

	publisher, readiness, closeEvents, err := newEventPublisher(ctx, cfg.Events, logger.Named("events"))
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}
	defer closeEvents()

	store, err := sessions.NewStore(cat, registry,
		sessions.WithLogger(logger.Named("checkout")),
		sessions.WithPublisher(publisher),
		sessions.WithLocale(cfg.Checkout.DefaultLocale),
		sessions.WithDefaultCurrency(cfg.Checkout.DefaultCurrency),
		sessions.WithSelectFirstAvailable(cfg.Checkout.SelectFirstAvailable),
		sessions.WithIdleTTL(cfg.Checkout.SessionIdleTTL),
		sessions.WithDriverOptions(transaction.WithTimeout(cfg.Checkout.PaymentTimeout)),
	)
	if err != nil {
		logger.Fatal("failed to initialise session store", zap.Error(err))
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweepSessions(sweepCtx, store, cfg.Checkout.SessionIdleTTL/2, logger.Named("sessions"))

	httpLogger := logger.Named("http")
	healthOpts := []handlers.HealthOption{}
	if readiness != nil {
		healthOpts = append(healthOpts, handlers.WithReadinessCheck("events", readiness))
	}

	router := handlers.NewRouter(
		handlers.WithTimeout(cfg.Checkout.PaymentTimeout+5*time.Second),
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(cfg.Events.ProjectID),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(store,
			handlers.WithSubmitIdempotency(idempotency.NewMemoryStore()),
		).Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := httpLogger.With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("checkout service listening",
			zap.Strings("processors", registry.Keys()),
			zap.Int("payment_methods", len(cat.Methods())),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// sweepSessions expires idle sessions even when no request arrives.
func sweepSessions(ctx context.Context, store *sessions.Store, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Sweep(); n > 0 {
				logger.Debug("idle checkout sessions swept", zap.Int("count", n), zap.Int("live", store.Len()))
			}
		}
	}
}

// newProcessorRegistry builds one processor per key the catalog refers to,
// each behind its own circuit breaker.
func newProcessorRegistry(cfg config.Config, keys []string, logger *zap.Logger) (*payments.Registry, error) {
	stripeLogger := func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("stripe", zFields...)
	}

	processors := make(map[string]payments.Processor, len(keys))
	for _, key := range keys {
		switch key {
		case processorStripeCard, processorStripeCheckout:
			mode := payments.StripeModeCard
			if key == processorStripeCheckout {
				mode = payments.StripeModeCheckout
			}
			p, err := payments.NewStripeProcessor(payments.StripeProcessorConfig{
				APIKey:    cfg.Stripe.APIKey,
				AccountID: cfg.Stripe.AccountID,
				Mode:      mode,
				Logger:    stripeLogger,
			})
			if err != nil {
				return nil, fmt.Errorf("processor %s: %w", key, err)
			}
			processors[key] = p
		case processorFreePurchase:
			processors[key] = payments.FreePurchaseProcessor{}
		default:
			return nil, fmt.Errorf("processor %s: %w", key, payments.ErrUnsupportedProcessor)
		}
	}

	return payments.NewRegistry(processors, payments.WithCircuitBreaker(payments.BreakerSettings{
		MaxConsecutiveFailures: uint32(cfg.Breaker.MaxFailures),
		OpenTimeout:            cfg.Breaker.OpenTimeout,
		OnStateChange: func(key, from, to string) {
			logger.Warn("processor circuit breaker state changed",
				zap.String("processor", key),
				zap.String("from", from),
				zap.String("to", to),
			)
		},
	}))
}

// newEventPublisher publishes to Pub/Sub when a topic is configured and to
// the log otherwise.
func newEventPublisher(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) (events.Publisher, handlers.ReadinessCheck, func(), error) {
	if cfg.Topic == "" {
		logger.Info("no events topic configured; checkout events are logged")
		return events.NewLogPublisher(logger), nil, func() {}, nil
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(cfg.Topic)
	topic.EnableMessageOrdering = true

	publisher, err := events.NewPubSubPublisher(topic)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}

	readiness := func(ctx context.Context) error {
		ok, err := topic.Exists(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("topic %s does not exist", cfg.Topic)
		}
		return nil
	}
	closer := func() {
		topic.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub client close error", zap.Error(err))
		}
	}
	return publisher, readiness, closer, nil
}
