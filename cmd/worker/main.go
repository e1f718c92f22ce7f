// Package main provides the entrypoint for the PhoneLink delivery worker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonelink/phonelink/internal/api/middleware"
	"github.com/phonelink/phonelink/internal/database"
	"github.com/phonelink/phonelink/internal/pushconfig"
	"github.com/phonelink/phonelink/internal/registry"
	"github.com/phonelink/phonelink/internal/relay"
	"github.com/phonelink/phonelink/internal/telemetry"
	"github.com/phonelink/phonelink/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "phonelink-worker"

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting PhoneLink delivery worker")

	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry
	telemetryEnabled := os.Getenv("OTEL_ENABLED") == "true"
	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    env,
		OTLPEndpoint:   otlpEndpoint,
		Enabled:        telemetryEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	deliveryMetrics, err := middleware.NewDeliveryMetrics()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize delivery metrics")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}

	// Connect to database
	dbConfig := database.ConfigFromEnv()
	pool, err := database.Connect(ctx, dbConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	log.Info().
		Str("host", dbConfig.Host).
		Str("database", dbConfig.Database).
		Msg("database connected")

	// Device registry
	registryRepo := registry.NewPostgresRepository(pool, log)
	registryService := registry.NewService(registryRepo, log)

	// Push provider configuration, cached per process and seeded from env on
	// first run.
	configStore := pushconfig.NewCachedStore(pushconfig.NewPostgresStore(pool, pushconfig.Seed{
		PushAPIKey:        os.Getenv("PUSH_API_KEY"),
		LegacyAuthToken:   os.Getenv("PUSH_LEGACY_AUTH_TOKEN"),
		OAuthClientID:     os.Getenv("PUSH_OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("PUSH_OAUTH_CLIENT_SECRET"),
		OAuthRefreshToken: os.Getenv("PUSH_OAUTH_REFRESH_TOKEN"),
	}), time.Minute)

	// Push relay
	pushEndpoint := os.Getenv("PUSH_ENDPOINT")
	if pushEndpoint == "" {
		pushEndpoint = relay.DefaultEndpoint
	}
	pushRelay := relay.New(relay.Config{
		Endpoint: pushEndpoint,
		Store:    configStore,
		Logger:   log,
	})
	log.Info().Str("endpoint", pushEndpoint).Msg("push relay initialized")

	// Credential refresher re-mints the legacy provider credential after the
	// relay invalidated a stale one.
	tokenURL := os.Getenv("PUSH_OAUTH_TOKEN_URL")
	if tokenURL != "" {
		refresher := pushconfig.NewRefresher(configStore, tokenURL, log)
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if refreshErr := refresher.Refresh(ctx); refreshErr != nil &&
						!errors.Is(refreshErr, pushconfig.ErrNoRefreshToken) {
						log.Warn().Err(refreshErr).Msg("credential refresh failed")
					}
				}
			}
		}()
		log.Info().Msg("credential refresher started")
	}

	// Delivery pipeline
	deliveryJob := worker.NewDeliveryJob(worker.DeliveryJobConfig{
		Registry: registryService,
		Relay:    pushRelay,
		Metrics:  deliveryMetrics,
		Logger:   log,
	})

	projectID := os.Getenv("PUBSUB_PROJECT_ID")
	if projectID == "" {
		projectID = "phonelink-local"
		log.Warn().Msg("PUBSUB_PROJECT_ID not set, using local default")
	}
	subscriptionName := os.Getenv("PUBSUB_SEND_SUBSCRIPTION")
	if subscriptionName == "" {
		subscriptionName = "send-requests-worker"
	}

	pubsubHandler, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
		ProjectID:        projectID,
		SubscriptionName: subscriptionName,
		DeliveryJob:      deliveryJob,
		Logger:           log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create pubsub handler")
	}
	defer func() {
		if closeErr := pubsubHandler.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("failed to close pubsub handler")
		}
	}()

	go func() {
		if receiveErr := pubsubHandler.Start(ctx); receiveErr != nil && ctx.Err() == nil {
			log.Fatal().Err(receiveErr).Msg("pubsub receive failed")
		}
	}()

	// Health endpoint for the platform's liveness probe
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","version":"` + Version + `"}`))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health server listening")
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Error().Err(serveErr).Msg("health server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("worker stopped")
}
