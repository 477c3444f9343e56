// chatlink - multi-session chat protocol service
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/chatlink/internal/api"
	"github.com/ashureev/chatlink/internal/config"
	"github.com/ashureev/chatlink/internal/gateway"
	"github.com/ashureev/chatlink/internal/middleware"
	"github.com/ashureev/chatlink/internal/registry"
	"github.com/ashureev/chatlink/internal/relay"
	"github.com/ashureev/chatlink/internal/session"
	"github.com/ashureev/chatlink/internal/shared"
	"github.com/ashureev/chatlink/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "gateway", cfg.Gateway.Address, "webhooks", cfg.Webhook.Enabled())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	gwCfg := gateway.DefaultConfig()
	gwCfg.Address = cfg.Gateway.Address
	gwCfg.APIID = cfg.Gateway.APIID
	gwCfg.APIHash = cfg.Gateway.APIHash
	gw, err := gateway.Dial(gwCfg, logger)
	if err != nil {
		slog.Error("Failed to connect to protocol gateway", "error", err, "address", cfg.Gateway.Address)
		os.Exit(1)
	}
	defer gw.Close()

	var sink relay.Sink = relay.NopSink{}
	if cfg.Webhook.Enabled() {
		sink = relay.NewWebhookSink(cfg.Webhook.BaseURL, cfg.Webhook.SecretToken, cfg.Webhook.Timeout, logger)
	} else {
		slog.Info("Webhook delivery disabled (WEBHOOK_BASE_URL not set)")
	}

	reg := registry.New()
	broadcaster := relay.NewBroadcaster(0)
	eventRelay := relay.New(repo, sink, reg, relay.Config{
		DeliverTimeout: cfg.Webhook.Timeout,
		Broadcaster:    broadcaster,
		Logger:         logger,
	})

	mgr := session.NewManager(repo, reg, gw, eventRelay, session.Config{
		UpstreamTimeout:      cfg.Lifecycle.UpstreamTimeout,
		QRCodeExpiresIn:      cfg.Lifecycle.QRCodeExpiresIn,
		ReconcileConcurrency: cfg.Lifecycle.ReconcileConcurrency,
		Retry: shared.RetryPolicy{
			MaxRetries: cfg.Database.MaxRetries,
			BaseDelay:  cfg.Database.RetryBaseDelay,
		},
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Sessions must be reconnected before any request is served.
	report, err := mgr.ReconcileAll(ctx)
	if err != nil {
		slog.Error("Failed to reconcile sessions", "error", err)
		os.Exit(1)
	}
	slog.Info("Sessions restored", "reconnected", report.Reconnected, "deactivated", report.Deactivated, "failed", report.Failed)

	mgr.StartWatchdog(ctx, cfg.Lifecycle.WatchdogInterval)

	// Initialize handlers.
	sessionHandler := api.NewSessionHandler(mgr)
	eventsHandler := api.NewEventsHandler(mgr, broadcaster, cfg.CORSOrigins)
	healthHandler := api.NewHealthHandler(repo, mgr, cfg.HealthCheckTimeout)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		api.JSON(w, http.StatusOK, map[string]string{"service": "chatlink", "status": "running"})
	})

	// Protected routes.
	r.Route("/api/telegram", func(r chi.Router) {
		r.Use(middleware.APIKey(cfg.APISecretKey))
		sessionHandler.RegisterRoutes(r)
		eventsHandler.RegisterRoutes(r)
	})

	// WriteTimeout stays 0 so event streams are not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	mgr.Shutdown(shutdownCtx)
	eventRelay.Close()

	slog.Info("Server stopped successfully")
}
