package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/oriva/platform/internal/api"
	"github.com/oriva/platform/internal/config"
	"github.com/oriva/platform/internal/db"
	"github.com/oriva/platform/internal/event"
	"github.com/oriva/platform/internal/metrics"
	"github.com/oriva/platform/internal/notification"
	"github.com/oriva/platform/internal/observ"
	"github.com/oriva/platform/internal/realtime"
	"github.com/oriva/platform/internal/redis"
	"github.com/oriva/platform/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting oriva gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repository
	repo := db.NewRepository(database, logger)

	// Initialize Redis for request dedup and rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, dedup and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var dedupService *redis.DedupService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		dedupService = redis.NewDedupService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	// Event publisher and its delivery consumers
	publisher := event.NewPublisher(repo, observ.Named(logger, "publisher"))

	registry := realtime.NewRegistry(observ.Named(logger, "realtime"))
	broadcaster := realtime.NewBroadcaster(registry, realtime.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleAfter:        cfg.StaleAfter,
	}, observ.Named(logger, "realtime"))
	publisher.Subscribe(broadcaster)

	dispatcher := webhook.NewDispatcher(repo, webhook.Config{
		MaxAttempts:    cfg.WebhookMaxAttempts,
		BackoffBase:    cfg.WebhookBackoffBase,
		RequestTimeout: cfg.WebhookTimeout,
	}, observ.Named(logger, "webhook"))
	publisher.Subscribe(dispatcher)

	notifications := notification.NewService(repo, publisher, notification.Config{
		SweepInterval: cfg.ExpirySweepInterval,
	}, observ.Named(logger, "notification"))

	// Background loops: heartbeat sweep and expiry sweep
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go broadcaster.Run(bgCtx)
	go notifications.Run(bgCtx)

	logger.Info("background workers started",
		zap.Duration("heartbeat_interval", cfg.HeartbeatInterval),
		zap.Duration("expiry_sweep_interval", cfg.ExpirySweepInterval),
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, repo, notifications, registry, dedupService)

	r.Route("/v1", func(r chi.Router) {
		// Apply rate limiting and a request timeout to API routes; the
		// websocket route stays outside both.
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.AppKeyFunc))

		r.Post("/notifications", handler.CreateNotification)
		r.Get("/notifications", handler.ListNotifications)
		r.Get("/notifications/{id}", handler.GetNotification)
		r.Patch("/notifications/{id}/status", handler.UpdateNotificationStatus)

		r.Post("/webhooks", handler.RegisterWebhook)
		r.Get("/webhooks", handler.ListWebhooks)
		r.Delete("/webhooks/{id}", handler.DeleteWebhook)
		r.Get("/webhooks/{id}/attempts", handler.ListWebhookAttempts)

		r.Get("/events", handler.ListEvents)
		r.Get("/realtime/stats", handler.RealtimeStats)
	})

	// Websocket endpoint (long-lived, no timeout middleware)
	r.Get("/ws", handler.ServeWS)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// Let in-flight webhook deliveries drain
		dispatcher.Shutdown()
		done := make(chan struct{})
		go func() {
			dispatcher.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			logger.Warn("webhook deliveries still in flight at shutdown deadline")
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
