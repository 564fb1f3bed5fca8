package main

import (
	"context"
	"time"

	"talecast/internal/handlers"
	"talecast/internal/ledger"
	"talecast/pkg/auth"
	"talecast/pkg/config"
	"talecast/pkg/database"
	"talecast/pkg/logging"
	"talecast/pkg/monitoring"
	"talecast/pkg/redis"
	"talecast/pkg/server"
	"talecast/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Token Ledger API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if config.GetEnvBool("APPLY_SCHEMA", false) {
		if err := database.ApplySchema(db, logger); err != nil {
			logger.WithError(err).Fatal("Schema migration failed")
		}
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Optional Redis for balance-change notifications
	var notifier ledger.Notifier = ledger.NoopNotifier{}
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		redisClient, err := redis.NewClientFromURL(context.Background(), redisURL)
		if err != nil {
			logger.WithError(err).Fatal("Redis connection failed")
		}
		defer redisClient.Close()
		notifier = ledger.NewRedisNotifier(redisClient, logger)
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	}

	// Create custom ledger metrics
	engineMetrics := &ledger.Metrics{
		ConsumeTotal:      metricsCollector.NewCounter("token_consume_total", "Token consumption attempts", []string{"result"}),
		CreditTotal:       metricsCollector.NewCounter("token_credit_total", "Token pack credits", []string{"result"}),
		PacksExpiredTotal: metricsCollector.NewCounter("token_packs_expired_total", "Token packs expired by the sweeper", nil).WithLabelValues(),
		TokensForfeited:   metricsCollector.NewCounter("tokens_forfeited_total", "Tokens forfeited on pack expiry", nil).WithLabelValues(),
		ReconcileDrift:    metricsCollector.NewHistogram("reconcile_drift_tokens", "Absolute drift corrected by reconciliation", nil, []float64{1, 10, 100, 1000, 10000}).WithLabelValues(),
		LockWaitTimeouts:  metricsCollector.NewCounter("owner_lock_timeouts_total", "Mutations rejected because the owner lock stayed busy", nil).WithLabelValues(),
	}
	metrics := &handlers.BursarMetrics{
		WebhookEvents:     metricsCollector.NewCounter("webhook_events_total", "Webhook deliveries by outcome", []string{"provider", "outcome"}),
		UsageReports:      metricsCollector.NewCounter("usage_reports_total", "Usage reports consumed by outcome", []string{"outcome"}),
		SweepRuns:         metricsCollector.NewCounter("expiry_sweep_runs_total", "Completed expiry sweep runs", nil).WithLabelValues(),
		ReconcileRuns:     metricsCollector.NewCounter("reconcile_runs_total", "Completed reconciliation runs", nil).WithLabelValues(),
		ReconcileCorrects: metricsCollector.NewCounter("reconcile_corrections_total", "Owners corrected by reconciliation", nil).WithLabelValues(),
	}

	// Build the ledger engine
	engine := ledger.New(db, logger,
		ledger.WithNotifier(notifier),
		ledger.WithMetrics(engineMetrics),
		ledger.WithLockWait(config.GetEnvDuration("OWNER_LOCK_WAIT", 2*time.Second)),
	)

	// Initialize handlers
	handlers.Init(db, logger, engine, metrics)

	// Initialize and start JobManager for background ledger tasks
	jobManager := handlers.NewJobManager(logger, engine)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - expiry sweep and reconciliation active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/tokens/ prefix)
	{
		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/tokens/balance", handlers.GetBalance)
			protected.GET("/tokens/packs", handlers.GetActivePacks)
			protected.GET("/tokens/ledger", handlers.GetLedger)
		}

		// Webhook endpoints (no auth required)
		router.POST("/webhooks/stripe", handlers.HandleStripeWebhook)

		// Ledger mutation endpoints (service-to-service)
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/tokens/consume", handlers.ConsumeTokens)
			serviceAPI.POST("/tokens/credit", handlers.CreditTokens)
			serviceAPI.POST("/tokens/adjust", handlers.AdjustTokens)
			serviceAPI.GET("/tokens/balance/:owner_id", handlers.GetOwnerBalance)
			serviceAPI.POST("/tokens/reconcile/:owner_id", handlers.ReconcileOwner)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
