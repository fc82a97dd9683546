package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/clients/amazon"
	"marketplace-sync-service/internal/clients/n11"
	"marketplace-sync-service/internal/clients/trendyol"
	"marketplace-sync-service/internal/config"
	"marketplace-sync-service/internal/database"
	"marketplace-sync-service/internal/handlers"
	"marketplace-sync-service/internal/logging"
	"marketplace-sync-service/internal/middleware"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/repository"
	"marketplace-sync-service/internal/secrets"
	"marketplace-sync-service/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	db, err := database.Connect(cfg.DatabaseURL, cfg.Environment)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database models migrated")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional GCP Secret Manager credential source
	var secretManager *secrets.GCPSecretManager
	if cfg.GCPProjectID != "" {
		secretManager, err = secrets.NewGCPSecretManager(ctx, cfg.GCPProjectID)
		if err != nil {
			logger.Warn("Failed to initialize GCP Secret Manager, using env credentials", zap.Error(err))
		} else {
			defer secretManager.Close()
		}
	}

	adapters, err := buildAdapters(ctx, cfg, secretManager, logger)
	if err != nil {
		logger.Fatal("Failed to initialize marketplace adapters", zap.Error(err))
	}

	// Repositories
	canonicalRepo := repository.NewCanonicalRepository(db)
	cycleRepo := repository.NewCycleRepository(db)
	anomalyRepo := repository.NewAnomalyRepository(db)
	webhookRepo := repository.NewWebhookRepository(db)

	// Services
	retrier := clients.NewRetrier(&clients.RetryConfig{
		MaxAttempts:    cfg.SyncMaxRetries,
		InitialBackoff: cfg.SyncRetryDelay,
		MaxBackoff:     60 * cfg.SyncRetryDelay,
		BackoffFactor:  2.0,
		Jitter:         0.1,
	})
	reconcileService := services.NewReconcileService(canonicalRepo, anomalyRepo, cfg.PriceAuthority, logger)
	syncService := services.NewSyncService(adapters, reconcileService, cycleRepo, canonicalRepo, retrier, cfg.SyncInterval, logger)
	webhookService := services.NewWebhookService(adapters, webhookRepo, cycleRepo, reconcileService, logger)

	// Handlers
	healthHandler := handlers.NewHealthHandler(db)
	syncHandler := handlers.NewSyncHandler(syncService, cycleRepo)
	queryHandler := handlers.NewQueryHandler(canonicalRepo)
	anomalyHandler := handlers.NewAnomalyHandler(anomalyRepo)
	webhookHandler := handlers.NewWebhookHandler(webhookService, cfg)

	router := setupRouter(cfg, logger, healthHandler, syncHandler, queryHandler, anomalyHandler, webhookHandler)

	syncService.Start(ctx)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		logger.Info("Marketplace sync service starting", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	syncService.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

// buildAdapters constructs and initializes one adapter per enabled
// marketplace. Credentials come from Secret Manager when configured, env
// otherwise.
func buildAdapters(ctx context.Context, cfg *config.Config, secretManager *secrets.GCPSecretManager, logger *zap.Logger) (map[models.MarketplaceType]clients.MarketplaceAdapter, error) {
	adapters := make(map[models.MarketplaceType]clients.MarketplaceAdapter, len(cfg.Marketplaces))
	for _, mc := range cfg.Marketplaces {
		var adapter clients.MarketplaceAdapter
		switch mc.Type {
		case models.MarketplaceTrendyol:
			adapter = trendyol.NewTrendyolClient()
		case models.MarketplaceAmazon:
			adapter = amazon.NewAmazonClient()
		case models.MarketplaceN11:
			adapter = n11.NewN11Client()
		default:
			return nil, &clients.UnsupportedMarketplaceError{MarketplaceType: string(mc.Type)}
		}

		credentials := mc.Credentials
		if secretManager != nil {
			secret, err := secretManager.GetMarketplaceSecret(ctx, mc.Type)
			if err != nil {
				logger.Warn("Falling back to env credentials",
					zap.String("marketplace", string(mc.Type)), zap.Error(err))
			} else {
				credentials = secret.Credentials
			}
		}

		if err := adapter.Initialize(ctx, credentials); err != nil {
			return nil, err
		}
		adapters[mc.Type] = adapter
		logger.Info("Marketplace adapter initialized", zap.String("marketplace", string(mc.Type)))
	}
	return adapters, nil
}

// setupRouter configures the HTTP router
func setupRouter(
	cfg *config.Config,
	logger *zap.Logger,
	healthHandler *handlers.HealthHandler,
	syncHandler *handlers.SyncHandler,
	queryHandler *handlers.QueryHandler,
	anomalyHandler *handlers.AnomalyHandler,
	webhookHandler *handlers.WebhookHandler,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())

	var origins []string
	if allowedOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); allowedOrigins != "" {
		origins = strings.Split(allowedOrigins, ",")
	} else {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(middleware.CORS(origins))

	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/sync/:marketplace", syncHandler.TriggerSync)
		v1.POST("/sync/:marketplace/cancel", syncHandler.CancelSync)
		v1.POST("/sync/:marketplace/test", syncHandler.TestConnection)
		v1.GET("/sync/status", syncHandler.Status)
		v1.GET("/sync/cycles", syncHandler.ListCycles)
		v1.GET("/sync/cycles/:id", syncHandler.GetCycle)
		v1.GET("/sync/stats", syncHandler.Stats)

		v1.GET("/products", queryHandler.ListProducts)
		v1.GET("/products/:id", queryHandler.GetProduct)
		v1.GET("/orders", queryHandler.ListOrders)
		v1.GET("/orders/:id", queryHandler.GetOrder)
		v1.GET("/returns", queryHandler.ListReturns)
		v1.GET("/returns/:id", queryHandler.GetReturn)

		v1.GET("/anomalies", anomalyHandler.List)
		v1.POST("/anomalies/:id/resolve", anomalyHandler.Resolve)

		v1.POST("/webhooks/:marketplace", webhookHandler.Receive)
	}

	return router
}
