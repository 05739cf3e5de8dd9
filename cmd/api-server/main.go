package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/brokerage/compliance-engine/configs"
	"github.com/brokerage/compliance-engine/internal/auth"
	"github.com/brokerage/compliance-engine/internal/compliance"
	"github.com/brokerage/compliance-engine/internal/events"
	"github.com/brokerage/compliance-engine/internal/marketdata"
	"github.com/brokerage/compliance-engine/internal/queue"
	"github.com/brokerage/compliance-engine/internal/repositories"
	"github.com/brokerage/compliance-engine/internal/surveillance"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting Compliance Engine API Server")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis
	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Cache")
	}
	defer cacheClient.Close()

	// Initialize event bus, with Kafka fan-out when configured
	bus := events.NewBus(0)
	if cfg.Kafka.Enabled {
		sink, err := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.EventTopic)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Kafka")
		}
		defer sink.Close()
		bus.AddSink(sink)
	}

	// Initialize repositories
	ruleRepo := repositories.NewRuleRepository(db)
	violationRepo := repositories.NewViolationRepository(db)
	alertRepo := repositories.NewAlertRepository(db)
	runRepo := repositories.NewRunRepository(db)
	tradeRepo := repositories.NewTradeRepository(db)
	marketRepo := repositories.NewMarketRepository(db)

	// Initialize the compliance layer
	registry := compliance.NewRegistry()
	ruleStore := compliance.NewRuleStore(ruleRepo, registry, bus)
	violationManager := compliance.NewViolationManager(violationRepo, ruleStore, bus, cacheClient)
	checker := compliance.NewChecker(ruleStore, registry, violationManager)

	// Initialize the surveillance layer
	alertManager := surveillance.NewAlertManager(alertRepo)
	provider := marketdata.NewPGProvider(tradeRepo, marketRepo)
	engine := surveillance.NewEngine(runRepo, alertManager, provider, tradeRepo, bus, cacheClient, cfg.Surveillance)

	// Warm the rule cache before serving traffic
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	if err := ruleStore.LoadRules(loadCtx); err != nil {
		cancelLoad()
		log.Fatal().Err(err).Msg("Failed to load compliance rules")
	}
	cancelLoad()

	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, 24*time.Hour)

	// Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())

	// Rate limiting: 100 requests per minute per IP
	rateLimiter := NewRateLimiter(100, time.Minute)
	router.Use(rateLimitMiddleware(rateLimiter))

	setupRoutes(router, jwtManager, ruleStore, checker, violationManager, engine, alertManager, db, cacheClient)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func setupRoutes(
	router *gin.Engine,
	jwtManager *auth.JWTManager,
	ruleStore *compliance.RuleStore,
	checker *compliance.Checker,
	violationManager *compliance.ViolationManager,
	engine *surveillance.Engine,
	alertManager *surveillance.AlertManager,
	db *repositories.Database,
	cacheClient *queue.CacheClient,
) {
	// Health check
	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		code := http.StatusOK
		if err := db.HealthCheck(c.Request.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		} else if err := cacheClient.HealthCheck(c.Request.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	// API v1 routes
	v1 := router.Group("/api/v1")

	protected := v1.Group("")
	protected.Use(auth.Middleware(jwtManager))

	// Compliance rule routes
	ruleRoutes := protected.Group("/rules")
	{
		ruleRoutes.POST("", createRuleHandler(ruleStore))
		ruleRoutes.GET("", getRulesHandler(ruleStore))
		ruleRoutes.GET("/:id", getRuleHandler(ruleStore))
		ruleRoutes.PUT("/:id", updateRuleHandler(ruleStore))
		ruleRoutes.DELETE("/:id", deleteRuleHandler(ruleStore))
		ruleRoutes.POST("/:id/check", checkRuleHandler(checker))
		ruleRoutes.POST("/reload", auth.RequireRole("admin", "compliance"), reloadRulesHandler(ruleStore))
	}

	// Compliance check routes
	checkRoutes := protected.Group("/checks")
	{
		checkRoutes.POST("", checkActiveRulesHandler(checker))
		checkRoutes.POST("/builtin/:key", checkBuiltinHandler(checker))
	}

	// Violation routes
	violationRoutes := protected.Group("/violations")
	{
		violationRoutes.GET("", getViolationsHandler(violationManager))
		violationRoutes.POST("/:id/acknowledge", acknowledgeViolationHandler(violationManager))
		violationRoutes.POST("/:id/resolve", resolveViolationHandler(violationManager))
	}

	// Surveillance routes
	surveillanceRoutes := protected.Group("/surveillance")
	{
		surveillanceRoutes.POST("/monitor", monitorTradesHandler(engine))
		surveillanceRoutes.POST("/sweep", auth.RequireRole("admin", "compliance"), runSweepHandler(engine))
		surveillanceRoutes.GET("/runs", getRunsHandler(engine))
		surveillanceRoutes.GET("/runs/:id", getRunHandler(engine))
		surveillanceRoutes.GET("/alerts", getAlertsHandler(alertManager))
		surveillanceRoutes.GET("/alerts/:id", getAlertHandler(alertManager))
	}
}
