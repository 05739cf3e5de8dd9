package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/brokerage/compliance-engine/configs"
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
		Dur("sweep_interval", cfg.Surveillance.SweepInterval).
		Dur("sweep_window", cfg.Surveillance.SweepWindow).
		Msg("Starting Compliance Engine Surveillance Worker")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis Cache client
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

	// Initialize the surveillance engine
	alertRepo := repositories.NewAlertRepository(db)
	runRepo := repositories.NewRunRepository(db)
	tradeRepo := repositories.NewTradeRepository(db)
	marketRepo := repositories.NewMarketRepository(db)

	alertManager := surveillance.NewAlertManager(alertRepo)
	provider := marketdata.NewPGProvider(tradeRepo, marketRepo)
	engine := surveillance.NewEngine(runRepo, alertManager, provider, tradeRepo, bus, cacheClient, cfg.Surveillance)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	runSweepLoop(ctx, engine, cfg.Surveillance.SweepInterval)

	log.Info().Msg("Worker shutdown complete")
}

// runSweepLoop runs one sweep immediately, then on every tick until
// the context is canceled. A failed sweep is logged and the loop keeps
// going; the next tick retries against whatever trades are now in the
// window.
func runSweepLoop(ctx context.Context, engine *surveillance.Engine, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweep := func() {
		if _, err := engine.RunSurveillanceChecks(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Surveillance sweep failed")
		}
	}

	sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
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
