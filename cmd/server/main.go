// Package main is the entry point for the demandline analytics engine. It
// mirrors order events from Redis streams into a local SQLite database,
// aggregates sales and inventory metrics, trains demand forecasts, and turns
// them into restock recommendations served over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/demandline/demandline/internal/cache"
	"github.com/demandline/demandline/internal/clients/upstream"
	"github.com/demandline/demandline/internal/config"
	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
	"github.com/demandline/demandline/internal/forecast"
	"github.com/demandline/demandline/internal/metrics"
	"github.com/demandline/demandline/internal/quality"
	"github.com/demandline/demandline/internal/reliability"
	"github.com/demandline/demandline/internal/restock"
	"github.com/demandline/demandline/internal/scheduler"
	"github.com/demandline/demandline/internal/server"
	"github.com/demandline/demandline/internal/streams"
	"github.com/demandline/demandline/pkg/logger"
)

const (
	ordersStream    = "orders"
	consumeInterval = 2 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Int("port", cfg.Port).Str("data_dir", cfg.DataDir).Msg("Starting demandline")

	clock := domain.RealClock{}

	// Analytics database (SQLite, WAL).
	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "analytics.db"),
		Name: "analytics",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open analytics database")
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate analytics database")
	}

	// Redis backs the distributed cache and the order event streams.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		// The cache degrades to misses and the consumer retries, so a
		// Redis outage at boot is not fatal.
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unreachable at startup")
	}
	cancelPing()
	c := cache.New(redisClient, cfg.CacheKeyPrefix, log)

	// Upstream commerce services.
	client := upstream.New(map[string]string{
		metrics.ServiceSales:     cfg.SalesServiceURL,
		metrics.ServiceInventory: cfg.InventoryServiceURL,
		"callbacks":              cfg.CallbacksServiceURL,
	}, log)

	// Metric repositories and the aggregator.
	daily := metrics.NewDailySalesRepository(db)
	demand := metrics.NewProductDemandRepository(db)
	turnover := metrics.NewInventoryTurnoverRepository(db)
	aggregator := metrics.NewAggregator(client, db, daily, demand, turnover, clock, log)

	// Forecast engine and restock analyzer.
	engine := forecast.NewEngine(db, c, quality.NewValidator(log), demand, clock, forecast.Config{
		ModelTTL:  cfg.ModelCacheTTL,
		ResultTTL: cfg.ForecastResultTTL,
	}, log)
	accuracy := forecast.NewAccuracyRepository(db)
	analyzer := restock.NewAnalyzer(db, engine, clock, log)
	analyzer.Workers = cfg.BulkWorkerPool
	recommendations := restock.NewRecommendationRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Order event consumer.
	positions := streams.NewPositionRepository(db)
	consumer := streams.NewConsumer(redisClient, positions, cfg.ConsumerName, clock, log)
	streams.NewOrderHandlers(db, clock, log).Register(consumer)
	go consumer.Run(ctx, ordersStream, cfg.ConsumerBatchSize, consumeInterval)

	// Off-site backups are optional; the weekly task registers only when a
	// bucket is configured.
	var backupper scheduler.Backupper
	if cfg.Backup.Enabled {
		store, err := reliability.NewS3Store(cfg.Backup, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to configure backup store")
		}
		backupper = reliability.NewBackupService(db, store, cfg.Backup.RetentionDays, clock, log)
	}

	// Scheduled tasks.
	taskRuns := scheduler.NewTaskRunRepository(db)
	runner := scheduler.NewRunner(taskRuns, clock, log)
	jobs := scheduler.NewJobs(db, aggregator, engine, accuracy, analyzer, recommendations,
		daily, demand, turnover, taskRuns, client, c, backupper, clock, scheduler.JobsConfig{
			RetentionDays:   cfg.AnalyticsRetentionDays,
			LeadTimeDays:    cfg.LeadTimeDaysDefault,
			TopProducts:     cfg.TopNDefault,
			ForecastPeriods: cfg.PeriodDaysDefault,
		}, log)
	if err := jobs.RegisterAll(runner); err != nil {
		log.Fatal().Err(err).Msg("Failed to register scheduled tasks")
	}
	maintenance := reliability.NewMaintenance(db, cfg.DataDir, log)
	if err := runner.Register("0 0 4 * * 0", maintenance); err != nil {
		log.Fatal().Err(err).Msg("Failed to register maintenance task")
	}
	runner.Start(ctx)

	// HTTP API.
	srv := server.New(server.Config{
		Log:             log,
		DB:              db,
		Cache:           c,
		Upstream:        client,
		Cfg:             cfg,
		Clock:           clock,
		Engine:          engine,
		Accuracy:        accuracy,
		Analyzer:        analyzer,
		Recommendations: recommendations,
		Aggregator:      aggregator,
		Daily:           daily,
		Demand:          demand,
		Turnover:        turnover,
		TaskRuns:        taskRuns,
	})
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	// Stop the consumer and scheduled tasks, then drain HTTP.
	cancel()
	runner.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}
