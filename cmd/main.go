/**
 * @description
 * This is the main entry point for the ussd-credit service. It wires together
 * configuration, the PostgreSQL pool, Redis (sessions and job locks), the
 * RabbitMQ producer, the payment gateway client, the billing scheduler and
 * the HTTP webhook server, then runs until a shutdown signal arrives.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/rigzlion8/ussd-credit/internal/api"
	"github.com/rigzlion8/ussd-credit/internal/app"
	"github.com/rigzlion8/ussd-credit/internal/config"
	"github.com/rigzlion8/ussd-credit/internal/store"
	"github.com/rigzlion8/ussd-credit/internal/ussd"
	"github.com/rigzlion8/ussd-credit/pkg/daraja"
	"github.com/rigzlion8/ussd-credit/pkg/rabbitmq"
)

func main() {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 50
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("unable to parse redis URL", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("unable to connect to redis", "error", err)
		os.Exit(1)
	}
	logger.Info("redis connection established")

	var events app.EventPublisher = app.NoopPublisher{}
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			logger.Error("unable to connect to rabbitmq", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		events = producer
		logger.Info("rabbitmq connection established")
	} else {
		logger.Warn("RABBITMQ_URL not set, billing events will not be published")
	}

	repository := store.NewPostgresRepository(dbpool)
	sessions := ussd.NewStore(redisClient, cfg.SessionTTL())
	gateway := daraja.NewClient(cfg.DarajaBaseURL, cfg.DarajaAPIKey, cfg.DarajaShortCode)
	jobLock := app.NewRedisJobLock(redisClient)

	ussdService := app.NewUSSDService(sessions, repository, events, logger, cfg.MaxInvalidAttempts)
	reconciler := app.NewReconciler(repository, events, logger, cfg.MaxConsecutiveFailures)
	jobs := app.NewJobs(repository, gateway, jobLock, events, logger,
		cfg.MaxConsecutiveFailures, cfg.GatewayRetryAttempts, cfg.PendingChargeMaxAge(), cfg.SchedulerLockTTL())

	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()

	handler := api.NewHandler(ussdService, reconciler, cfg.CallbackSecret, logger)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// Let any in-flight scheduler tick finish before exiting.
	<-scheduler.Stop().Done()

	logger.Info("server stopped")
}
