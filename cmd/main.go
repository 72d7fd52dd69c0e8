/**
 * @description
 * This is the main entry point for the escrow-service. It initializes the
 * configuration, the store (PostgreSQL or in-memory), payment rails, the
 * identity client, the RabbitMQ producer and consumer, the release scheduler
 * and the HTTP server, wires them together and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Offer submission rate limiting.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/rail, internal/scheduler, internal/store.
 * - pkg/identityclient, pkg/rabbitmq.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/escrow-service/internal/api"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/config"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/metrics"
	"github.com/transfa/escrow-service/internal/rail"
	"github.com/transfa/escrow-service/internal/scheduler"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/identityclient"
	rmrabbit "github.com/transfa/escrow-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	escrowMetrics := metrics.Escrow()
	logger.Info("starting escrow-service", "port", cfg.ServerPort, "store", cfg.StoreDriver)

	ctx := context.Background()

	var repository store.Repository
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; state is lost on restart")
		repository = store.NewMemoryRepository()
	default:
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}

		// Configure connection pool for high-traffic scenarios
		poolConfig.MaxConns = 100
		poolConfig.MinConns = 20
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		// Disable prepared statement caching to prevent conflicts
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		logger.Info("database connection established")

		pgRepo := store.NewPostgresRepository(dbpool)
		if cfg.AutoMigrate {
			if err := pgRepo.Migrate(ctx); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
			}
			logger.Info("database schema applied")
		}
		repository = pgRepo
	}

	// Payment rails. A rail without credentials is left out; offers naming it
	// are rejected as a validation error.
	retryPolicy := rail.RetryPolicy{Timeout: cfg.RailCallTimeout(), MaxRetries: cfg.RailCallMaxRetries}
	var rails []rail.Rail
	if strings.TrimSpace(cfg.StripeSecretKey) != "" {
		rails = append(rails, rail.WithRetry(rail.NewCardRail(cfg.StripeSecretKey, cfg.StripeCurrency), retryPolicy, logger, escrowMetrics))
	} else {
		logger.Warn("stripe secret key missing; card rail disabled", "env", "STRIPE_SECRET_KEY")
	}
	if strings.TrimSpace(cfg.ChainRelayerURL) != "" {
		rails = append(rails, rail.WithRetry(rail.NewChainRail(cfg.ChainRelayerURL, cfg.ChainRelayerAPIKey, cfg.ChainEscrowWallet), retryPolicy, logger, escrowMetrics))
	} else {
		logger.Warn("chain relayer url missing; crypto rail disabled", "env", "CHAIN_RELAYER_URL")
	}
	registry := rail.NewRegistry(rails...)

	deps := app.Deps{
		Repo:    repository,
		Rails:   registry,
		Metrics: escrowMetrics,
		Logger:  logger,
	}

	if strings.TrimSpace(cfg.IdentityServiceURL) != "" {
		deps.Identity = identityclient.NewClient(cfg.IdentityServiceURL, cfg.IdentityServiceAPIKey)
	} else {
		logger.Warn("identity service not configured; verification gate and payout destinations disabled")
	}

	if cfg.OfferSubmitRateLimitPerMinute > 0 || cfg.OfferListingRateLimitPerHour > 0 {
		if redisClient := connectRedis(cfg, logger); redisClient != nil {
			defer redisClient.Close()
			deps.Limiter = app.NewRedisOfferThrottle(redisClient, cfg.RedisRateLimitPrefix)
		}
	}

	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		producer = rabbitProducer
		logger.Info("rabbitmq producer connected")
	}
	defer producer.Close()
	deps.Publisher = producer

	escrowService := app.NewService(deps, app.Config{
		HighValueOfferThreshold: cfg.HighValueOfferThreshold,
		OfferSubmitRateLimit:    cfg.OfferSubmitRateLimitPerMinute,
		OfferListingRateLimit:   cfg.OfferListingRateLimitPerHour,
		PayoutMaxAttempts:       cfg.PayoutMaxAttempts,
		PayoutBackoffBase:       cfg.PayoutBackoffBase(),
		PayoutBackoffMax:        cfg.PayoutBackoffMax(),
		SettlementLease:         cfg.SettlementLease(),
	})

	// The scheduler arms release timers and runs the sweeps. Recovery runs a
	// catch-up sweep before the cron starts.
	jobs := scheduler.NewJobs(escrowService, escrowMetrics, logger)
	releaseScheduler := scheduler.NewScheduler(jobs, logger, cfg)
	escrowService.SetEscrowTimer(releaseScheduler)
	if err := releaseScheduler.RecoverOnStartup(ctx); err != nil {
		logger.Error("escrow timer recovery failed; relying on sweep", "error", err)
	}
	releaseScheduler.Start()
	logger.Info("scheduler started")

	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("rabbitmq url missing; rail event consumer disabled", "env", "RABBITMQ_URL")
	} else {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
		}
		defer rabbitConsumer.Close()

		consumer := app.NewEventConsumer(escrowService)
		if err := rabbitConsumer.ConsumeWithBindings(domain.MarketplaceExchange, cfg.RailEventQueue, consumer.Bindings()); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rail event consumer start failed\" err=%v", err)
		}
		logger.Info("rail event consumer started", "queue", cfg.RailEventQueue)
	}

	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		logger.Warn("internal api key missing; rail webhook disabled", "env", "INTERNAL_API_KEY")
	}

	router := api.EscrowRoutes(
		api.NewEscrowHandlers(escrowService),
		api.AuthConfig{JWKSURL: cfg.ClerkJWKSURL, Audience: cfg.ClerkAudience, Issuer: cfg.ClerkIssuer},
		cfg.InternalAPIKey,
		cfg.AllowedOrigins(),
	)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	// Wait for termination signal to gracefully shut down
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	<-releaseScheduler.Stop().Done()
	logger.Info("shutdown complete")
}

// connectRedis returns a live client, or nil when rate limiting must run
// without Redis.
func connectRedis(cfg config.Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; offer rate limiting disabled", "env", "REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; offer rate limiting disabled", "error", err)
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; offer rate limiting disabled", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
