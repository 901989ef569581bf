package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"

	"shipmatch/internal/app"
	"shipmatch/internal/config"
	"shipmatch/internal/domain"
	"shipmatch/internal/events"
	"shipmatch/internal/handler"
	"shipmatch/internal/logging"
	"shipmatch/internal/middleware"
	"shipmatch/internal/payments"
	internalRedis "shipmatch/internal/redis"
	"shipmatch/internal/relay"
	"shipmatch/internal/repository"
	"shipmatch/internal/repository/memory"
	"shipmatch/internal/repository/postgres"
	"shipmatch/internal/service"
	"shipmatch/migrations"
)

func main() {
	cfg := config.Load()
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize New Relic FIRST (before database so we can instrument DB).
	var nrApp *newrelic.Application
	if cfg.NewRelic.Enabled && cfg.NewRelic.LicenseKey != "" {
		var err error
		nrApp, err = newrelic.NewApplication(
			newrelic.ConfigAppName(cfg.NewRelic.AppName),
			newrelic.ConfigLicense(cfg.NewRelic.LicenseKey),
			newrelic.ConfigDistributedTracerEnabled(true),
			newrelic.ConfigAppLogForwardingEnabled(true),
		)
		if err != nil {
			logger.Warn("failed to initialize New Relic", "error", err)
		} else {
			logger.Info("New Relic enabled", "app", cfg.NewRelic.AppName)
		}
	}

	var db *sql.DB
	if cfg.Database.Enabled {
		var err error
		db, err = app.NewDatabase(ctx, cfg.Database, nrApp)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		logger.Info("connected to PostgreSQL", "host", cfg.Database.Host, "db", cfg.Database.DBName)

		if cfg.Database.Migrate {
			if err := app.Migrate(ctx, db, migrations.FS, logger); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
		}
	} else {
		logger.Warn("DB_ENABLED=false, records are kept in memory and lost on restart")
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = app.NewRedisClient(ctx, cfg.Redis, nrApp)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		logger.Info("connected to Redis", "addr", cfg.Redis.Addr)
	}

	publisher, err := newPublisher(cfg.Events, logger)
	if err != nil {
		logger.Error("failed to start event publisher", "backend", cfg.Events.Backend, "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	srv := wireServer(db, redisClient, publisher, nrApp, cfg, logger)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	srv.start(runCtx)

	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := srv.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	// Stop background loops first so no sweep starts a payout mid-shutdown.
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.http.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if nrApp != nil {
		nrApp.Shutdown(cfg.Server.ShutdownTimeout)
	}

	logger.Info("server exited")
}

// server is the HTTP server plus the loops that run beside it.
type server struct {
	http    *http.Server
	hub     *relay.Hub
	sweeper *service.Sweeper
	limiter *middleware.RateLimiter
	logger  *slog.Logger
}

func (s *server) start(ctx context.Context) {
	go func() {
		if err := s.hub.Run(ctx); err != nil {
			s.logger.Error("relay hub stopped", "error", err)
		}
	}()
	go s.sweeper.Run(ctx)
	go s.limiter.Run(ctx)
}

// stores groups the repository implementations picked at startup.
type stores struct {
	matches  repository.MatchRepository
	escrows  repository.EscrowRepository
	disputes repository.DisputeRepository
	profiles repository.UserProfileRepository
	methods  repository.PayoutMethodRepository
}

func newStores(db *sql.DB) stores {
	if db == nil {
		mem := memory.NewStore()
		return stores{
			matches:  mem.Matches(),
			escrows:  mem.Escrows(),
			disputes: mem.Disputes(),
			profiles: mem.Profiles(),
			methods:  mem.PayoutMethods(),
		}
	}
	return stores{
		matches:  postgres.NewMatchRepository(db),
		escrows:  postgres.NewEscrowRepository(db),
		disputes: postgres.NewDisputeRepository(db),
		profiles: postgres.NewUserProfileRepository(db),
		methods:  postgres.NewPayoutMethodRepository(db),
	}
}

func newPublisher(cfg config.EventsConfig, logger *slog.Logger) (events.Publisher, error) {
	switch cfg.Backend {
	case "kafka":
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case "amqp":
		return events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, 30*time.Second, logger)
	default:
		return events.NewLogPublisher(logger), nil
	}
}

func newProvider(cfg config.PaymentsConfig, logger *slog.Logger) payments.Provider {
	var provider payments.Provider
	if cfg.StripeAPIKey != "" {
		provider = payments.NewStripeProvider(cfg.StripeAPIKey)
		logger.Info("payment provider: stripe")
	} else {
		provider = payments.NewSimulatedProvider()
		logger.Warn("STRIPE_API_KEY not set, using simulated payment provider")
	}
	return payments.WithRetry(provider, cfg.RetryAttempts, cfg.RetryDelay, logger)
}

// wireServer wires all dependencies and returns the HTTP server.
func wireServer(
	db *sql.DB,
	redisClient *redis.Client,
	publisher events.Publisher,
	nrApp *newrelic.Application,
	cfg *config.Config,
	logger *slog.Logger,
) *server {
	repos := newStores(db)

	// Redis-backed stores are optional. Interfaces stay nil without Redis so
	// the services take their in-process paths.
	var (
		cache  internalRedis.CacheStoreInterface
		locks  internalRedis.LockStoreInterface
		routes internalRedis.RouteStoreInterface
		broker relay.Broker
	)
	if redisClient != nil {
		cache = internalRedis.NewCacheStore(redisClient)
		locks = internalRedis.NewLockStore(redisClient)
		routes = internalRedis.NewRouteStore(redisClient, cfg.Location.HistoryLimit, cfg.Location.RouteRetention)
		broker = internalRedis.NewLocationPubSub(redisClient, logger)
	} else {
		routes = memory.NewRouteStore(cfg.Location.HistoryLimit)
	}

	hub := relay.NewHub(routes, broker, relay.Options{
		StaleAfter:    cfg.Location.StaleAfter,
		ReplaySamples: cfg.Location.ReplaySamples,
		Buffer:        cfg.Location.WatcherBuffer,
		CheckInterval: cfg.Location.StaleCheckInterval,
	}, logger)

	provider := newProvider(cfg.Payments, logger)

	// Initialize services.
	notifier := service.NewNotificationService(publisher, logger)
	ledger := service.NewLedger(repos.escrows, notifier, cache, logger)
	payoutService := service.NewPayoutService(
		ledger, repos.matches, repos.escrows, repos.methods, provider, locks, notifier, logger,
		service.PayoutSettings{LockTTL: cfg.Escrow.PayoutLockTTL, PayOnRelease: cfg.Escrow.PayOnRelease},
	)
	matchService := service.NewMatchService(
		ledger, repos.matches, repos.escrows, repos.disputes, repos.profiles,
		provider, cache, notifier, logger,
		cfg.Escrow.Currency, domain.TrustLevel(cfg.Escrow.MinCarrierTrust),
	)
	deliveryService := service.NewDeliveryService(
		ledger, payoutService, repos.matches, repos.escrows, hub, logger, cfg.Escrow.ConfirmationWindow,
	)
	disputeService := service.NewDisputeService(
		ledger, payoutService, repos.matches, repos.escrows, repos.disputes, hub, notifier, logger,
	)
	locationService := service.NewLocationService(repos.matches, routes, hub, cache, logger)
	sweeper := service.NewSweeper(
		deliveryService, payoutService, repos.matches, repos.escrows, ledger, logger,
		cfg.Escrow.SweepInterval, cfg.Escrow.SweepBatch,
	)

	limiter := middleware.NewRateLimiter(cfg.Location.ReportsPerSecond, cfg.Location.ReportBurst)

	router := app.NewRouter(app.RouterDeps{
		MatchHandler:    handler.NewMatchHandler(matchService, deliveryService, payoutService),
		LocationHandler: handler.NewLocationHandler(locationService, logger),
		DisputeHandler:  handler.NewDisputeHandler(disputeService),
		Verifier:        middleware.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer),
		ReportLimiter:   limiter,
		RedisClient:     redisClient,
		NewRelicApp:     nrApp,
	})

	return &server{
		http: &http.Server{
			Addr:         ":" + cfg.Server.Port,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		hub:     hub,
		sweeper: sweeper,
		limiter: limiter,
		logger:  logger,
	}
}
