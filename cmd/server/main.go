package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirinaja/inventory/internal/cache"
	"kasirinaja/inventory/internal/catalog"
	"kasirinaja/inventory/internal/config"
	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/expiry"
	"kasirinaja/inventory/internal/httpapi"
	"kasirinaja/inventory/internal/notify"
	"kasirinaja/inventory/internal/observability"
	"kasirinaja/inventory/internal/service"
	"kasirinaja/inventory/internal/store"
	"kasirinaja/inventory/internal/store/memory"
	pgstore "kasirinaja/inventory/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	settings, err := cfg.Engine()
	if err != nil {
		log.Fatalf("invalid engine configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 4)

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTELEndpoint, "kasirinaja-inventory", cfg.ServiceVersion)
	if err != nil {
		logger.WithError(err).Warn("tracing disabled")
	} else {
		closers = append(closers, func() error {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer flushCancel()
			return shutdownTracing(flushCtx)
		})
	}

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, cfg.LockTimeout())
		if err != nil {
			logger.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.WithError(err).Fatal("postgres migration failed")
		}
		if cfg.SeedAdminPassword != "" {
			// Existing accounts are left alone; the auth layer hashes the
			// plain seed on first load.
			if err := pg.CreateUser(ctx, domain.UserAccount{Username: "admin", Password: cfg.SeedAdminPassword, Role: "admin", Active: true}); err != nil {
				logger.WithError(err).Fatal("seeding admin account failed")
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	var redisClient *redis.Client
	productCache := cache.Cache(cache.Noop{})
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedis(client, "inventory:")
		if err := redisCache.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unavailable, using noop cache and local sweep lock")
			_ = client.Close()
		} else {
			redisClient = client
			productCache = redisCache
			closers = append(closers, client.Close)
			logger.Info("cache: redis")
		}
	} else {
		logger.Info("cache: noop")
	}

	notifier, err := newNotifier(cfg)
	if err != nil {
		logger.WithError(err).Fatal("notification backend unavailable")
	}
	dispatcher := notify.NewDispatcher(notifier, 5*time.Second, logger)

	sweepOpts := []expiry.Option{
		expiry.WithLogger(logger),
		expiry.WithTxPolicy(settings.Tx),
	}
	if redisClient != nil {
		sweepOpts = append(sweepOpts, expiry.WithLocker(expiry.NewRedisLocker(redisClient, "lock:expiry-sweep", 30*time.Second)))
	}
	sweeper := expiry.NewSweeper(repo, sweepOpts...)

	svc := service.New(service.Dependencies{
		Repo:       repo,
		Catalog:    catalog.NewCached(repo, productCache, cfg.ProductCacheTTL(), logger),
		Dispatcher: dispatcher,
		Sweeper:    sweeper,
		Logger:     logger,
	}, settings)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go sweeper.Run(runCtx, cfg.SweepInterval())

	go func() {
		logger.WithField("addr", cfg.Address()).Info("inventory service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopRun()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}

	// Pending notifications drain before their transport closes.
	if err := dispatcher.Close(); err != nil {
		logger.WithError(err).Warn("notifier close error")
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}

func newNotifier(cfg config.Config) (notify.Notifier, error) {
	switch cfg.NotifyBackend {
	case "amqp":
		return notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	case "kafka":
		brokers := cfg.Brokers()
		if len(brokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS must be set for the kafka backend")
		}
		return notify.NewKafkaPublisher(brokers, cfg.KafkaTopic), nil
	default:
		return notify.Noop{}, nil
	}
}
