package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/subha-wp/trading-app/internal/concurrent"
	"github.com/subha-wp/trading-app/internal/config"
	"github.com/subha-wp/trading-app/internal/engine"
	"github.com/subha-wp/trading-app/internal/feed"
	"github.com/subha-wp/trading-app/internal/handlers"
	"github.com/subha-wp/trading-app/internal/ledger"
	"github.com/subha-wp/trading-app/internal/locks"
	"github.com/subha-wp/trading-app/internal/messaging"
	"github.com/subha-wp/trading-app/internal/middleware"
	"github.com/subha-wp/trading-app/internal/monitoring"
	"github.com/subha-wp/trading-app/internal/repositories"
	"github.com/subha-wp/trading-app/internal/routes"
	"github.com/subha-wp/trading-app/internal/scheduler"
	"github.com/subha-wp/trading-app/pkg/database"
	applogger "github.com/subha-wp/trading-app/pkg/logger"
)

const version = "1.0.0"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := applogger.New(cfg.ToLoggerConfig())
	logger.WithField("version", version).Info("Starting settlement service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewPrometheusMetrics(registry)
	metrics.StartSystemMetricsRecording(ctx, 15*time.Second)

	// MongoDB
	logger.Info("Connecting to MongoDB...")
	db, err := database.NewConnection(cfg.ToDatabaseConfig(), logger)
	if err != nil {
		logger.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer db.Close()

	// Redis is only needed when several instances share the order set.
	var redisClient redis.UniversalClient
	var locker locks.OrderLocker = locks.NewLocalLocker()
	if cfg.Redis.Enabled {
		client, err := database.NewRedisClient(ctx, cfg.ToRedisConfig())
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer client.Close()
		redisClient = client
		locker = locks.NewRedisLocker(client)
		logger.Info("Redis connected, using distributed order locks")
	}

	// Price feed
	hubOptions := []feed.HubOption{
		feed.WithHistory(feed.NewRESTClient(cfg.ToRESTConfig())),
		feed.WithMetrics(metrics),
	}
	if redisClient != nil {
		hubOptions = append(hubOptions, feed.WithMirror(feed.NewRedisMirror(redisClient, cfg.Redis.MirrorTTL)))
	}
	hub := feed.NewHub(cfg.ToHubConfig(), feed.NewBinanceStream(cfg.ToStreamConfig(), logger), logger, hubOptions...)
	hub.Start(ctx)
	defer hub.Stop()

	// Stores
	symbols := repositories.NewCachedSymbolProvider(repositories.NewSymbolRepository(db), cfg.ToSymbolCacheConfig())
	defer symbols.Stop()
	orders := repositories.NewOrderRepository(db)
	balances := ledger.NewMongoLedger(db)

	// Messaging
	engineOptions := []engine.Option{engine.WithMetrics(metrics)}
	var publisher *messaging.Publisher
	if cfg.Messaging.Enabled {
		publisher, err = messaging.NewPublisher(cfg.ToMessagingConfig(), logger)
		if err != nil {
			logger.Fatalf("Failed to create message publisher: %v", err)
		}
		defer publisher.Close()
		engineOptions = append(engineOptions, engine.WithPublisher(publisher))
	}

	// Resolution
	pool := concurrent.NewWorkerPool(cfg.Worker.PoolSize, cfg.Worker.QueueSize, logger)
	resolutions := scheduler.NewResolutionScheduler(cfg.ToSchedulerConfig(), orders, locker, pool, metrics, logger)
	engineOptions = append(engineOptions, engine.WithScheduler(resolutions))

	settlement := engine.NewSettlementEngine(
		cfg.ToEngineConfig(),
		symbols,
		balances,
		orders,
		hub,
		db,
		logger,
		engineOptions...,
	)

	warmFeed(ctx, symbols, hub, logger)

	if err := resolutions.Start(ctx, settlement); err != nil {
		logger.Fatalf("Failed to start resolution scheduler: %v", err)
	}
	defer resolutions.Stop()

	// HTTP
	rateLimiter := middleware.NewRateLimiter(cfg.ToRateLimitConfig())
	go cleanupRateLimiter(ctx, rateLimiter)

	healthOptions := []handlers.HealthOption{
		handlers.WithDatabase(db),
		handlers.WithFeed(hub),
		handlers.WithWorkerPool(pool),
	}
	if redisClient != nil {
		healthOptions = append(healthOptions, handlers.WithRedis(redisClient))
	}
	if publisher != nil {
		healthOptions = append(healthOptions, handlers.WithBroker(publisher))
	}

	router, err := routes.NewRouter(&routes.Dependencies{
		TradeHandler:   handlers.NewTradeHandler(settlement, logger),
		AccountHandler: handlers.NewAccountHandler(settlement),
		HealthHandler:  handlers.NewHealthHandler(version, healthOptions...),
		AuthMiddleware: middleware.NewAuthMiddleware(cfg.ToAuthConfig()),
		LogMiddleware:  middleware.NewLoggingMiddleware(logger, cfg.ToLoggingMiddlewareConfig()),
		RateLimiter:    rateLimiter,
		Metrics:        metrics,
		Gatherer:       registry,
	}, &routes.RouterConfig{
		Debug:          cfg.Server.Debug,
		CORSEnabled:    cfg.Server.CORSEnabled,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		logger.Fatalf("Failed to set up routes: %v", err)
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      router.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Infof("Starting HTTP server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	// Deferred stops run in reverse: scheduler, publisher, symbol cache, hub, redis, mongo.
	logger.Info("Server exited")
}

// warmFeed opens a stream for every enabled symbol so the first trade does not
// wait for a connection.
func warmFeed(ctx context.Context, symbols repositories.SymbolProvider, hub *feed.Hub, logger *logrus.Logger) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	enabled, err := symbols.ListEnabled(listCtx)
	if err != nil {
		logger.WithError(err).Warn("Could not list symbols; streams will open on first use")
		return
	}

	for _, symbol := range enabled {
		if err := hub.Subscribe(symbol.FeedSymbol); err != nil {
			logger.WithError(err).WithField("symbol", symbol.FeedSymbol).Warn("Failed to subscribe to price stream")
		}
	}
	logger.WithField("symbols", len(enabled)).Info("Price streams warming up")
}

func cleanupRateLimiter(ctx context.Context, limiter *middleware.RateLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Cleanup(10 * time.Minute)
		}
	}
}
