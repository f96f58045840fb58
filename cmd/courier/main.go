package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/campaign"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/observ"
	"github.com/lalithlochan/courier/internal/ratelimit"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/worker"
)

// store is what both the campaign service and the dispatch runner need.
type store interface {
	campaign.Store
	worker.Store
	api.ContactRepository
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.Store),
	)

	ctx := context.Background()
	checks := map[string]api.Check{}

	// Campaign store
	var repo store
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store, campaigns are lost on restart")
		repo = db.NewMemoryRepository(nil)
	} else {
		database, err := db.New(ctx, db.Config{
			URL:      cfg.DatabaseURL,
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		logger.Info("database connection established",
			zap.String("host", cfg.DBHost),
			zap.String("database", cfg.DBName),
		)
		repo = db.NewRepository(database, logger)
		checks["database"] = database.Health
		go reportPool(func() { metrics.SetDBConnections(int(database.Pool().Stat().TotalConns())) })
	}

	// Redis backs the shared rate limiter and idempotency keys.
	var (
		campaignLimiter ratelimit.Limiter = ratelimit.NewMemory(nil)
		apiLimiter      ratelimit.Limiter = ratelimit.NewMemory(nil)
		idempotency     *redis.IdempotencyService
	)
	redisClient, err := redis.New(ctx, redis.Config{
		URL:      cfg.RedisURL,
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, using process-local rate limits and no idempotency",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		campaignLimiter = redis.NewRateLimiter(redisClient, logger, "campaign", nil)
		apiLimiter = redis.NewRateLimiter(redisClient, logger, "api", nil)
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		checks["redis"] = redisClient.Ping
		go reportPool(func() { metrics.SetRedisConnections(redisClient.PoolStats()) })
	}

	// Provider gateway
	sender, breakers, err := buildSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Lifecycle events
	publishers, err := buildPublishers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	emitter := events.NewEmitter(logger, publishers...)

	runner := worker.NewRunner(repo, sender, campaignLimiter, worker.Config{
		Owner:        cfg.RunnerOwner,
		PollInterval: cfg.RunnerPollInterval,
		LeaseTTL:     cfg.RunnerLeaseTTL,
	}, logger, worker.WithEvents(emitter))

	runnerCtx, runnerCancel := context.WithCancel(context.Background())
	defer runnerCancel()
	go runner.Start(runnerCtx)

	svc := campaign.NewService(repo, runner, logger, campaign.WithEvents(emitter))

	var handler *api.Handler
	if idempotency != nil {
		handler = api.NewHandlerWithIdempotency(logger, svc, repo, idempotency)
	} else {
		handler = api.NewHandler(logger, svc, repo)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", "X-Tenant-ID"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-Idempotency-Replayed"},
		MaxAge:         300,
	}))
	r.Use(requestLogger(logger))

	apiPolicy := ratelimit.Policy{Limit: cfg.APIRateLimit, Window: time.Minute}
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(apiLimiter, apiPolicy, logger, api.TenantOrIPKeyFunc))
		handler.Register(r)
		r.Post("/providers/{name}/reset", api.ResetProvider(breakers...))
	})

	r.Get("/health", api.Health(checks, breakers...))
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		logger.Error("graceful http shutdown failed", zap.Error(err))
	}

	// Workers finish their in-flight message and hand their leases back so
	// another replica resumes them.
	runnerCancel()
	if err := runner.Shutdown(ctx); err != nil {
		return fmt.Errorf("runner shutdown: %w", err)
	}

	logger.Info("courier stopped gracefully")
	return nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func reportPool(report func()) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		report()
	}
}
