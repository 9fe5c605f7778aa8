package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pedroitan/bulkemail-sub001/internal/api"
	"github.com/pedroitan/bulkemail-sub001/internal/circuitbreaker"
	"github.com/pedroitan/bulkemail-sub001/internal/config"
	"github.com/pedroitan/bulkemail-sub001/internal/db"
	"github.com/pedroitan/bulkemail-sub001/internal/metrics"
	"github.com/pedroitan/bulkemail-sub001/internal/observ"
	"github.com/pedroitan/bulkemail-sub001/internal/ratelimit"
	"github.com/pedroitan/bulkemail-sub001/internal/redis"
	"github.com/pedroitan/bulkemail-sub001/internal/sqs"
	"github.com/pedroitan/bulkemail-sub001/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting bulkemail gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Initialize Redis for event dedupe, idempotency, and API rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, falling back to in-memory dedupe",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var apiRateLimiter *redis.RateLimiter
	var deduper worker.Deduper
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		apiRateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: cfg.APIRateLimitWindow,
		})
		deduper = redis.NewEventDeduper(redisClient, logger)
		defer redisClient.Close()
	} else {
		// Process-local dedupe still absorbs same-process redeliveries.
		deduper = worker.NewMemoryDeduper(100000)
	}

	// Shared token-bucket limiter: sends plus both event classes.
	limiter := ratelimit.New(map[ratelimit.Class]ratelimit.BucketConfig{
		ratelimit.ClassSend:          {Capacity: cfg.SendCapacity, RefillPerSec: cfg.SendRefillPerSec},
		ratelimit.ClassCritical:      {Capacity: cfg.CriticalCapacity, RefillPerSec: cfg.CriticalRefillPerSec},
		ratelimit.ClassInformational: {Capacity: cfg.InfoCapacity, RefillPerSec: cfg.InfoRefillPerSec},
	}, logger)

	// SES gateway behind a circuit breaker. Without AWS credentials the
	// log gateway keeps local development working end to end.
	var gateway worker.Gateway
	sesGateway, err := worker.NewSESGateway(ctx, worker.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
		FromName:  cfg.SESFromName,
	}, logger)
	if err != nil {
		logger.Warn("ses gateway unavailable, using log gateway", zap.Error(err))
		gateway = worker.NewLogGateway(logger)
	} else {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger)
		gateway = circuitbreaker.NewProtectedGateway(sesGateway, breaker, logger)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	// Segment scheduler
	scheduler := worker.NewScheduler(repo, gateway, limiter, worker.SchedulerConfig{
		SegmentSize:     cfg.SegmentSize,
		SegmentInterval: cfg.SegmentInterval,
		MaxRetries:      cfg.SegmentMaxRetries,
		ErrorRatePct:    cfg.SegmentErrorRatePct,
		PollInterval:    cfg.SchedulerPoll,
		AcquireMaxWait:  cfg.AcquireMaxWait,
	}, logger)

	go scheduler.Start(workerCtx)
	logger.Info("segment scheduler started",
		zap.Int("segment_size", cfg.SegmentSize),
		zap.Duration("segment_interval", cfg.SegmentInterval),
	)

	// Delivery-event pipeline, only when a queue is configured
	pipelineDone := make(chan struct{})
	if cfg.SQSQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:            cfg.SQSRegion,
			QueueURL:          cfg.SQSQueueURL,
			VisibilityTimeout: int32(cfg.SQSVisibilityTimeout),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs consumer: %w", err)
		}

		pipeline := worker.NewPipeline(consumer, repo, deduper, limiter, worker.PipelineConfig{
			PollInterval:   cfg.PipelinePoll,
			BatchSize:      cfg.SQSPollBatchSize,
			AcquireMaxWait: cfg.AcquireMaxWait,
			StoreRetryMax:  cfg.StoreRetryMax,
			StoreRetryWait: cfg.StoreRetryDelay,
		}, logger)

		go func() {
			defer close(pipelineDone)
			pipeline.Run(workerCtx)
		}()
		logger.Info("delivery pipeline started",
			zap.String("queue_url", cfg.SQSQueueURL),
		)
	} else {
		close(pipelineDone)
		logger.Warn("SQS_QUEUE_URL not set, delivery events will not be reconciled")
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	var handler *api.Handler
	if idempotencyService != nil {
		handler = api.NewHandlerWithIdempotency(logger, repo, idempotencyService)
	} else {
		handler = api.NewHandler(logger, repo)
	}
	r.Route("/v1", func(r chi.Router) {
		// Apply rate limiting to API routes
		r.Use(api.RateLimitMiddleware(apiRateLimiter, logger, api.IPKeyFunc))

		r.Post("/campaigns", handler.CreateCampaign)
		r.Get("/campaigns", handler.ListCampaigns)
		r.Get("/campaigns/{id}", handler.GetCampaign)
		r.Get("/campaigns/{id}/recipients", handler.ListRecipients)
		r.Post("/campaigns/{id}/run", handler.RunCampaign)
	})

	// Health check: verifies the store and, when configured, Redis. Also
	// refreshes the connection gauges.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			logger.Error("health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		metrics.SetDBConnections(int(database.Pool().Stat().TotalConns()))

		if redisClient != nil {
			if err := redisClient.Ping(r.Context()); err != nil {
				logger.Error("health check failed", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("redis unavailable"))
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// Stop the workers and wait for the in-flight batch to drain,
		// bounded by the same shutdown window.
		workerCancel()
		select {
		case <-pipelineDone:
		case <-shutdownCtx.Done():
			logger.Warn("pipeline drain timed out")
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
