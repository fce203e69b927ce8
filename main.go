package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buildappswith/config"
	"buildappswith/cron"
	"buildappswith/database"
	bookingRepo "buildappswith/database/repository/booking"
	sessionTypeRepo "buildappswith/database/repository/sessiontype"
	webhookRepo "buildappswith/database/repository/webhook"
	"buildappswith/handlers"
	"buildappswith/middleware"
	"buildappswith/routes"
	"buildappswith/services/booking"
	"buildappswith/services/events"
	"buildappswith/services/payment"
	"buildappswith/services/scheduling"
	"buildappswith/services/sessiontype"
	"buildappswith/services/tasks"
	"buildappswith/services/webhook"
	"buildappswith/utils"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: failed to load config: %v", err)
	}
	logger, err := utils.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("main: failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	metrics := utils.NewMetrics()
	retry := utils.DefaultRetryPolicy(cfg.ProviderMaxRetries, cfg.ProviderTimeout)

	// Storage.
	var (
		bookings     bookingRepo.BookingRepository
		sessionTypes sessionTypeRepo.SessionTypeRepository
		webhookStore webhookRepo.WebhookStore
		expiry       booking.ExpiryScheduler
		mongoClient  *mongo.Client
		redisClients []*redis.Client
		queueClient  *asynq.Client
	)
	switch cfg.StorageBackend {
	case "memory":
		logger.Warn("Using in-memory storage; bookings are lost on restart")
		bookings = bookingRepo.NewMemoryBookingRepo()
		sessionTypes = sessionTypeRepo.NewMemorySessionTypeRepo()
		webhookStore = webhookRepo.NewMemoryWebhookStore()
	default:
		client, err := database.Connect(ctx, cfg)
		if err != nil {
			logger.Fatal("main: failed to connect to MongoDB", zap.Error(err))
		}
		mongoClient = client
		db := client.Database(cfg.DatabaseName)
		bookings = bookingRepo.NewMongoBookingRepo(db)
		sessionTypes = sessionTypeRepo.NewMongoSessionTypeRepo(db)
		for _, ensure := range []func(context.Context) error{bookings.EnsureIndexes, sessionTypes.EnsureIndexes} {
			if err := ensure(ctx); err != nil {
				logger.Fatal("main: failed to create indexes", zap.Error(err))
			}
		}

		webhookRedis, err := utils.NewRedisClient(cfg, cfg.RedisWebhookDB)
		if err != nil {
			logger.Fatal("main: failed to connect to webhook Redis", zap.Error(err))
		}
		redisClients = append(redisClients, webhookRedis)
		webhookStore = webhookRepo.NewRedisWebhookStore(webhookRedis)

		queueClient = cron.NewQueueClient(workerConfig(cfg))
		expiry = tasks.NewExpiryScheduler(queueClient, logger)
	}

	// Lifecycle event fan-out.
	var publisher booking.Publisher = events.NewLogPublisher(logger)
	var amqpPublisher *events.AMQPPublisher
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Fatal("main: failed to connect to RabbitMQ", zap.Error(err))
		}
		amqpPublisher = p
		publisher = p
	}

	// Provider adapters.
	calendly := scheduling.NewClient(scheduling.Config{
		BaseURL: cfg.CalendlyAPIURL,
		Token:   cfg.CalendlyToken,
		Retry:   retry,
	}, &http.Client{Timeout: cfg.ProviderTimeout}, logger.Named("calendly"), metrics)
	stripeGateway := payment.NewStripeGateway(payment.Config{
		SecretKey:        cfg.StripeSecretKey,
		Retry:            retry,
		CheckoutLifetime: cfg.PendingBookingTTL,
	}, nil, logger.Named("stripe"), metrics)

	// Services.
	coordinator := booking.NewCoordinator(booking.Deps{
		Bookings:     bookings,
		SessionTypes: sessionTypes,
		Scheduling:   calendly,
		Payments:     stripeGateway,
		Webhooks:     webhookStore,
		Expiry:       expiry,
		Publisher:    publisher,
		Logger:       logger.Named("booking"),
		Metrics:      metrics,
	}, coordinatorConfig(cfg))
	sessionTypeService := sessiontype.NewService(sessionTypes, calendly, logger.Named("sessiontype"))
	ingestor := webhook.NewIngestor(webhook.IngestorDeps{
		Calendly:  webhook.NewCalendlyVerifier(cfg.CalendlyWebhookSecret, cfg.WebhookTolerance),
		Stripe:    webhook.NewStripeVerifier(cfg.StripeWebhookSecret, cfg.WebhookTolerance),
		Store:     webhookStore,
		Handler:   coordinator,
		DedupeTTL: cfg.WebhookDedupeTTL,
		Logger:    logger.Named("webhook"),
		Metrics:   metrics,
	})

	// Background work.
	var worker *asynq.Server
	if queueClient != nil {
		worker = cron.InitExpiryWorker(ctx, workerConfig(cfg), cron.CoordinatorExpirer(coordinator), logger.Named("worker"))
	}
	sweeper := cron.NewSweeper(coordinator, logger.Named("sweeper"))
	if err := sweeper.Start(cfg.SweepSchedule); err != nil {
		logger.Fatal("main: invalid SWEEP_SCHEDULE", zap.String("schedule", cfg.SweepSchedule), zap.Error(err))
	}
	health := utils.NewHealthMonitor(redisClients, mongoClient, 30*time.Second)
	health.Start(ctx)

	// Create the Gin router.
	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(utils.ErrorHandler())
	router.Use(middleware.RateLimitMiddleware(cfg.MaxRequestsPerMin))

	handlerBundle := handlers.NewHandlerBundle(handlers.Deps{
		Bookings:     coordinator,
		SessionTypes: sessionTypeService,
		Webhooks:     ingestor,
		Health:       health,
		Metrics:      metrics,
		JWTSecret:    []byte(cfg.JWTSecret),
	})
	routes.RegisterRoutes(router, handlerBundle, cfg.Origins())

	// Start the HTTP server.
	port := cfg.AppPort
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              "0.0.0.0:" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Sugar().Infof("Starting server on %s...", srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Sugar().Fatalf("main: server failed to start: %v", err)
		}
	}()

	// Wait for an OS signal to gracefully shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Sugar().Info("main: server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Sugar().Errorf("main: server forced to shutdown: %v", err)
	}
	sweeper.Stop(shutdownCtx)
	if worker != nil {
		worker.Shutdown()
	}
	stop()
	if queueClient != nil {
		_ = queueClient.Close()
	}
	if amqpPublisher != nil {
		_ = amqpPublisher.Close()
	}
	for _, c := range redisClients {
		_ = c.Close()
	}
	if mongoClient != nil {
		_ = mongoClient.Disconnect(shutdownCtx)
	}

	logger.Sugar().Info("main: server stopped gracefully")
}

func workerConfig(cfg *config.Config) cron.WorkerConfig {
	return cron.WorkerConfig{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisQueueDB,
	}
}

func coordinatorConfig(cfg *config.Config) booking.Config {
	return booking.Config{
		MaxPaymentAttempts:  cfg.MaxPaymentAttempts,
		MaxRecoveryAttempts: cfg.MaxRecoveryAttempts,
		PendingTTL:          cfg.PendingBookingTTL,
		BufferTTL:           cfg.WebhookBufferTTL,
		RefundRetryAfter:    cfg.RefundRetryAfter,
		RecoveryAfter:       cfg.RecoveryAfter,
		SuccessURL:          cfg.CheckoutSuccessURL,
		CancelURL:           cfg.CheckoutCancelURL,
	}
}
