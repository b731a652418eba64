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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/lalithlochan/sfaxportal/internal/api"
	"github.com/lalithlochan/sfaxportal/internal/auth"
	"github.com/lalithlochan/sfaxportal/internal/circuitbreaker"
	"github.com/lalithlochan/sfaxportal/internal/config"
	"github.com/lalithlochan/sfaxportal/internal/db"
	"github.com/lalithlochan/sfaxportal/internal/mail"
	"github.com/lalithlochan/sfaxportal/internal/metrics"
	"github.com/lalithlochan/sfaxportal/internal/observ"
	"github.com/lalithlochan/sfaxportal/internal/reconcile"
	"github.com/lalithlochan/sfaxportal/internal/redis"
	"github.com/lalithlochan/sfaxportal/internal/reminder"
	"github.com/lalithlochan/sfaxportal/internal/scheduler"
	"github.com/lalithlochan/sfaxportal/internal/sns"
	"github.com/lalithlochan/sfaxportal/internal/sqs"
	"github.com/lalithlochan/sfaxportal/internal/subscription"
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
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "portal")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting sfaxportal",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("mail_transport", cfg.MailTransport),
		zap.String("calendar_tz", cfg.CalendarTimezone.String()),
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

	repo := db.NewRepository(database, logger)

	// Redis backs idempotency and rate limiting; both degrade to off without it
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
		defer redisClient.Close()
	}

	// Mail goes through the breaker whatever the transport
	transport, err := newDispatcher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:      "mail",
		Threshold: cfg.BreakerMaxFailures,
		Cooldown:  cfg.BreakerRecoveryTimeout,
		Trials:    1,
	}, logger)
	dispatcher := circuitbreaker.NewProtectedDispatcher(transport, breaker, logger)

	composer := mail.NewComposer(cfg.DisplayTimezone)
	subscriptions := subscription.NewService(repo, composer, dispatcher, logger)

	// Lifecycle fan-out is optional
	var publisher reconcile.TransitionPublisher
	if cfg.SNSLifecycleTopicARN != "" {
		p, err := sns.NewPublisher(ctx, cfg.SNSLifecycleTopicARN, awsconfig.WithRegion(cfg.SNSRegion))
		if err != nil {
			logger.Warn("sns publisher unavailable, lifecycle transitions will not be published", zap.Error(err))
		} else {
			publisher = p
		}
	}

	// Background jobs
	reminderCfg := reminder.Config{
		Location:         cfg.CalendarTimezone,
		BatchSize:        cfg.ReminderBatchSize,
		Concurrency:      cfg.ReminderConcurrency,
		ClaimLease:       cfg.ReminderClaimLease,
		OperationTimeout: cfg.OperationTimeout,
		RefreshSnapshot:  cfg.ReminderRefreshSnapshot,
		Retry: reminder.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			Backoff:     cfg.RetryBackoff,
		},
	}
	eventReminders := reminder.New(reminder.NewEventSource(repo, composer), repo, dispatcher, reminderCfg, logger)
	promoReminders := reminder.New(reminder.NewPromotionSource(repo, composer), repo, dispatcher, reminderCfg, logger)
	lifecycle := reconcile.New(repo,
		[]reconcile.Rule{reconcile.EventRule, reconcile.PromotionRule},
		publisher,
		reconcile.Config{BatchSize: cfg.ReminderBatchSize, OperationTimeout: cfg.OperationTimeout},
		logger,
	)

	sched := scheduler.New(logger,
		scheduler.WithRunOnStart(cfg.RunOnStart),
		scheduler.WithJobTimeout(cfg.JobTimeout),
	)
	jobs := []struct {
		name     string
		interval time.Duration
		fn       scheduler.JobFunc
	}{
		{eventReminders.Name(), cfg.EventReminderInterval, eventReminders.Tick},
		{promoReminders.Name(), cfg.PromoReminderInterval, promoReminders.Tick},
		{lifecycle.Name(), cfg.ReconcileInterval, lifecycle.Tick},
		{"db_pool_stats", 15 * time.Second, func(context.Context, time.Time) error {
			metrics.SetDBConnections(int(database.Pool().Stat().AcquiredConns()))
			return nil
		}},
	}
	for _, j := range jobs {
		if err := sched.Register(j.name, j.interval, j.fn); err != nil {
			return fmt.Errorf("failed to register job: %w", err)
		}
	}

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()

	if err := sched.Start(schedCtx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	// Setup router
	handlerOpts := []api.Option{
		api.WithIdempotency(idempotencyService),
		api.WithJobs(sched),
		api.WithBreaker(breaker),
		api.WithHealth(database),
	}
	if cfg.OperatorJWTSecret != "" {
		handlerOpts = append(handlerOpts, api.WithOperatorAuth(auth.NewTokenService(cfg.OperatorJWTSecret)))
	} else {
		logger.Warn("OPERATOR_JWT_SECRET not set, archive and expire routes are not mounted")
	}
	handler := api.NewHandler(logger, repo, subscriptions, handlerOpts...)
	router := api.NewRouter(handler, rateLimiter, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second, // SMTP confirmations run inside the request
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
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop taking new ticks before draining requests
		schedCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func newDispatcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (mail.Dispatcher, error) {
	switch cfg.MailTransport {
	case config.TransportSES:
		d, err := mail.NewSESDispatcher(ctx, mail.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES dispatcher: %w", err)
		}
		return d, nil
	case config.TransportSQS:
		q, err := sqs.NewMailQueue(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSMailQueueURL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS mail queue: %w", err)
		}
		return q, nil
	case config.TransportLog:
		logger.Warn("mail transport is log, no email will leave this process")
		return mail.NewLogDispatcher(logger), nil
	default:
		return mail.NewSMTPDispatcher(mail.SMTPConfig{
			Host:               cfg.SMTPHost,
			Port:               cfg.SMTPPort,
			Username:           cfg.SMTPUsername,
			Password:           cfg.SMTPPassword,
			From:               cfg.SMTPFrom,
			InsecureSkipVerify: cfg.SMTPInsecureSkipVerify,
			Timeout:            cfg.OperationTimeout,
		}, logger), nil
	}
}
