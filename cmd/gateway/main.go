package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mdp/qrterminal/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/acs"
	"github.com/lalithlochan/kabar/internal/ai"
	"github.com/lalithlochan/kabar/internal/amqp"
	"github.com/lalithlochan/kabar/internal/api"
	"github.com/lalithlochan/kabar/internal/attachments"
	"github.com/lalithlochan/kabar/internal/circuitbreaker"
	"github.com/lalithlochan/kabar/internal/config"
	"github.com/lalithlochan/kabar/internal/connection"
	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/dispatch"
	"github.com/lalithlochan/kabar/internal/metrics"
	"github.com/lalithlochan/kabar/internal/notify"
	"github.com/lalithlochan/kabar/internal/observ"
	"github.com/lalithlochan/kabar/internal/outbound"
	"github.com/lalithlochan/kabar/internal/redis"
	"github.com/lalithlochan/kabar/internal/session"
	"github.com/lalithlochan/kabar/internal/sns"
	"github.com/lalithlochan/kabar/internal/sqs"
	"github.com/lalithlochan/kabar/internal/templates"
	"github.com/lalithlochan/kabar/internal/transport/wuzapi"
	"github.com/lalithlochan/kabar/internal/worker"
)

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

	logger.Info("starting kabar gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
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
	go database.ReportStats(ctx, 15*time.Second)

	repo := db.NewRepository(database, logger)
	customers := db.NewCustomerStore(database, logger)
	billing := db.NewBillingStore(database, logger)

	// Redis backs idempotency, rate limits, the flood guard and event dedupe.
	// Without it those features are disabled rather than fatal.
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
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
		go reportRedisStats(ctx, redisClient, 15*time.Second)
	}

	files, err := newAttachments(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Chat transport and its connection manager
	gateway := wuzapi.New(wuzapi.Config{
		URL:        cfg.WuzapiURL,
		Token:      cfg.WuzapiToken,
		WebhookURL: cfg.WebhookURL,
	}, files, logger)
	webhook := wuzapi.NewWebhook(gateway, cfg.WebhookSecret, logger)

	mgr := connection.New(gateway, connection.DefaultConfig(), logger)

	queue := outbound.New(mgr, outbound.Config{
		Capacity:    cfg.OutboundCapacity,
		MaxAttempts: cfg.OutboundMaxAttempts,
		MinDelay:    cfg.OutboundMinDelay,
		MaxDelay:    cfg.OutboundMaxDelay,
		RetryDelay:  cfg.OutboundRetryDelay,
	}, logger)

	mgr.OnEvent(func(ev connection.Event) {
		switch ev.Type {
		case connection.EventReady:
			queue.Kick()
		case connection.EventQR:
			if cfg.IsDevelopment() && !strings.HasPrefix(ev.QR, "data:") {
				qrterminal.GenerateHalfBlock(ev.QR, qrterminal.L, os.Stdout)
			}
		case connection.EventManualIntervention:
			logger.Error("chat session needs manual pairing",
				zap.String("reason", string(ev.Reason)),
				zap.Int("attempts", ev.Attempts),
			)
		}
	})

	queue.Start(ctx)
	defer queue.Stop()

	// a failed first attempt is retried by the manager
	if err := mgr.Start(ctx); err != nil {
		logger.Warn("chat connection not ready at startup", zap.Error(err))
	}

	// Provider senders sit behind circuit breakers. The chat sender does not:
	// the connection manager already gates it on readiness.
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}, logger)

	senders := []worker.Sender{
		worker.NewWhatsAppSender(queue, mgr, 2*time.Minute, logger),
	}

	sesSender, err := worker.NewSESSender(ctx, worker.SESConfig{
		Region:         cfg.AWSRegion,
		FromEmail:      cfg.SESFromEmail,
		DefaultSubject: cfg.CompanyName,
	}, logger)
	if err != nil {
		logger.Warn("SES sender unavailable, email notifications disabled", zap.Error(err))
	} else {
		senders = append(senders, circuitbreaker.NewProtectedSender(sesSender, breakers.Get(db.ChannelEmail), logger))
	}

	snsSender, err := worker.NewSNSSender(ctx, worker.SNSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS notifications disabled", zap.Error(err))
	} else {
		senders = append(senders, circuitbreaker.NewProtectedSender(snsSender, breakers.Get(db.ChannelSMS), logger))
	}

	if cfg.PushGatewayURL != "" {
		push := worker.NewPushSender(logger, worker.PushConfig{
			GatewayURL: cfg.PushGatewayURL,
			Timeout:    cfg.WebhookTimeout,
		})
		senders = append(senders, circuitbreaker.NewProtectedSender(push, breakers.Get(db.ChannelPush), logger))
	} else {
		senders = append(senders, worker.NewLogSender(logger, db.ChannelPush))
	}

	multiSender := worker.NewMultiSender(logger, senders...)

	logger.Info("initialized multi-channel notification system",
		zap.Bool("email_enabled", sesSender != nil),
		zap.Bool("sms_enabled", snsSender != nil),
		zap.Bool("push_enabled", cfg.PushGatewayURL != ""),
	)

	// Delivery events
	sinks := newEventSinks(ctx, cfg, logger)
	defer sinks.close()

	notifyDeps := notify.Deps{
		Repo:        repo,
		Templates:   templates.NewCachedProvider(repo, 5*time.Minute, logger),
		Customers:   customers,
		Sender:      multiSender,
		Billing:     billing,
		Admins:      customers,
		Direct:      queue,
		Attachments: files,
	}
	if len(sinks.list) > 0 {
		notifyDeps.Sink = notify.NewFanoutSink(logger, sinks.list...)
	}

	var idempotency *redis.IdempotencyService
	var limiter *redis.RateLimiter
	var flood *redis.FloodGuard
	var sessions session.Store
	if redisClient != nil {
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: time.Minute,
		})
		flood = redis.NewFloodGuard(redisClient, logger)
		notifyDeps.Dedupe = redis.NewEventDedupe(redisClient, 24*time.Hour)
	}

	switch {
	case cfg.SessionBackend == "redis" && redisClient != nil:
		sessions = session.NewRedisStore(redisClient.Redis(), cfg.SessionTTL)
	case cfg.SessionBackend == "redis":
		logger.Warn("redis session backend requested but redis is unavailable, using memory")
		sessions = session.NewMemoryStore(cfg.SessionTTL, logger)
	default:
		sessions = session.NewMemoryStore(cfg.SessionTTL, logger)
	}

	notifier := notify.New(notifyDeps, notify.Config{
		BatchSize:           cfg.SweepBatchSize,
		RecoveryTimeout:     cfg.SweepRecoveryTimeout,
		ConnectivityBackoff: cfg.SweepConnectivityBackoff,
		CompanyName:         cfg.CompanyName,
	}, logger)
	defer notifier.Close()

	w := worker.New(notifier, worker.Config{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
	}, logger)
	go w.Start(ctx)

	logger.Info("notification sweep started", zap.Duration("interval", cfg.SweepInterval))

	// Inbound conversations
	dispatchDeps := dispatch.Deps{
		Sessions:   sessions,
		Replier:    queue,
		Directory:  customers,
		Billing:    billing,
		Prepaid:    db.NewPrepaidStore(database, logger),
		Activation: billing,
		Proofs:     db.NewProofStore(database, logger),
		Tickets:    db.NewTicketStore(database, logger),
		Connection: mgr,
		Files:      files,
		Admins:     notifier,
	}
	if flood != nil {
		dispatchDeps.Flood = flood
	}
	if cfg.GenieACSURL != "" {
		dispatchDeps.WiFi = acs.New(acs.Config{
			URL:      cfg.GenieACSURL,
			Username: cfg.GenieACSUsername,
			Password: cfg.GenieACSPassword,
		}, logger)
	}

	assistant, err := ai.NewClient(ai.Config{
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.OpenAIModel,
	}, logger)
	switch {
	case err == nil:
		dispatchDeps.Assistant = ai.NewResponder(assistant, cfg.CompanyName, cfg.AdminContact)
		dispatchDeps.Verifier = dispatch.NewAmountVerifier(assistant)
		logger.Info("assistant enabled", zap.String("model", cfg.OpenAIModel))
	case errors.Is(err, ai.ErrNotConfigured):
		logger.Info("assistant disabled, no OpenAI key configured")
	default:
		return fmt.Errorf("failed to create assistant client: %w", err)
	}

	dispatcher := dispatch.New(dispatchDeps, dispatch.Config{
		CompanyName:  cfg.CompanyName,
		AdminContact: cfg.AdminContact,
		QRISImage:    cfg.QRISImagePath,
	}, logger)
	go dispatcher.Run(ctx, mgr.Messages())

	// HTTP surface
	handler := api.NewHandler(logger, api.Deps{
		Notifier:    notifier,
		Connection:  mgr,
		Messenger:   queue,
		Idempotency: idempotency,
		Breakers:    breakers,
		Checks:      healthChecks(database, redisClient),
	})

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: api.Router(handler, api.RouterConfig{
			Limiter:        limiter,
			Webhook:        webhook,
			RequestTimeout: 60 * time.Second,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func newAttachments(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*attachments.Router, error) {
	local := attachments.NewLocal(cfg.UploadDir, logger)
	if cfg.AttachmentsS3Bucket == "" {
		return attachments.NewRouter(local, nil), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for attachments: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			o.UsePathStyle = true
		}
	})

	logger.Info("s3 attachments enabled", zap.String("bucket", cfg.AttachmentsS3Bucket))
	return attachments.NewRouter(local, attachments.NewS3(client, cfg.AttachmentsS3Bucket, "attachments/", logger)), nil
}

type eventSinks struct {
	list   []notify.EventSink
	closer []func() error
}

func (s *eventSinks) close() {
	for _, c := range s.closer {
		_ = c()
	}
}

// newEventSinks builds the configured delivery-event sinks. A sink that
// cannot be created is logged and skipped.
func newEventSinks(ctx context.Context, cfg *config.Config, logger *zap.Logger) *eventSinks {
	sinks := &eventSinks{}

	if cfg.EventsSQSQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.EventsSQSQueueURL,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sqs event sink unavailable", zap.Error(err))
		} else {
			sinks.list = append(sinks.list, producer)
		}
	}

	if cfg.EventsSNSTopicARN != "" {
		var publisher *sns.Publisher
		var err error
		if cfg.AWSEndpoint != "" {
			publisher, err = sns.NewPublisherWithEndpoint(ctx, cfg.EventsSNSTopicARN, cfg.AWSEndpoint, cfg.SNSRegion)
		} else {
			publisher, err = sns.NewPublisher(ctx, cfg.EventsSNSTopicARN, awsconfig.WithRegion(cfg.SNSRegion))
		}
		if err != nil {
			logger.Warn("sns event sink unavailable", zap.Error(err))
		} else {
			sinks.list = append(sinks.list, publisher)
		}
	}

	if cfg.AMQPURL != "" {
		publisher, err := amqp.Dial(cfg.AMQPURL, cfg.AMQPQueue, logger)
		if err != nil {
			logger.Warn("amqp event sink unavailable", zap.Error(err))
		} else {
			sinks.list = append(sinks.list, publisher)
			sinks.closer = append(sinks.closer, publisher.Close)
		}
	}

	names := make([]string, 0, len(sinks.list))
	for _, s := range sinks.list {
		names = append(names, s.Name())
	}
	logger.Info("delivery event sinks", zap.Strings("sinks", names))

	return sinks
}

func healthChecks(database *db.DB, redisClient *redis.Client) map[string]api.Checker {
	checks := map[string]api.Checker{
		"postgres": api.CheckerFunc(database.Health),
	}
	if redisClient != nil {
		checks["redis"] = redisClient
	}
	return checks
}

func reportRedisStats(ctx context.Context, client *redis.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetRedisConnections(client.PoolStats())
		}
	}
}
