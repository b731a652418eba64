// Command mailrelay drains the SQS mail queue that the portal fills when
// MAIL_TRANSPORT=sqs, delivering each message over SMTP or SES.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lalithlochan/sfaxportal/internal/circuitbreaker"
	"github.com/lalithlochan/sfaxportal/internal/config"
	"github.com/lalithlochan/sfaxportal/internal/mail"
	"github.com/lalithlochan/sfaxportal/internal/observ"
	"github.com/lalithlochan/sfaxportal/internal/sqs"
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

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "mailrelay")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.SQSMailQueueURL == "" {
		return fmt.Errorf("SQS_MAIL_QUEUE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var transport mail.Dispatcher
	switch cfg.MailRelayTransport {
	case config.TransportSES:
		transport, err = mail.NewSESDispatcher(ctx, mail.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES dispatcher: %w", err)
		}
	case config.TransportLog:
		transport = mail.NewLogDispatcher(logger)
	default:
		transport = mail.NewSMTPDispatcher(mail.SMTPConfig{
			Host:               cfg.SMTPHost,
			Port:               cfg.SMTPPort,
			Username:           cfg.SMTPUsername,
			Password:           cfg.SMTPPassword,
			From:               cfg.SMTPFrom,
			InsecureSkipVerify: cfg.SMTPInsecureSkipVerify,
			Timeout:            cfg.OperationTimeout,
		}, logger)
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:      "mailrelay",
		Threshold: cfg.BreakerMaxFailures,
		Cooldown:  cfg.BreakerRecoveryTimeout,
		Trials:    1,
	}, logger)

	relay, err := sqs.NewRelay(ctx, sqs.Config{
		Region:   cfg.SQSRegion,
		QueueURL: cfg.SQSMailQueueURL,
	}, circuitbreaker.NewProtectedDispatcher(transport, breaker, logger), logger)
	if err != nil {
		return fmt.Errorf("failed to create mail relay: %w", err)
	}

	logger.Info("mail relay started",
		zap.String("transport", cfg.MailRelayTransport),
		zap.String("queue_url", cfg.SQSMailQueueURL),
	)

	if err := relay.Run(ctx); err != nil {
		return fmt.Errorf("mail relay stopped: %w", err)
	}

	logger.Info("mail relay stopped gracefully")
	return nil
}
