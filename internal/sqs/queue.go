package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/sfaxportal/internal/mail"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Envelope is the body of a queued email.
type Envelope struct {
	To         string `json:"to"`
	Subject    string `json:"subject"`
	HTML       string `json:"html"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

func (e Envelope) Message() mail.Message {
	return mail.Message{To: e.To, Subject: e.Subject, HTML: e.HTML}
}

func newClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// MailQueue is a mail.Dispatcher that hands messages to an SQS queue. A
// successful Send means the message was queued, not delivered.
type MailQueue struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewMailQueue creates a new SQS mail producer.
func NewMailQueue(ctx context.Context, cfg Config, logger *zap.Logger) (*MailQueue, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs mail queue initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &MailQueue{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Send enqueues msg for asynchronous delivery by a Relay.
func (q *MailQueue) Send(ctx context.Context, msg mail.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(Envelope{
		To:         msg.To,
		Subject:    msg.Subject,
		HTML:       msg.HTML,
		EnqueuedAt: q.now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		q.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("to", msg.To),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	q.logger.Debug("email queued",
		zap.String("to", msg.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// Relay drains the mail queue into a real transport. A message is deleted
// only after the transport accepts it; failures become visible again after
// the queue's visibility timeout.
type Relay struct {
	client     sqsAPI
	queueURL   string
	dispatcher mail.Dispatcher
	logger     *zap.Logger
}

// NewRelay creates a consumer that forwards queued mail to dispatcher.
func NewRelay(ctx context.Context, cfg Config, dispatcher mail.Dispatcher, logger *zap.Logger) (*Relay, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs mail relay initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Relay{
		client:     client,
		queueURL:   cfg.QueueURL,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("mail relay poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// Poll receives one batch with long polling and forwards each message.
// It returns how many messages were delivered and deleted.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	result, err := r.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(r.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	delivered := 0
	for _, m := range result.Messages {
		var env Envelope
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &env); err != nil {
			// Unparseable bodies will never succeed; drop them.
			r.logger.Error("dropping malformed mail envelope", zap.Error(err))
			r.delete(ctx, m.ReceiptHandle)
			continue
		}

		err := r.dispatcher.Send(ctx, env.Message())
		if errors.Is(err, mail.ErrInvalidMessage) {
			r.logger.Error("dropping undeliverable email", zap.Error(err), zap.String("to", env.To))
			r.delete(ctx, m.ReceiptHandle)
			continue
		}
		if err != nil {
			r.logger.Warn("queued email delivery failed",
				zap.Error(err),
				zap.String("to", env.To),
			)
			continue
		}

		if r.delete(ctx, m.ReceiptHandle) {
			delivered++
		}
	}

	return delivered, nil
}

func (r *Relay) delete(ctx context.Context, receiptHandle *string) bool {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		r.logger.Error("sqs delete failed", zap.Error(err))
		return false
	}
	return true
}
