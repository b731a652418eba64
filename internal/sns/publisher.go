package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/lalithlochan/sfaxportal/internal/db"
)

// maxBatch is the SNS PublishBatch entry limit.
const maxBatch = 10

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// Publisher announces entity status transitions on an SNS topic so other
// services (search index, establishment dashboards) can follow lifecycle
// changes without polling.
type Publisher struct {
	client   snsAPI
	topicARN string
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Publisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}, nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Publisher{
		client:   client,
		topicARN: topicARN,
	}, nil
}

func attributes(t db.StatusTransition) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"kind": {
			DataType:    aws.String("String"),
			StringValue: aws.String(t.Kind),
		},
		"status": {
			DataType:    aws.String("String"),
			StringValue: aws.String(t.To),
		},
	}
}

// Publish sends a single transition.
func (p *Publisher) Publish(ctx context.Context, t db.StatusTransition) (string, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transition: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attributes(t),
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// PublishTransitions sends transitions in batches of at most ten. It stops
// at the first failed batch.
func (p *Publisher) PublishTransitions(ctx context.Context, transitions []db.StatusTransition) error {
	for start := 0; start < len(transitions); start += maxBatch {
		end := min(start+maxBatch, len(transitions))
		if err := p.publishBatch(ctx, transitions[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) publishBatch(ctx context.Context, transitions []db.StatusTransition) error {
	entries := make([]types.PublishBatchRequestEntry, len(transitions))
	for i, t := range transitions {
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal transition %d: %w", i, err)
		}

		entries[i] = types.PublishBatchRequestEntry{
			// ids only need to be unique within the batch
			Id:                aws.String(strconv.Itoa(i)),
			Message:           aws.String(string(payload)),
			MessageAttributes: attributes(t),
		}
	}

	result, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicARN),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return fmt.Errorf("failed to publish batch to SNS: %w", err)
	}

	if len(result.Failed) > 0 {
		return fmt.Errorf("partial batch failure: %d messages failed", len(result.Failed))
	}

	return nil
}
