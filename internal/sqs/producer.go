// Package sqs publishes campaign lifecycle events to an SQS queue.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/events"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	Endpoint string // optional, e.g. LocalStack
}

// API is the subset of the SQS client the producer uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Producer sends campaign events to SQS.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs event producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewProducerWithClient(client, cfg.QueueURL, logger), nil
}

// NewProducerWithClient wraps an existing client.
func NewProducerWithClient(client API, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish implements events.Publisher.
func (p *Producer) Publish(ctx context.Context, ev events.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(ev.Type)),
			},
			"tenant_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.TenantID.String()),
			},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("campaign event sent to sqs",
		zap.String("type", string(ev.Type)),
		zap.String("campaign_id", ev.CampaignID.String()),
		zap.String("sqs_message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
