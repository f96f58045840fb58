package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/sns"
	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/worker"
)

// buildSender assembles the provider gateway. Each real provider is wrapped,
// innermost first, in a circuit breaker, a per-send timeout and a
// provider-wide throttle. Channels without a configured provider fall through
// to the log sender.
func buildSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Sender, []*circuitbreaker.CircuitBreaker, error) {
	var (
		senders  []worker.Sender
		breakers []*circuitbreaker.CircuitBreaker
	)

	wrap := func(name string, raw worker.Sender) worker.Sender {
		bcfg := circuitbreaker.DefaultConfig(name)
		bcfg.MaxFailures = cfg.BreakerMaxFailures
		bcfg.RecoveryTimeout = cfg.BreakerRecovery
		breaker := circuitbreaker.New(bcfg, logger)
		breakers = append(breakers, breaker)

		var s worker.Sender = circuitbreaker.NewProtectedSender(raw, breaker, logger)
		s = worker.NewTimeoutSender(s, cfg.ProviderTimeout)
		if cfg.ProviderRPS > 0 {
			s = worker.NewThrottledSender(s, cfg.ProviderRPS, 1)
		}
		return s
	}

	if cfg.ProviderURL != "" {
		senders = append(senders, wrap("whatsapp", worker.NewWhatsAppSender(logger, worker.WhatsAppConfig{
			BaseURL:  cfg.ProviderURL,
			APIKey:   cfg.ProviderAPIKey,
			Instance: cfg.ProviderInstance,
			Timeout:  cfg.ProviderTimeout,
		})))
	}

	if cfg.SMSSender == config.SenderSNS {
		snsSender, err := worker.NewSNSSender(ctx, worker.SNSConfig{Region: cfg.SNSRegion}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SNS sms sender: %w", err)
		}
		senders = append(senders, wrap("sns", snsSender))
	}

	if cfg.EmailSender == config.SenderSES {
		sesSender, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		senders = append(senders, wrap("ses", sesSender))
	}

	senders = append(senders, worker.NewLogSender(logger))

	logger.Info("provider gateway initialized",
		zap.Bool("whatsapp_enabled", cfg.ProviderURL != ""),
		zap.String("sms", cfg.SMSSender),
		zap.String("email", cfg.EmailSender),
		zap.Float64("provider_rps", cfg.ProviderRPS),
	)

	return worker.NewMultiSender(logger, senders...), breakers, nil
}

// buildPublishers returns the lifecycle event sinks that are configured.
func buildPublishers(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]events.Publisher, error) {
	var publishers []events.Publisher

	if cfg.EventsSQSQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.EventsSQSQueueURL,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqs event producer: %w", err)
		}
		publishers = append(publishers, producer)
		logger.Info("campaign events will be sent to sqs", zap.String("queue_url", cfg.EventsSQSQueueURL))
	}

	if cfg.EventsSNSTopicARN != "" {
		var (
			publisher *sns.Publisher
			err       error
		)
		if cfg.AWSEndpoint != "" {
			publisher, err = sns.NewPublisherWithEndpoint(ctx, cfg.EventsSNSTopicARN, cfg.AWSEndpoint, cfg.AWSRegion)
		} else {
			publisher, err = sns.NewPublisher(ctx, cfg.EventsSNSTopicARN, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create sns event publisher: %w", err)
		}
		publishers = append(publishers, publisher)
		logger.Info("campaign events will be published to sns", zap.String("topic_arn", cfg.EventsSNSTopicARN))
	}

	return publishers, nil
}
