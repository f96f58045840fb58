package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// SNSAPI is the subset of the SNS client used for SMS.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends SMS messages via AWS SNS
type SNSSender struct {
	client SNSAPI
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS sender for the SMS channel
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return NewSNSSenderWithClient(sns.NewFromConfig(awsCfg), logger), nil
}

// NewSNSSenderWithClient wraps an existing client.
func NewSNSSenderWithClient(client SNSAPI, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, logger: logger}
}

// Send sends an SMS via AWS SNS
func (s *SNSSender) Send(ctx context.Context, msg *Message) error {
	if msg.Channel != db.ChannelSMS {
		return fmt.Errorf("SNS sender only supports SMS, got: %s", msg.Channel)
	}
	if msg.To == "" {
		return errors.New("recipient has no phone number")
	}
	if msg.Body == "" {
		return errors.New("sms message is empty")
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(msg.To),
		Message:     aws.String(msg.Body),
	})
	if err != nil {
		return classifyAWSError("sns publish", err)
	}

	s.logger.Debug("SMS sent via SNS",
		zap.String("campaign_id", msg.CampaignID.String()),
		zap.Int64("recipient_id", msg.RecipientID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// SupportsChannel checks if this sender supports the SMS channel
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}

// classifyAWSError separates rejections of one message (4xx) from failures
// to reach the service at all (no response, 5xx).
func classifyAWSError(op string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%s timed out: %w", op, err)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() < 500 {
		return fmt.Errorf("%s rejected: %w", op, err)
	}
	return fmt.Errorf("%w: %s failed: %v", ErrProviderUnavailable, op, err)
}
