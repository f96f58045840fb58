package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// SESAPI is the subset of the SES client used for email.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESSender struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESSenderWithClient(ses.NewFromConfig(awsCfg), cfg.FromEmail, logger), nil
}

// NewSESSenderWithClient wraps an existing client.
func NewSESSenderWithClient(client SESAPI, from string, logger *zap.Logger) *SESSender {
	return &SESSender{client: client, from: from, logger: logger}
}

// Send sends an email via AWS SES. The campaign name is the subject.
func (s *SESSender) Send(ctx context.Context, msg *Message) error {
	if msg.Channel != db.ChannelEmail {
		return fmt.Errorf("SES sender only supports email, got: %s", msg.Channel)
	}
	if msg.To == "" {
		return errors.New("recipient has no email address")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return classifyAWSError("ses send", err)
	}

	s.logger.Debug("email sent via SES",
		zap.String("campaign_id", msg.CampaignID.String()),
		zap.Int64("recipient_id", msg.RecipientID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// SupportsChannel checks if this sender supports the email channel
func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
