package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrProviderUnavailable marks a send that failed because the provider could
// not be reached at all. Unlike a rejected message it is fatal for the
// campaign, not just for the recipient.
var ErrProviderUnavailable = errors.New("provider unavailable")

// Message is one rendered campaign message addressed to one recipient.
type Message struct {
	CampaignID  uuid.UUID
	RecipientID int64
	TenantID    uuid.UUID
	Channel     string
	To          string
	Subject     string
	Body        string
}

// Sender is the Provider Gateway: it delivers a message on a channel.
// Implementations: WhatsApp (HTTP provider), SMS (SNS), Email (SES).
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	SupportsChannel(channel string) bool
}

// ReadinessChecker is implemented by senders that know, without sending,
// whether a channel's provider is currently reachable.
type ReadinessChecker interface {
	Ready(channel string) bool
}

// MultiSender routes messages to the sender registered for their channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router that uses multiple underlying senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the appropriate sender based on channel
func (m *MultiSender) Send(ctx context.Context, msg *Message) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.String("campaign_id", msg.CampaignID.String()),
				zap.Int64("recipient_id", msg.RecipientID),
			)
			return sender.Send(ctx, msg)
		}
	}

	return fmt.Errorf("no sender found for channel: %s", msg.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// Ready reports the readiness of the sender that owns channel. Senders that
// don't track readiness are assumed ready.
func (m *MultiSender) Ready(channel string) bool {
	for _, sender := range m.senders {
		if !sender.SupportsChannel(channel) {
			continue
		}
		if rc, ok := sender.(ReadinessChecker); ok {
			return rc.Ready(channel)
		}
		return true
	}
	return false
}

// LogSender only logs messages (for testing/development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	s.logger.Info("logging message (development mode)",
		zap.String("campaign_id", msg.CampaignID.String()),
		zap.Int64("recipient_id", msg.RecipientID),
		zap.String("channel", msg.Channel),
		zap.String("to", msg.To),
		zap.String("body", msg.Body),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == "whatsapp" || channel == "sms" || channel == "email"
}
