package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/worker"
)

// ProtectedSender puts a breaker in front of one provider sender. Only
// provider outages count against the breaker; a rejected message or a
// timeout says nothing about the provider's health.
type ProtectedSender struct {
	sender  worker.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender worker.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send fails fast with an error matching both ErrCircuitOpen and
// worker.ErrProviderUnavailable while the breaker is open.
func (p *ProtectedSender) Send(ctx context.Context, msg *worker.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("campaign_id", msg.CampaignID.String()),
			zap.Int64("recipient_id", msg.RecipientID),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %w: %s", worker.ErrProviderUnavailable, ErrCircuitOpen, p.breaker.Name())
	}

	err := p.sender.Send(ctx, msg)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case errors.Is(err, worker.ErrProviderUnavailable):
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded outage",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
	default:
		// The provider answered, so it is up.
		p.breaker.RecordSuccess()
	}
	return err
}

func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Ready implements worker.ReadinessChecker.
func (p *ProtectedSender) Ready(channel string) bool {
	return p.breaker.Ready()
}

func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
