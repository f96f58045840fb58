// Package events describes campaign lifecycle events and the publishers that
// carry them to downstream consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// Type names a lifecycle event.
type Type string

const (
	CampaignScheduled Type = "campaign.scheduled"
	CampaignRunning   Type = "campaign.running"
	CampaignPaused    Type = "campaign.paused"
	CampaignResumed   Type = "campaign.resumed"
	CampaignCancelled Type = "campaign.cancelled"
	CampaignCompleted Type = "campaign.completed"
	CampaignFailed    Type = "campaign.failed"
	CampaignRearmed   Type = "campaign.rearmed"
)

// Event is one campaign lifecycle change.
type Event struct {
	Type       Type             `json:"type"`
	CampaignID uuid.UUID        `json:"campaign_id"`
	TenantID   uuid.UUID        `json:"tenant_id"`
	Status     string           `json:"status"`
	Error      string           `json:"error,omitempty"`
	Totals     *db.StatusCounts `json:"totals,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// New builds an event for c.
func New(t Type, c *db.Campaign, at time.Time) Event {
	return Event{
		Type:       t,
		CampaignID: c.ID,
		TenantID:   c.TenantID,
		Status:     c.Status,
		OccurredAt: at,
	}
}

// Publisher delivers events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emitter publishes events on a best-effort basis: failures are logged and
// never reach the caller, so a broken event sink cannot stall a campaign.
type Emitter struct {
	publishers []Publisher
	logger     *zap.Logger
	timeout    time.Duration
}

// NewEmitter fans events out to every publisher.
func NewEmitter(logger *zap.Logger, publishers ...Publisher) *Emitter {
	return &Emitter{
		publishers: publishers,
		logger:     logger,
		timeout:    5 * time.Second,
	}
}

// Emit publishes ev. A nil Emitter is a no-op.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil || len(e.publishers) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	for _, p := range e.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			e.logger.Warn("failed to publish campaign event",
				zap.Error(err),
				zap.String("type", string(ev.Type)),
				zap.String("campaign_id", ev.CampaignID.String()),
			)
		}
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the types of the recorded events for campaignID, in order.
func (r *Recorder) Types(campaignID uuid.UUID) []Type {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Type
	for _, ev := range r.events {
		if ev.CampaignID == campaignID {
			out = append(out, ev.Type)
		}
	}
	return out
}
