package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/ratelimit"
	"github.com/lalithlochan/courier/internal/recurrence"
	"github.com/lalithlochan/courier/internal/render"
)

// dispatch is one execution of one campaign: it walks the scheduled
// recipients in attach order, one message at a time, until none are left or
// the campaign leaves the running state.
type dispatch struct {
	runner   *Runner
	ex       *execution
	campaign *db.Campaign
	policy   ratelimit.Policy
	key      string
	logger   *zap.Logger

	// reclaimed is set when the claim displaced an expired lease, so
	// recipients left in sending belong to a dead execution.
	reclaimed bool

	prepared    bool
	storeErrors int
}

func (d *dispatch) run(ctx context.Context) {
	d.logger.Info("campaign worker started", zap.String("channel", d.campaign.Channel))
	defer d.handBack()

	policy, err := ratelimit.NewPolicy(d.campaign.DelaySeconds, d.campaign.MaxMessagesPerPeriod, d.campaign.PeriodUnit)
	if err != nil {
		d.fail(ctx, fmt.Sprintf("invalid rate parameters: %v", err))
		return
	}
	d.policy = policy

	d.runner.events.Emit(ctx, events.New(events.CampaignRunning, d.campaign, d.runner.clock.Now()))

	for d.step(ctx) {
	}
	d.logger.Info("campaign worker stopped")
}

func (d *dispatch) stopped(ctx context.Context) bool {
	select {
	case <-d.ex.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// step handles one recipient, or one wait. It returns false when the worker
// must exit.
func (d *dispatch) step(ctx context.Context) bool {
	r := d.runner
	id := d.campaign.ID

	if d.stopped(ctx) {
		return false
	}

	c, err := r.store.GetCampaign(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			d.logger.Warn("campaign deleted while running")
			return false
		}
		return d.storeError(ctx, "load campaign", err)
	}
	if c.Status != db.StatusRunning || c.LeaseOwner == nil || *c.LeaseOwner != r.config.Owner {
		d.logger.Info("campaign no longer held by this worker", zap.String("status", c.Status))
		return false
	}
	d.campaign = c

	if err := r.store.RenewLease(ctx, id, r.config.Owner, r.clock.Now().Add(r.config.LeaseTTL)); err != nil {
		if errors.Is(err, db.ErrConflict) || errors.Is(err, db.ErrNotFound) {
			d.logger.Warn("lost campaign lease")
			return false
		}
		return d.storeError(ctx, "renew lease", err)
	}

	if !d.prepared {
		if err := d.prepare(ctx); err != nil {
			return d.storeError(ctx, "prepare campaign", err)
		}
		d.prepared = true
	}

	rcp, err := r.store.NextScheduledRecipient(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return d.complete(ctx)
	}
	if err != nil {
		return d.storeError(ctx, "next recipient", err)
	}

	if !d.ready(c.Channel) {
		d.fail(ctx, fmt.Sprintf("provider unavailable: %s channel is not accepting messages", c.Channel))
		return false
	}

	wait, err := r.limiter.Check(ctx, d.key, d.policy)
	if err != nil {
		return d.storeError(ctx, "check send slot", err)
	}
	if wait > 0 {
		metrics.RecordRateLimitWait(wait)
		// Wake up before the lease runs out, even on long waits.
		if limit := r.config.LeaseTTL / 3; wait > limit {
			wait = limit
		}
		d.sleep(ctx, wait)
		return true
	}

	d.storeErrors = 0
	return d.deliver(ctx, c, rcp)
}

// prepare recovers from an interrupted execution and reloads the send history
// into the rate limiter.
func (d *dispatch) prepare(ctx context.Context) error {
	r := d.runner
	if d.reclaimed {
		n, err := r.store.FailInterruptedRecipients(ctx, d.campaign.ID, "interrupted: delivery outcome unknown")
		if err != nil {
			return err
		}
		if n > 0 {
			d.logger.Warn("marked interrupted recipients as failed", zap.Int("count", n))
		}
	}

	if d.policy.Unlimited() {
		return nil
	}
	since := r.clock.Now().Add(-d.policy.Horizon())
	sends, err := r.store.RecentSendTimes(ctx, d.campaign.ID, since)
	if err != nil {
		return err
	}
	return r.limiter.Seed(ctx, d.key, d.policy, sends)
}

func (d *dispatch) ready(channel string) bool {
	if rc, ok := d.runner.sender.(ReadinessChecker); ok {
		return rc.Ready(channel)
	}
	return true
}

// deliver claims, sends and records one recipient.
func (d *dispatch) deliver(ctx context.Context, c *db.Campaign, rcp *db.Recipient) bool {
	r := d.runner
	content := render.Render(c.TemplateBody, render.Attributes(rcp.Name, rcp.Phone, rcp.Email, rcp.Attributes))

	if err := r.store.MarkRecipientSending(ctx, c.ID, rcp.ID, r.config.Owner, content); err != nil {
		if errors.Is(err, db.ErrConflict) {
			// Paused, cancelled or lease lost; the next step finds out which.
			return true
		}
		return d.storeError(ctx, "claim recipient", err)
	}

	msg := &Message{
		CampaignID:  c.ID,
		RecipientID: rcp.ID,
		TenantID:    c.TenantID,
		Channel:     c.Channel,
		To:          address(c.Channel, rcp),
		Subject:     c.Name,
		Body:        content,
	}

	// A claimed message always runs to completion and gets recorded, even if
	// a pause arrives meanwhile.
	sendCtx := context.WithoutCancel(ctx)

	if msg.To == "" {
		metrics.RecordSend(c.Channel, "failed", 0)
		return d.record(sendCtx, "mark failed", func() error {
			return r.store.MarkRecipientFailed(sendCtx, c.ID, rcp.ID, fmt.Sprintf("contact has no %s address", c.Channel))
		})
	}

	start := r.clock.Now()
	sendErr := r.sender.Send(sendCtx, msg)
	sentAt := r.clock.Now()
	latency := sentAt.Sub(start)

	if sendErr == nil {
		metrics.RecordSend(c.Channel, "sent", latency)
		if !d.record(sendCtx, "mark sent", func() error {
			return r.store.MarkRecipientSent(sendCtx, c.ID, rcp.ID, sentAt)
		}) {
			return false
		}
		d.logger.Debug("message sent", zap.Int64("recipient_id", rcp.ID))
		return d.takeSlot(sendCtx, sentAt)
	}

	outcome := "failed"
	if errors.Is(sendErr, ErrSendTimeout) {
		outcome = "timeout"
	}
	metrics.RecordSend(c.Channel, outcome, latency)
	d.logger.Warn("message failed",
		zap.Int64("recipient_id", rcp.ID),
		zap.Error(sendErr),
	)
	if !d.record(sendCtx, "mark failed", func() error {
		return r.store.MarkRecipientFailed(sendCtx, c.ID, rcp.ID, sendErr.Error())
	}) {
		return false
	}

	if errors.Is(sendErr, ErrProviderUnavailable) {
		d.fail(ctx, sendErr.Error())
		return false
	}
	return d.takeSlot(sendCtx, sentAt)
}

// takeSlot counts a provider call against the campaign rate at the instant
// it returned, the same instant stored as sent_at.
func (d *dispatch) takeSlot(ctx context.Context, at time.Time) bool {
	return d.record(ctx, "record send slot", func() error {
		return d.runner.limiter.Record(ctx, d.key, d.policy, at)
	})
}

// record persists a delivery outcome, retrying store errors. It returns false
// when the store stays unavailable and the campaign was failed.
func (d *dispatch) record(ctx context.Context, op string, write func() error) bool {
	r := d.runner
	for attempt := 1; ; attempt++ {
		err := write()
		if err == nil || errors.Is(err, db.ErrConflict) || errors.Is(err, db.ErrNotFound) {
			return true
		}
		d.logger.Error("failed to record delivery outcome",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt >= r.config.MaxStoreErrors {
			d.fail(ctx, fmt.Sprintf("storage unavailable: %s: %v", op, err))
			return false
		}
		<-r.clock.After(r.config.StoreBackoff)
	}
}

// complete ends an execution with no scheduled recipients left: a recurring
// campaign is re-armed for its next occurrence, any other is completed.
func (d *dispatch) complete(ctx context.Context) bool {
	r := d.runner
	c := d.campaign

	if recurrence.IsRecurring(c.Recurrence) {
		next, err := recurrence.Next(c.Recurrence, r.clock.Now())
		if err != nil {
			d.fail(ctx, err.Error())
			return false
		}
		if err := r.store.RearmCampaign(ctx, c.ID, r.config.Owner, next); err != nil {
			if errors.Is(err, db.ErrConflict) || errors.Is(err, db.ErrNotFound) {
				return false
			}
			return d.storeError(ctx, "rearm campaign", err)
		}
		if err := r.limiter.Reset(ctx, d.key); err != nil {
			d.logger.Warn("failed to reset rate limiter", zap.Error(err))
		}

		c.Status = db.StatusScheduled
		c.StartAt = &next
		metrics.RecordTransition(db.StatusScheduled)
		r.events.Emit(ctx, d.withTotals(ctx, events.New(events.CampaignRearmed, c, r.clock.Now())))
		d.logger.Info("recurring campaign re-armed", zap.Time("next_run", next))
		return false
	}

	if err := r.store.ReleaseCampaign(ctx, c.ID, r.config.Owner, db.StatusCompleted, nil); err != nil {
		if errors.Is(err, db.ErrConflict) || errors.Is(err, db.ErrNotFound) {
			return false
		}
		return d.storeError(ctx, "complete campaign", err)
	}

	c.Status = db.StatusCompleted
	metrics.RecordTransition(db.StatusCompleted)
	r.events.Emit(ctx, d.withTotals(ctx, events.New(events.CampaignCompleted, c, r.clock.Now())))
	d.logger.Info("campaign completed")
	return false
}

// fail moves the campaign to failed with reason. A worker that no longer
// holds the lease changes nothing.
func (d *dispatch) fail(ctx context.Context, reason string) {
	r := d.runner
	c := d.campaign
	ctx = context.WithoutCancel(ctx)

	if err := r.store.ReleaseCampaign(ctx, c.ID, r.config.Owner, db.StatusFailed, &reason); err != nil {
		if !errors.Is(err, db.ErrConflict) && !errors.Is(err, db.ErrNotFound) {
			d.logger.Error("failed to mark campaign failed", zap.Error(err))
		}
		return
	}

	c.Status = db.StatusFailed
	c.LastError = &reason
	metrics.RecordTransition(db.StatusFailed)
	ev := events.New(events.CampaignFailed, c, r.clock.Now())
	ev.Error = reason
	r.events.Emit(ctx, d.withTotals(ctx, ev))
	d.logger.Error("campaign failed", zap.String("reason", reason))
}

// storeError counts a failed store call. After too many in a row the
// campaign is failed; otherwise the worker backs off and tries again.
func (d *dispatch) storeError(ctx context.Context, op string, err error) bool {
	d.storeErrors++
	d.logger.Error("store call failed",
		zap.String("op", op),
		zap.Int("consecutive", d.storeErrors),
		zap.Error(err),
	)
	if d.storeErrors >= d.runner.config.MaxStoreErrors {
		d.fail(ctx, fmt.Sprintf("storage unavailable: %s: %v", op, err))
		return false
	}
	d.sleep(ctx, d.runner.config.StoreBackoff)
	return true
}

// handBack drops the lease this worker still holds when it exits: after a
// pause, cancel or shutdown. Once the campaign is released it is a no-op.
func (d *dispatch) handBack() {
	r := d.runner
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.store.DropLease(ctx, d.campaign.ID, r.config.Owner)
	switch {
	case err == nil:
		d.logger.Info("lease handed back")
	case errors.Is(err, db.ErrConflict), errors.Is(err, db.ErrNotFound):
	default:
		d.logger.Warn("failed to drop lease", zap.Error(err))
	}
}

func (d *dispatch) sleep(ctx context.Context, wait time.Duration) {
	select {
	case <-d.runner.clock.After(wait):
	case <-d.ex.stop:
	case <-ctx.Done():
	}
}

func (d *dispatch) withTotals(ctx context.Context, ev events.Event) events.Event {
	counts, err := d.runner.store.CountRecipientsByStatus(ctx, ev.CampaignID)
	if err == nil {
		ev.Totals = &counts
	}
	return ev
}

// address picks the contact field the channel delivers to.
func address(channel string, rcp *db.Recipient) string {
	if channel == db.ChannelEmail {
		return rcp.Email
	}
	return rcp.Phone
}
