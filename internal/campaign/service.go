// Package campaign owns the campaign lifecycle: CRUD, attaching recipients,
// the schedule/pause/resume/cancel state machine and progress stats.
// Execution itself belongs to the worker package; this package decides when
// a worker may start and tells it when to stop.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/ratelimit"
	"github.com/lalithlochan/courier/internal/recurrence"
	"github.com/lalithlochan/courier/internal/render"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrInvalidState = errors.New("invalid campaign state")
	ErrNotFound     = errors.New("not found")
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	// stopTimeout bounds how long pause and cancel wait for the in-flight
	// message.
	stopTimeout = 30 * time.Second
)

// Store is the persistence used by the service.
type Store interface {
	CreateCampaign(ctx context.Context, c *db.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ListCampaignsByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Campaign, error)
	UpdateCampaign(ctx context.Context, c *db.Campaign, allowed []string) error
	DeleteCampaign(ctx context.Context, id uuid.UUID, allowed []string) error
	TransitionCampaign(ctx context.Context, id uuid.UUID, from []string, to string) (*db.Campaign, error)
	ScheduleCampaign(ctx context.Context, id uuid.UUID, p db.ScheduleParams, from []string) (*db.Campaign, error)
	ReplaceRecipients(ctx context.Context, campaignID uuid.UUID, recipients []*db.Recipient, blocked []string) (int, error)
	ResetRecipients(ctx context.Context, campaignID uuid.UUID, statuses, blocked []string) (int, error)
	CountRecipientsByStatus(ctx context.Context, campaignID uuid.UUID) (db.StatusCounts, error)
	ListContactsByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*db.Contact, error)
}

// Runner starts and stops dispatch workers. Launch is a no-op returning
// false when the campaign is not claimable.
type Runner interface {
	Launch(ctx context.Context, id uuid.UUID) (bool, error)
	Stop(ctx context.Context, id uuid.UUID) error
}

var (
	editable      = []string{db.StatusDraft, db.StatusScheduled, db.StatusPaused, db.StatusCompleted, db.StatusCancelled, db.StatusFailed}
	schedulable   = []string{db.StatusDraft, db.StatusPaused, db.StatusCompleted, db.StatusCancelled, db.StatusFailed}
	cancellable   = []string{db.StatusDraft, db.StatusScheduled, db.StatusRunning, db.StatusPaused}
	whileSending  = []string{db.StatusRunning}
	validChannels = []string{db.ChannelWhatsApp, db.ChannelSMS, db.ChannelEmail}
)

// Option customizes a Service.
type Option func(*Service)

// WithEvents publishes lifecycle events through e.
func WithEvents(e *events.Emitter) Option {
	return func(s *Service) { s.events = e }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	store  Store
	runner Runner
	events *events.Emitter
	logger *zap.Logger
	now    func() time.Time
}

// NewService wires the campaign operations to a store and a runner.
func NewService(store Store, runner Runner, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		runner: runner,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Input carries the editable campaign fields.
type Input struct {
	TenantID             uuid.UUID `json:"tenant_id"`
	Name                 string    `json:"name"`
	TemplateBody         string    `json:"template_body"`
	Channel              string    `json:"channel"`
	DelaySeconds         int       `json:"delay_seconds"`
	MaxMessagesPerPeriod *int      `json:"max_messages_per_period"`
	PeriodUnit           string    `json:"period_unit"`
}

func (in *Input) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Channel == "" {
		in.Channel = db.ChannelWhatsApp
	}
	if in.PeriodUnit == "" {
		in.PeriodUnit = db.PeriodHour
	}

	switch {
	case in.TenantID == uuid.Nil:
		return fmt.Errorf("%w: tenant_id is required", ErrValidation)
	case in.Name == "":
		return fmt.Errorf("%w: name is required", ErrValidation)
	case strings.TrimSpace(in.TemplateBody) == "":
		return fmt.Errorf("%w: template_body is required", ErrValidation)
	case !slices.Contains(validChannels, in.Channel):
		return fmt.Errorf("%w: unsupported channel %q", ErrValidation, in.Channel)
	}
	return validateRate(in.DelaySeconds, in.MaxMessagesPerPeriod, in.PeriodUnit)
}

func validateRate(delay int, maxPer *int, unit string) error {
	if delay < 0 {
		return fmt.Errorf("%w: delay_seconds must be >= 0", ErrValidation)
	}
	if maxPer != nil && *maxPer < 0 {
		return fmt.Errorf("%w: max_messages_per_period must be >= 0", ErrValidation)
	}
	if _, err := ratelimit.PeriodDuration(unit); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Create stores a new draft campaign.
func (s *Service) Create(ctx context.Context, in Input) (*db.Campaign, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	c := &db.Campaign{
		ID:                   uuid.New(),
		TenantID:             in.TenantID,
		Name:                 in.Name,
		TemplateBody:         in.TemplateBody,
		Channel:              in.Channel,
		Status:               db.StatusDraft,
		DelaySeconds:         in.DelaySeconds,
		MaxMessagesPerPeriod: in.MaxMessagesPerPeriod,
		PeriodUnit:           in.PeriodUnit,
	}
	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	s.logger.Info("campaign created",
		zap.String("campaign_id", c.ID.String()),
		zap.String("tenant_id", c.TenantID.String()),
	)
	return c, nil
}

// Get returns one campaign.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return c, nil
}

// List pages through a tenant's campaigns, newest first.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Campaign, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	cs, err := s.store.ListCampaignsByTenant(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	return cs, nil
}

// Update rewrites the editable fields of a campaign that is not running.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in Input) (*db.Campaign, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	in.TenantID = cur.TenantID
	if err := in.normalize(); err != nil {
		return nil, err
	}

	c := &db.Campaign{
		ID:                   id,
		Name:                 in.Name,
		TemplateBody:         in.TemplateBody,
		Channel:              in.Channel,
		DelaySeconds:         in.DelaySeconds,
		MaxMessagesPerPeriod: in.MaxMessagesPerPeriod,
		PeriodUnit:           in.PeriodUnit,
	}
	if err := s.store.UpdateCampaign(ctx, c, editable); err != nil {
		return nil, s.stateError(ctx, id, "update", err)
	}
	return c, nil
}

// Delete removes a campaign and its recipients unless it is running.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteCampaign(ctx, id, editable); err != nil {
		return s.stateError(ctx, id, "delete", err)
	}
	s.logger.Info("campaign deleted", zap.String("campaign_id", id.String()))
	return nil
}

// SetRecipients replaces the recipient set with the given contacts, in the
// given order, duplicates collapsed. Every row starts over as scheduled.
func (s *Service) SetRecipients(ctx context.Context, id uuid.UUID, contactIDs []uuid.UUID) (int, error) {
	ids := dedupe(contactIDs)
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: at least one contact is required", ErrValidation)
	}

	c, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if c.Status == db.StatusRunning {
		return 0, fmt.Errorf("%w: cannot change recipients while running", ErrInvalidState)
	}

	contacts, err := s.store.ListContactsByIDs(ctx, c.TenantID, ids)
	if err != nil {
		return 0, fmt.Errorf("load contacts: %w", err)
	}
	byID := make(map[uuid.UUID]*db.Contact, len(contacts))
	for _, ct := range contacts {
		byID[ct.ID] = ct
	}

	recipients := make([]*db.Recipient, 0, len(ids))
	var missing []string
	for _, cid := range ids {
		ct, ok := byID[cid]
		if !ok {
			missing = append(missing, cid.String())
			continue
		}
		recipients = append(recipients, &db.Recipient{
			ContactID:  ct.ID,
			Name:       ct.Name,
			Phone:      ct.Phone,
			Email:      ct.Email,
			Attributes: ct.Attributes,
		})
	}
	if len(missing) > 0 {
		return 0, fmt.Errorf("%w: unknown contacts: %s", ErrValidation, strings.Join(missing, ", "))
	}

	n, err := s.store.ReplaceRecipients(ctx, id, recipients, whileSending)
	if err != nil {
		return 0, s.stateError(ctx, id, "set recipients", err)
	}

	s.logger.Info("recipients attached",
		zap.String("campaign_id", id.String()),
		zap.Int("count", n),
	)
	return n, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ScheduleInput are the execution parameters of a schedule call. Nil rate
// fields keep the campaign's current values.
type ScheduleInput struct {
	StartAt              *time.Time `json:"start_at"`
	Recurrence           string     `json:"recurrence"`
	DelaySeconds         *int       `json:"delay_seconds"`
	MaxMessagesPerPeriod *int       `json:"max_messages_per_period"`
	PeriodUnit           *string    `json:"period_unit"`
}

// Schedule arms a campaign for execution and starts its worker right away
// when startAt has already passed. Scheduling a campaign that is already
// scheduled or running returns it unchanged.
func (s *Service) Schedule(ctx context.Context, id uuid.UUID, in ScheduleInput) (*db.Campaign, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == db.StatusScheduled || c.Status == db.StatusRunning {
		return c, nil
	}
	if !slices.Contains(schedulable, c.Status) {
		return nil, fmt.Errorf("%w: cannot schedule a %s campaign", ErrInvalidState, c.Status)
	}

	p := db.ScheduleParams{
		StartAt:              s.now(),
		Recurrence:           recurrence.Normalize(in.Recurrence),
		DelaySeconds:         c.DelaySeconds,
		MaxMessagesPerPeriod: c.MaxMessagesPerPeriod,
		PeriodUnit:           c.PeriodUnit,
	}
	if in.StartAt != nil {
		p.StartAt = in.StartAt.UTC()
	}
	if in.DelaySeconds != nil {
		p.DelaySeconds = *in.DelaySeconds
	}
	if in.MaxMessagesPerPeriod != nil {
		p.MaxMessagesPerPeriod = in.MaxMessagesPerPeriod
	}
	if in.PeriodUnit != nil {
		p.PeriodUnit = *in.PeriodUnit
	}
	if err := validateRate(p.DelaySeconds, p.MaxMessagesPerPeriod, p.PeriodUnit); err != nil {
		return nil, err
	}
	if err := recurrence.Validate(p.Recurrence); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	counts, err := s.store.CountRecipientsByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("count recipients: %w", err)
	}
	if counts.Total() == 0 {
		return nil, fmt.Errorf("%w: campaign has no recipients", ErrValidation)
	}

	c, err = s.store.ScheduleCampaign(ctx, id, p, schedulable)
	if errors.Is(err, db.ErrConflict) {
		// Lost a race with a concurrent schedule; the winner owns the run.
		return s.Get(ctx, id)
	}
	if err != nil {
		return nil, mapStoreError(err)
	}

	metrics.RecordTransition(db.StatusScheduled)
	s.events.Emit(ctx, events.New(events.CampaignScheduled, c, s.now()))
	s.logger.Info("campaign scheduled",
		zap.String("campaign_id", id.String()),
		zap.Time("start_at", p.StartAt),
		zap.String("recurrence", p.Recurrence),
	)

	if !p.StartAt.After(s.now()) {
		if _, err := s.runner.Launch(ctx, id); err != nil {
			s.logger.Error("failed to start campaign worker, poller will retry",
				zap.String("campaign_id", id.String()),
				zap.Error(err),
			)
		}
	}
	return s.Get(ctx, id)
}

// Pause stops a running campaign after its in-flight message, or parks a
// scheduled one before it starts.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	c, err := s.store.TransitionCampaign(ctx, id, []string{db.StatusRunning, db.StatusScheduled}, db.StatusPaused)
	if err != nil {
		return nil, s.stateError(ctx, id, "pause", err)
	}
	// The transition is saved; the rest must not depend on the caller staying.
	ctx = context.WithoutCancel(ctx)
	s.stopWorker(ctx, id)

	metrics.RecordTransition(db.StatusPaused)
	s.events.Emit(ctx, s.withTotals(ctx, events.New(events.CampaignPaused, c, s.now())))
	s.logger.Info("campaign paused", zap.String("campaign_id", id.String()))
	return s.Get(ctx, id)
}

// stopWorker waits for the local worker to exit. A worker that outlives
// stopTimeout notices the new status on its next step and exits on its own.
func (s *Service) stopWorker(ctx context.Context, id uuid.UUID) {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	if err := s.runner.Stop(ctx, id); err != nil {
		s.logger.Warn("campaign worker still finishing its in-flight message",
			zap.String("campaign_id", id.String()),
			zap.Error(err),
		)
	}
}

// Resume continues a paused campaign with its next scheduled recipient.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	c, err := s.store.TransitionCampaign(ctx, id, []string{db.StatusPaused}, db.StatusScheduled)
	if err != nil {
		return nil, s.stateError(ctx, id, "resume", err)
	}

	metrics.RecordTransition(db.StatusScheduled)
	s.events.Emit(ctx, events.New(events.CampaignResumed, c, s.now()))
	s.logger.Info("campaign resumed", zap.String("campaign_id", id.String()))

	if _, err := s.runner.Launch(ctx, id); err != nil {
		s.logger.Error("failed to start campaign worker, poller will retry",
			zap.String("campaign_id", id.String()),
			zap.Error(err),
		)
	}
	return s.Get(ctx, id)
}

// Cancel ends a campaign. Recipients still scheduled stay scheduled, so a
// later schedule picks them up again.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	c, err := s.store.TransitionCampaign(ctx, id, cancellable, db.StatusCancelled)
	if err != nil {
		return nil, s.stateError(ctx, id, "cancel", err)
	}
	// The transition is saved; the rest must not depend on the caller staying.
	ctx = context.WithoutCancel(ctx)
	s.stopWorker(ctx, id)

	metrics.RecordTransition(db.StatusCancelled)
	s.events.Emit(ctx, s.withTotals(ctx, events.New(events.CampaignCancelled, c, s.now())))
	s.logger.Info("campaign cancelled", zap.String("campaign_id", id.String()))
	return s.Get(ctx, id)
}

// ResendFailed puts failed recipients back in the queue. It is the only way
// a failed recipient is ever retried.
func (s *Service) ResendFailed(ctx context.Context, id uuid.UUID) (int, error) {
	n, err := s.store.ResetRecipients(ctx, id, []string{db.RecipientFailed}, whileSending)
	if err != nil {
		return 0, s.stateError(ctx, id, "resend failed recipients", err)
	}
	s.logger.Info("failed recipients reset",
		zap.String("campaign_id", id.String()),
		zap.Int("count", n),
	)
	return n, nil
}

// Stats is the progress of one campaign.
type Stats struct {
	Campaign *db.Campaign    `json:"campaign"`
	Totals   db.StatusCounts `json:"totals"`
	Total    int             `json:"total"`
}

// Stats returns the campaign with its recipient totals by status.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*Stats, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountRecipientsByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("count recipients: %w", err)
	}
	return &Stats{Campaign: c, Totals: counts, Total: counts.Total()}, nil
}

// Preview renders the campaign template for one of the tenant's contacts.
func (s *Service) Preview(ctx context.Context, id, contactID uuid.UUID) (string, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	contacts, err := s.store.ListContactsByIDs(ctx, c.TenantID, []uuid.UUID{contactID})
	if err != nil {
		return "", fmt.Errorf("load contact: %w", err)
	}
	if len(contacts) == 0 {
		return "", fmt.Errorf("contact %s: %w", contactID, ErrNotFound)
	}
	ct := contacts[0]
	return render.Render(c.TemplateBody, render.Attributes(ct.Name, ct.Phone, ct.Email, ct.Attributes)), nil
}

func (s *Service) withTotals(ctx context.Context, ev events.Event) events.Event {
	if counts, err := s.store.CountRecipientsByStatus(ctx, ev.CampaignID); err == nil {
		ev.Totals = &counts
	}
	return ev
}

// stateError turns a guarded-write miss into ErrInvalidState naming the
// status that blocked it.
func (s *Service) stateError(ctx context.Context, id uuid.UUID, op string, err error) error {
	if !errors.Is(err, db.ErrConflict) {
		return mapStoreError(err)
	}
	status := "current"
	if c, gerr := s.store.GetCampaign(ctx, id); gerr == nil {
		status = c.Status
	}
	return fmt.Errorf("%w: cannot %s a %s campaign", ErrInvalidState, op, status)
}

func mapStoreError(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("campaign %w", ErrNotFound)
	}
	return err
}
