package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for campaigns, recipients and contacts.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new campaign repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const campaignColumns = `
	id, tenant_id, name, template_body, channel, status,
	delay_seconds, max_messages_per_period, period_unit, recurrence,
	start_at, last_error, lease_owner, lease_expires_at,
	created_at, updated_at`

const recipientColumns = `
	id, campaign_id, contact_id, position, name, phone, email, attributes,
	rendered_content, status, scheduled_at, sent_at, last_error`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.Name,
		&c.TemplateBody,
		&c.Channel,
		&c.Status,
		&c.DelaySeconds,
		&c.MaxMessagesPerPeriod,
		&c.PeriodUnit,
		&c.Recurrence,
		&c.StartAt,
		&c.LastError,
		&c.LeaseOwner,
		&c.LeaseExpiresAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanRecipient(row pgx.Row) (*Recipient, error) {
	var r Recipient
	err := row.Scan(
		&r.ID,
		&r.CampaignID,
		&r.ContactID,
		&r.Position,
		&r.Name,
		&r.Phone,
		&r.Email,
		&r.Attributes,
		&r.RenderedContent,
		&r.Status,
		&r.ScheduledAt,
		&r.SentAt,
		&r.LastError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateCampaign inserts a new campaign.
func (r *Repository) CreateCampaign(ctx context.Context, c *Campaign) error {
	query := `
		INSERT INTO campaigns (
			id, tenant_id, name, template_body, channel, status,
			delay_seconds, max_messages_per_period, period_unit, recurrence, start_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		c.ID,
		c.TenantID,
		c.Name,
		c.TemplateBody,
		c.Channel,
		c.Status,
		c.DelaySeconds,
		c.MaxMessagesPerPeriod,
		c.PeriodUnit,
		c.Recurrence,
		c.StartAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create campaign",
			zap.Error(err),
			zap.String("campaign_id", c.ID.String()),
		)
		return fmt.Errorf("insert campaign: %w", err)
	}

	r.logger.Info("campaign created",
		zap.String("campaign_id", c.ID.String()),
		zap.String("tenant_id", c.TenantID.String()),
		zap.String("channel", c.Channel),
	)
	return nil
}

// GetCampaign retrieves a campaign by ID.
func (r *Repository) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}
	return c, nil
}

// ListCampaignsByTenant retrieves campaigns for a tenant with pagination.
func (r *Repository) ListCampaignsByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Campaign, error) {
	query := `SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return campaigns, nil
}

// UpdateCampaign overwrites the editable fields when the current status is in allowed.
func (r *Repository) UpdateCampaign(ctx context.Context, c *Campaign, allowed []string) error {
	query := `
		UPDATE campaigns
		SET name = $2, template_body = $3, channel = $4, delay_seconds = $5,
		    max_messages_per_period = $6, period_unit = $7, updated_at = NOW()
		WHERE id = $1 AND status = ANY($8)
		RETURNING ` + campaignColumns

	updated, err := scanCampaign(r.db.Pool().QueryRow(ctx, query,
		c.ID,
		c.Name,
		c.TemplateBody,
		c.Channel,
		c.DelaySeconds,
		c.MaxMessagesPerPeriod,
		c.PeriodUnit,
		allowed,
	))
	if errors.Is(err, ErrNotFound) {
		return r.missReason(ctx, c.ID)
	}
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	*c = *updated
	return nil
}

// DeleteCampaign removes a campaign when its status is in allowed. Recipients
// are removed by the foreign key cascade.
func (r *Repository) DeleteCampaign(ctx context.Context, id uuid.UUID, allowed []string) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM campaigns WHERE id = $1 AND status = ANY($2)`, id, allowed)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missReason(ctx, id)
	}

	r.logger.Info("campaign deleted", zap.String("campaign_id", id.String()))
	return nil
}

// TransitionCampaign moves a campaign from any status in from to to. The
// execution lease is left alone; the worker holding it drops it on exit.
func (r *Repository) TransitionCampaign(ctx context.Context, id uuid.UUID, from []string, to string) (*Campaign, error) {
	query := `
		UPDATE campaigns
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING ` + campaignColumns

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id, to, from))
	if errors.Is(err, ErrNotFound) {
		return nil, r.missReason(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("transition campaign: %w", err)
	}
	return c, nil
}

// ScheduleCampaign persists execution parameters and sets status scheduled.
func (r *Repository) ScheduleCampaign(ctx context.Context, id uuid.UUID, p ScheduleParams, from []string) (*Campaign, error) {
	query := `
		UPDATE campaigns
		SET status = 'scheduled', start_at = $2, recurrence = $3, delay_seconds = $4,
		    max_messages_per_period = $5, period_unit = $6, last_error = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($7)
		RETURNING ` + campaignColumns

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query,
		id,
		p.StartAt,
		p.Recurrence,
		p.DelaySeconds,
		p.MaxMessagesPerPeriod,
		p.PeriodUnit,
		from,
	))
	if errors.Is(err, ErrNotFound) {
		return nil, r.missReason(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("schedule campaign: %w", err)
	}
	return c, nil
}

// ClaimCampaign is the execution lock: a single UPDATE moves a due scheduled
// campaign, or a running campaign, to running under owner. Either way any
// existing lease must have expired. reclaimed reports whether an expired
// lease of another execution was displaced.
func (r *Repository) ClaimCampaign(ctx context.Context, id uuid.UUID, owner string, now time.Time, ttl time.Duration) (*Campaign, bool, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var previous *string
	err = tx.QueryRow(ctx, `SELECT lease_owner FROM campaigns WHERE id = $1 FOR UPDATE`, id).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock campaign: %w", err)
	}

	query := `
		UPDATE campaigns
		SET status = 'running', lease_owner = $2, lease_expires_at = $4, updated_at = NOW()
		WHERE id = $1
		  AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at < $3)
		  AND (
			(status = 'scheduled' AND (start_at IS NULL OR start_at <= $3))
			OR status = 'running'
		  )
		RETURNING ` + campaignColumns

	c, err := scanCampaign(tx.QueryRow(ctx, query, id, owner, now, now.Add(ttl)))
	if errors.Is(err, ErrNotFound) {
		return nil, false, ErrConflict
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim campaign: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit claim: %w", err)
	}

	reclaimed := previous != nil
	r.logger.Info("campaign claimed",
		zap.String("campaign_id", id.String()),
		zap.String("owner", owner),
		zap.Bool("reclaimed", reclaimed),
	)
	return c, reclaimed, nil
}

// RenewLease extends the lease held by owner.
func (r *Repository) RenewLease(ctx context.Context, id uuid.UUID, owner string, expires time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE campaigns SET lease_expires_at = $3
		WHERE id = $1 AND status = 'running' AND lease_owner = $2`,
		id, owner, expires)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missReason(ctx, id)
	}
	return nil
}

// DropLease gives up the lease held by owner whatever the status.
func (r *Repository) DropLease(ctx context.Context, id uuid.UUID, owner string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE campaigns SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2`,
		id, owner)
	if err != nil {
		return fmt.Errorf("drop lease: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missReason(ctx, id)
	}
	return nil
}

// ReleaseCampaign ends an execution held by owner with status to.
func (r *Repository) ReleaseCampaign(ctx context.Context, id uuid.UUID, owner, to string, lastError *string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE campaigns
		SET status = $3, last_error = $4, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND lease_owner = $2`,
		id, owner, to, lastError)
	if err != nil {
		return fmt.Errorf("release campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missReason(ctx, id)
	}

	r.logger.Info("campaign released",
		zap.String("campaign_id", id.String()),
		zap.String("status", to),
	)
	return nil
}

// RearmCampaign resets every recipient and schedules the next recurrence in
// one transaction.
func (r *Repository) RearmCampaign(ctx context.Context, id uuid.UUID, owner string, next time.Time) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx, `
		UPDATE campaigns
		SET status = 'scheduled', start_at = $3, last_error = NULL,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND lease_owner = $2`,
		id, owner, next)
	if err != nil {
		return fmt.Errorf("rearm campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missReason(ctx, id)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE campaign_recipients
		SET status = 'scheduled', scheduled_at = $2, sent_at = NULL, last_error = NULL, rendered_content = NULL
		WHERE campaign_id = $1`,
		id, next); err != nil {
		return fmt.Errorf("reset recipients: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("recurring campaign re-armed",
		zap.String("campaign_id", id.String()),
		zap.Time("next_run", next),
	)
	return nil
}

// ListDueCampaigns returns campaigns that can be claimed at now.
func (r *Repository) ListDueCampaigns(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id FROM campaigns
		WHERE (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at < $1)
		  AND ((status = 'scheduled' AND (start_at IS NULL OR start_at <= $1))
		       OR status = 'running')
		ORDER BY created_at ASC
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due campaigns: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("collect due campaigns: %w", err)
	}
	return ids, nil
}

// ReplaceRecipients swaps the whole recipient set unless the campaign status
// is in blocked. The campaign row is locked for the duration so a concurrent
// claim cannot interleave.
func (r *Repository) ReplaceRecipients(ctx context.Context, campaignID uuid.UUID, recipients []*Recipient, blocked []string) (int, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM campaigns WHERE id = $1 FOR UPDATE`, campaignID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock campaign: %w", err)
	}
	for _, b := range blocked {
		if status == b {
			return 0, ErrConflict
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM campaign_recipients WHERE campaign_id = $1`, campaignID); err != nil {
		return 0, fmt.Errorf("delete recipients: %w", err)
	}

	batch := &pgx.Batch{}
	for i, rcp := range recipients {
		batch.Queue(`
			INSERT INTO campaign_recipients (
				campaign_id, contact_id, position, name, phone, email, attributes, status, scheduled_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, 'scheduled', NOW())
			RETURNING id`,
			campaignID, rcp.ContactID, i, rcp.Name, rcp.Phone, rcp.Email, rcp.Attributes,
		).QueryRow(func(row pgx.Row) error {
			return row.Scan(&rcp.ID)
		})
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("insert recipients: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("recipients replaced",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("count", len(recipients)),
	)
	return len(recipients), nil
}

// ListRecipients returns a campaign's recipients in attachment order.
func (r *Repository) ListRecipients(ctx context.Context, campaignID uuid.UUID) ([]*Recipient, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT `+recipientColumns+`
		FROM campaign_recipients WHERE campaign_id = $1 ORDER BY position, id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var out []*Recipient
	for rows.Next() {
		rcp, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, rcp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// NextScheduledRecipient returns the first scheduled recipient in attachment order.
func (r *Repository) NextScheduledRecipient(ctx context.Context, campaignID uuid.UUID) (*Recipient, error) {
	rcp, err := scanRecipient(r.db.Pool().QueryRow(ctx, `SELECT `+recipientColumns+`
		FROM campaign_recipients
		WHERE campaign_id = $1 AND status = 'scheduled'
		ORDER BY position, id
		LIMIT 1`, campaignID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query next recipient: %w", err)
	}
	return rcp, nil
}

// MarkRecipientSending claims a scheduled recipient, but only while owner
// still holds the campaign's execution lease.
func (r *Repository) MarkRecipientSending(ctx context.Context, campaignID uuid.UUID, recipientID int64, owner, content string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE campaign_recipients AS rcp
		SET status = 'sending', rendered_content = $4
		FROM campaigns AS c
		WHERE rcp.id = $2 AND rcp.campaign_id = $1 AND rcp.status = 'scheduled'
		  AND c.id = rcp.campaign_id AND c.status = 'running' AND c.lease_owner = $3`,
		campaignID, recipientID, owner, content)
	if err != nil {
		return fmt.Errorf("mark recipient sending: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// MarkRecipientSent records a successful send.
func (r *Repository) MarkRecipientSent(ctx context.Context, campaignID uuid.UUID, recipientID int64, at time.Time) error {
	return r.finishRecipient(ctx, `
		UPDATE campaign_recipients SET status = 'sent', sent_at = $3, last_error = NULL
		WHERE campaign_id = $1 AND id = $2 AND status = 'sending'`,
		campaignID, recipientID, at)
}

// MarkRecipientFailed records a failed send.
func (r *Repository) MarkRecipientFailed(ctx context.Context, campaignID uuid.UUID, recipientID int64, lastError string) error {
	return r.finishRecipient(ctx, `
		UPDATE campaign_recipients SET status = 'failed', last_error = $3
		WHERE campaign_id = $1 AND id = $2 AND status = 'sending'`,
		campaignID, recipientID, lastError)
}

func (r *Repository) finishRecipient(ctx context.Context, query string, campaignID uuid.UUID, recipientID int64, arg any) error {
	result, err := r.db.Pool().Exec(ctx, query, campaignID, recipientID, arg)
	if err != nil {
		return fmt.Errorf("update recipient: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// FailInterruptedRecipients marks every recipient left in sending as failed.
func (r *Repository) FailInterruptedRecipients(ctx context.Context, campaignID uuid.UUID, lastError string) (int, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE campaign_recipients SET status = 'failed', last_error = $2
		WHERE campaign_id = $1 AND status = 'sending'`,
		campaignID, lastError)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted recipients: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// ResetRecipients moves recipients with one of statuses back to scheduled,
// unless the campaign status is in blocked.
func (r *Repository) ResetRecipients(ctx context.Context, campaignID uuid.UUID, statuses, blocked []string) (int, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE campaign_recipients AS rcp
		SET status = 'scheduled', scheduled_at = NOW(), sent_at = NULL, last_error = NULL, rendered_content = NULL
		FROM campaigns AS c
		WHERE rcp.campaign_id = $1 AND rcp.status = ANY($2)
		  AND c.id = rcp.campaign_id AND NOT (c.status = ANY($3))`,
		campaignID, statuses, blocked)
	if err != nil {
		return 0, fmt.Errorf("reset recipients: %w", err)
	}
	if result.RowsAffected() == 0 {
		c, err := r.GetCampaign(ctx, campaignID)
		if err != nil {
			return 0, err
		}
		for _, b := range blocked {
			if c.Status == b {
				return 0, ErrConflict
			}
		}
	}
	return int(result.RowsAffected()), nil
}

// CountRecipientsByStatus returns recipient counts from a single statement so
// the totals always add up.
func (r *Repository) CountRecipientsByStatus(ctx context.Context, campaignID uuid.UUID) (StatusCounts, error) {
	var counts StatusCounts
	err := r.db.Pool().QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'scheduled'),
			COUNT(*) FILTER (WHERE status = 'sending'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM campaign_recipients
		WHERE campaign_id = $1`,
		campaignID,
	).Scan(&counts.Scheduled, &counts.Sending, &counts.Sent, &counts.Failed)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("count recipients: %w", err)
	}
	return counts, nil
}

// RecentSendTimes returns sent_at values at or after since, ascending.
func (r *Repository) RecentSendTimes(ctx context.Context, campaignID uuid.UUID, since time.Time) ([]time.Time, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT sent_at FROM campaign_recipients
		WHERE campaign_id = $1 AND sent_at >= $2
		ORDER BY sent_at ASC`,
		campaignID, since)
	if err != nil {
		return nil, fmt.Errorf("query send history: %w", err)
	}

	times, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return nil, fmt.Errorf("collect send history: %w", err)
	}
	return times, nil
}

// CreateContact adds a contact to the directory.
func (r *Repository) CreateContact(ctx context.Context, c *Contact) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO contacts (id, tenant_id, name, phone, email, attributes)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.TenantID, c.Name, c.Phone, c.Email, c.Attributes)
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

// ListContactsByIDs returns the tenant's contacts among ids. Unknown ids are skipped.
func (r *Repository) ListContactsByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*Contact, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, tenant_id, name, phone, email, attributes
		FROM contacts
		WHERE tenant_id = $1 AND id = ANY($2)`,
		tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.Email, &c.Attributes); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return contacts, nil
}

// missReason tells a guarded write that matched no rows apart: the campaign
// is gone, or its status lost the compare-and-swap.
func (r *Repository) missReason(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.db.Pool().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check campaign: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}
