package db

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process implementation of the campaign store used
// for local development and tests. Every guarded write is evaluated under a
// single mutex, which gives it the same compare-and-swap semantics as the
// Postgres queries.
type MemoryRepository struct {
	mu         sync.Mutex
	now        func() time.Time
	campaigns  map[uuid.UUID]*Campaign
	recipients map[uuid.UUID][]*Recipient
	contacts   map[uuid.UUID]*Contact
	nextID     int64
}

// NewMemoryRepository creates an empty store. now may be nil.
func NewMemoryRepository(now func() time.Time) *MemoryRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryRepository{
		now:        now,
		campaigns:  make(map[uuid.UUID]*Campaign),
		recipients: make(map[uuid.UUID][]*Recipient),
		contacts:   make(map[uuid.UUID]*Contact),
	}
}

// CreateCampaign stores a new campaign.
func (m *MemoryRepository) CreateCampaign(ctx context.Context, c *Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.campaigns[c.ID]; ok {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	now := m.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	m.campaigns[c.ID] = copyCampaign(c)
	return nil
}

// GetCampaign returns a campaign by id.
func (m *MemoryRepository) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCampaign(c), nil
}

// ListCampaignsByTenant returns a tenant's campaigns, newest first.
func (m *MemoryRepository) ListCampaignsByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Campaign
	for _, c := range m.campaigns {
		if c.TenantID == tenantID {
			out = append(out, copyCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// UpdateCampaign overwrites the editable fields when the current status is in allowed.
func (m *MemoryRepository) UpdateCampaign(ctx context.Context, c *Campaign, allowed []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.campaigns[c.ID]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(allowed, cur.Status) {
		return ErrConflict
	}

	cur.Name = c.Name
	cur.TemplateBody = c.TemplateBody
	cur.Channel = c.Channel
	cur.DelaySeconds = c.DelaySeconds
	cur.MaxMessagesPerPeriod = copyIntPtr(c.MaxMessagesPerPeriod)
	cur.PeriodUnit = c.PeriodUnit
	cur.UpdatedAt = m.now()

	*c = *copyCampaign(cur)
	return nil
}

// DeleteCampaign removes a campaign and its recipients when its status is in allowed.
func (m *MemoryRepository) DeleteCampaign(ctx context.Context, id uuid.UUID, allowed []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(allowed, cur.Status) {
		return ErrConflict
	}
	delete(m.campaigns, id)
	delete(m.recipients, id)
	return nil
}

// TransitionCampaign moves a campaign from any status in from to to.
func (m *MemoryRepository) TransitionCampaign(ctx context.Context, id uuid.UUID, from []string, to string) (*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(from, cur.Status) {
		return nil, ErrConflict
	}

	cur.Status = to
	cur.UpdatedAt = m.now()
	return copyCampaign(cur), nil
}

// ScheduleCampaign persists execution parameters and sets status scheduled.
func (m *MemoryRepository) ScheduleCampaign(ctx context.Context, id uuid.UUID, p ScheduleParams, from []string) (*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(from, cur.Status) {
		return nil, ErrConflict
	}

	startAt := p.StartAt
	cur.StartAt = &startAt
	cur.Recurrence = p.Recurrence
	cur.DelaySeconds = p.DelaySeconds
	cur.MaxMessagesPerPeriod = copyIntPtr(p.MaxMessagesPerPeriod)
	cur.PeriodUnit = p.PeriodUnit
	cur.Status = StatusScheduled
	cur.LastError = nil
	cur.UpdatedAt = m.now()
	return copyCampaign(cur), nil
}

// ClaimCampaign takes the execution lease of a due scheduled campaign, or of a
// running campaign whose lease has expired. reclaimed reports whether an
// expired lease of another execution was displaced.
func (m *MemoryRepository) ClaimCampaign(ctx context.Context, id uuid.UUID, owner string, now time.Time, ttl time.Duration) (*Campaign, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.campaigns[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !claimable(cur, now) {
		return nil, false, ErrConflict
	}

	reclaimed := cur.LeaseOwner != nil
	expires := now.Add(ttl)
	cur.Status = StatusRunning
	cur.LeaseOwner = &owner
	cur.LeaseExpiresAt = &expires
	cur.UpdatedAt = m.now()
	return copyCampaign(cur), reclaimed, nil
}

// claimable mirrors the WHERE clause of the Postgres claim. A paused or
// cancelled execution keeps its lease until the worker exits, so a scheduled
// campaign is blocked by a live lease too.
func claimable(c *Campaign, now time.Time) bool {
	free := c.LeaseOwner == nil || c.LeaseExpiresAt == nil || c.LeaseExpiresAt.Before(now)
	switch c.Status {
	case StatusScheduled:
		return free && (c.StartAt == nil || !c.StartAt.After(now))
	case StatusRunning:
		return free
	default:
		return false
	}
}

// RenewLease extends the lease held by owner.
func (m *MemoryRepository) RenewLease(ctx context.Context, id uuid.UUID, owner string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.owned(id, owner)
	if err != nil {
		return err
	}
	cur.LeaseExpiresAt = &expires
	return nil
}

// DropLease gives up the lease held by owner whatever the status, so another
// runner can claim the campaign without waiting for expiry.
func (m *MemoryRepository) DropLease(ctx context.Context, id uuid.UUID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	if cur.LeaseOwner == nil || *cur.LeaseOwner != owner {
		return ErrConflict
	}
	cur.LeaseOwner = nil
	cur.LeaseExpiresAt = nil
	return nil
}

// ReleaseCampaign ends an execution held by owner with status to.
func (m *MemoryRepository) ReleaseCampaign(ctx context.Context, id uuid.UUID, owner, to string, lastError *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.owned(id, owner)
	if err != nil {
		return err
	}
	cur.Status = to
	cur.LastError = copyStringPtr(lastError)
	cur.LeaseOwner = nil
	cur.LeaseExpiresAt = nil
	cur.UpdatedAt = m.now()
	return nil
}

// RearmCampaign resets every recipient and schedules the next recurrence.
func (m *MemoryRepository) RearmCampaign(ctx context.Context, id uuid.UUID, owner string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.owned(id, owner)
	if err != nil {
		return err
	}
	for _, r := range m.recipients[id] {
		resetRecipient(r, next)
	}
	cur.Status = StatusScheduled
	cur.StartAt = &next
	cur.LastError = nil
	cur.LeaseOwner = nil
	cur.LeaseExpiresAt = nil
	cur.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) owned(id uuid.UUID, owner string) (*Campaign, error) {
	cur, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status != StatusRunning || cur.LeaseOwner == nil || *cur.LeaseOwner != owner {
		return nil, ErrConflict
	}
	return cur, nil
}

// ListDueCampaigns returns campaigns that can be claimed at now.
func (m *MemoryRepository) ListDueCampaigns(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Campaign
	for _, c := range m.campaigns {
		if claimable(c, now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })

	ids := make([]uuid.UUID, 0, len(due))
	for _, c := range due {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// ReplaceRecipients swaps the whole recipient set unless the campaign status is in blocked.
func (m *MemoryRepository) ReplaceRecipients(ctx context.Context, campaignID uuid.UUID, recipients []*Recipient, blocked []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.campaigns[campaignID]
	if !ok {
		return 0, ErrNotFound
	}
	if slices.Contains(blocked, cur.Status) {
		return 0, ErrConflict
	}

	now := m.now()
	rows := make([]*Recipient, 0, len(recipients))
	for i, r := range recipients {
		m.nextID++
		row := copyRecipient(r)
		row.ID = m.nextID
		row.CampaignID = campaignID
		row.Position = i
		resetRecipient(row, now)
		rows = append(rows, row)
		r.ID = row.ID
	}
	m.recipients[campaignID] = rows
	return len(rows), nil
}

// ListRecipients returns a campaign's recipients in attachment order.
func (m *MemoryRepository) ListRecipients(ctx context.Context, campaignID uuid.UUID) ([]*Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.recipients[campaignID]
	out := make([]*Recipient, 0, len(rows))
	for _, r := range rows {
		out = append(out, copyRecipient(r))
	}
	return out, nil
}

// NextScheduledRecipient returns the first scheduled recipient in attachment order.
func (m *MemoryRepository) NextScheduledRecipient(ctx context.Context, campaignID uuid.UUID) (*Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.recipients[campaignID] {
		if r.Status == RecipientScheduled {
			return copyRecipient(r), nil
		}
	}
	return nil, ErrNotFound
}

// MarkRecipientSending claims a scheduled recipient for the execution held by owner.
func (m *MemoryRepository) MarkRecipientSending(ctx context.Context, campaignID uuid.UUID, recipientID int64, owner, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.owned(campaignID, owner); err != nil {
		return err
	}
	r := m.recipient(campaignID, recipientID)
	if r == nil {
		return ErrNotFound
	}
	if r.Status != RecipientScheduled {
		return ErrConflict
	}
	r.Status = RecipientSending
	r.RenderedContent = &content
	return nil
}

// MarkRecipientSent records a successful send.
func (m *MemoryRepository) MarkRecipientSent(ctx context.Context, campaignID uuid.UUID, recipientID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.recipient(campaignID, recipientID)
	if r == nil {
		return ErrNotFound
	}
	if r.Status != RecipientSending {
		return ErrConflict
	}
	r.Status = RecipientSent
	r.SentAt = &at
	r.LastError = nil
	return nil
}

// MarkRecipientFailed records a failed send.
func (m *MemoryRepository) MarkRecipientFailed(ctx context.Context, campaignID uuid.UUID, recipientID int64, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.recipient(campaignID, recipientID)
	if r == nil {
		return ErrNotFound
	}
	if r.Status != RecipientSending {
		return ErrConflict
	}
	r.Status = RecipientFailed
	r.LastError = &lastError
	return nil
}

// FailInterruptedRecipients marks every recipient left in sending as failed.
func (m *MemoryRepository) FailInterruptedRecipients(ctx context.Context, campaignID uuid.UUID, lastError string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.recipients[campaignID] {
		if r.Status == RecipientSending {
			msg := lastError
			r.Status = RecipientFailed
			r.LastError = &msg
			n++
		}
	}
	return n, nil
}

// ResetRecipients moves recipients with one of statuses back to scheduled,
// unless the campaign status is in blocked.
func (m *MemoryRepository) ResetRecipients(ctx context.Context, campaignID uuid.UUID, statuses, blocked []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.campaigns[campaignID]
	if !ok {
		return 0, ErrNotFound
	}
	if slices.Contains(blocked, cur.Status) {
		return 0, ErrConflict
	}

	now := m.now()
	n := 0
	for _, r := range m.recipients[campaignID] {
		if slices.Contains(statuses, r.Status) {
			resetRecipient(r, now)
			n++
		}
	}
	return n, nil
}

// CountRecipientsByStatus returns a consistent snapshot of recipient counts.
func (m *MemoryRepository) CountRecipientsByStatus(ctx context.Context, campaignID uuid.UUID) (StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var counts StatusCounts
	for _, r := range m.recipients[campaignID] {
		switch r.Status {
		case RecipientScheduled:
			counts.Scheduled++
		case RecipientSending:
			counts.Sending++
		case RecipientSent:
			counts.Sent++
		case RecipientFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// RecentSendTimes returns sent_at values at or after since, ascending.
func (m *MemoryRepository) RecentSendTimes(ctx context.Context, campaignID uuid.UUID, since time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []time.Time
	for _, r := range m.recipients[campaignID] {
		if r.SentAt != nil && !r.SentAt.Before(since) {
			out = append(out, *r.SentAt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// CreateContact adds a contact to the directory.
func (m *MemoryRepository) CreateContact(ctx context.Context, c *Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	cp.Attributes = copyAttrs(c.Attributes)
	m.contacts[c.ID] = &cp
	return nil
}

// ListContactsByIDs returns the tenant's contacts among ids. Unknown ids are skipped.
func (m *MemoryRepository) ListContactsByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Contact, 0, len(ids))
	for _, id := range ids {
		c, ok := m.contacts[id]
		if !ok || c.TenantID != tenantID {
			continue
		}
		cp := *c
		cp.Attributes = copyAttrs(c.Attributes)
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryRepository) recipient(campaignID uuid.UUID, id int64) *Recipient {
	for _, r := range m.recipients[campaignID] {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func resetRecipient(r *Recipient, at time.Time) {
	r.Status = RecipientScheduled
	r.ScheduledAt = at
	r.SentAt = nil
	r.LastError = nil
	r.RenderedContent = nil
}

func copyCampaign(c *Campaign) *Campaign {
	cp := *c
	cp.MaxMessagesPerPeriod = copyIntPtr(c.MaxMessagesPerPeriod)
	cp.LastError = copyStringPtr(c.LastError)
	cp.LeaseOwner = copyStringPtr(c.LeaseOwner)
	if c.StartAt != nil {
		t := *c.StartAt
		cp.StartAt = &t
	}
	if c.LeaseExpiresAt != nil {
		t := *c.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	return &cp
}

func copyRecipient(r *Recipient) *Recipient {
	cp := *r
	cp.Attributes = copyAttrs(r.Attributes)
	cp.RenderedContent = copyStringPtr(r.RenderedContent)
	cp.LastError = copyStringPtr(r.LastError)
	if r.SentAt != nil {
		t := *r.SentAt
		cp.SentAt = &t
	}
	return &cp
}

func copyAttrs(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
