package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a campaign, recipient or contact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a guarded write loses against the current
	// campaign status (compare-and-swap miss).
	ErrConflict = errors.New("campaign status conflict")
)

// Campaign is one bulk-send job.
type Campaign struct {
	ID                   uuid.UUID  `json:"id"`
	TenantID             uuid.UUID  `json:"tenant_id"`
	Name                 string     `json:"name"`
	TemplateBody         string     `json:"template_body"`
	Channel              string     `json:"channel"`
	Status               string     `json:"status"`
	DelaySeconds         int        `json:"delay_seconds"`
	MaxMessagesPerPeriod *int       `json:"max_messages_per_period,omitempty"`
	PeriodUnit           string     `json:"period_unit"`
	Recurrence           string     `json:"recurrence"`
	StartAt              *time.Time `json:"start_at,omitempty"`
	LastError            *string    `json:"last_error,omitempty"`
	LeaseOwner           *string    `json:"-"`
	LeaseExpiresAt       *time.Time `json:"-"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Campaign status constants
const (
	StatusDraft     = "draft"
	StatusScheduled = "scheduled"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Recipient status constants
const (
	RecipientScheduled = "scheduled"
	RecipientSending   = "sending"
	RecipientSent      = "sent"
	RecipientFailed    = "failed"
)

// Channel constants
const (
	ChannelWhatsApp = "whatsapp"
	ChannelSMS      = "sms"
	ChannelEmail    = "email"
)

// Period unit constants
const (
	PeriodMinute = "minute"
	PeriodHour   = "hour"
	PeriodDay    = "day"
	PeriodWeek   = "week"
	PeriodMonth  = "month"
)

// Recipient is the per-contact execution record of a campaign. Contact fields
// are snapshotted when the recipient set is attached.
type Recipient struct {
	ID              int64             `json:"id"`
	CampaignID      uuid.UUID         `json:"campaign_id"`
	ContactID       uuid.UUID         `json:"contact_id"`
	Position        int               `json:"position"`
	Name            string            `json:"name"`
	Phone           string            `json:"phone"`
	Email           string            `json:"email"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	RenderedContent *string           `json:"rendered_content,omitempty"`
	Status          string            `json:"status"`
	ScheduledAt     time.Time         `json:"scheduled_at"`
	SentAt          *time.Time        `json:"sent_at,omitempty"`
	LastError       *string           `json:"last_error,omitempty"`
}

// Contact is a record of the tenant's contacts directory.
type Contact struct {
	ID         uuid.UUID         `json:"id"`
	TenantID   uuid.UUID         `json:"tenant_id"`
	Name       string            `json:"name"`
	Phone      string            `json:"phone"`
	Email      string            `json:"email"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// StatusCounts is a point-in-time count of recipients grouped by status.
type StatusCounts struct {
	Scheduled int `json:"scheduled"`
	Sending   int `json:"sending"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// Total returns the number of attached recipients.
func (c StatusCounts) Total() int {
	return c.Scheduled + c.Sending + c.Sent + c.Failed
}

// ScheduleParams are the execution parameters persisted by a schedule call.
type ScheduleParams struct {
	StartAt              time.Time
	Recurrence           string
	DelaySeconds         int
	MaxMessagesPerPeriod *int
	PeriodUnit           string
}

// IsTerminal reports whether a campaign status ends an execution.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled || status == StatusFailed
}
