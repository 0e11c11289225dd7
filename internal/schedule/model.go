package schedule

import (
	"errors"
	"time"

	"courier/internal/payload"
	"courier/internal/recurrence"

	"gorm.io/datatypes"
)

var (
	ErrNotFound          = errors.New("scheduled message not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadySent       = errors.New("message already sent at least once")
	ErrInvalidSchedule   = errors.New("invalid schedule")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPaused     Status = "paused"
)

type Type string

const (
	TypeOnce      Type = "once"
	TypeRecurring Type = "recurring"
)

// ScheduledMessage is a message waiting to be posted to a webhook once or on a
// recurrence. NextSendAt is the only field the scanner looks at to decide
// eligibility, and is null only once the message is completed.
type ScheduledMessage struct {
	ID         string  `gorm:"primaryKey;type:varchar(36)"`
	UserID     uint64  `gorm:"index;not null"`
	WebhookID  string  `gorm:"type:varchar(36);index;not null"`
	TemplateID *string `gorm:"type:varchar(36)"`

	Content datatypes.JSONType[payload.Message] `gorm:"column:message_content;not null"`

	ScheduleType Type       `gorm:"type:varchar(16);not null"`
	ScheduledAt  *time.Time // once only
	Timezone     string     `gorm:"type:varchar(64);not null;default:'UTC'"`
	NextSendAt   *time.Time `gorm:"index"`

	Recurrence datatypes.JSONType[recurrence.Pattern] `gorm:"column:recurrence_pattern"`

	SendCount int `gorm:"not null;default:0"`
	MaxSends  *int

	Status     Status  `gorm:"type:varchar(16);index;not null"`
	LastError  *string `gorm:"type:text"`
	LastSentAt *time.Time

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (ScheduledMessage) TableName() string { return "scheduled_messages" }

// CanSend reports whether the message may be claimed for delivery now.
func (m ScheduledMessage) CanSend() bool {
	if m.Status != StatusPending {
		return false
	}
	return m.MaxSends == nil || m.SendCount < *m.MaxSends
}

// Pattern returns the stored recurrence pattern.
func (m ScheduledMessage) Pattern() recurrence.Pattern {
	return m.Recurrence.Data()
}

// Message returns the stored message content.
func (m ScheduledMessage) Message() payload.Message {
	return m.Content.Data()
}
