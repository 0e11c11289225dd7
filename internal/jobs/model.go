package jobs

import (
	"time"

	"gorm.io/datatypes"
)

const TypeMessageDispatch = "MESSAGE_DISPATCH"

const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusDone      = "DONE"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// DefaultMaxAttempts bounds how often one dispatch job runs.
const DefaultMaxAttempts = 3

type Job struct {
	ID        uint64 `gorm:"primaryKey"`
	MessageID string `gorm:"type:varchar(36);index;not null"`

	Type    string         `gorm:"type:text;not null"` // MESSAGE_DISPATCH
	Payload datatypes.JSON `gorm:"not null"`

	RunAt  time.Time `gorm:"index;not null"`
	Status string    `gorm:"type:varchar(16);index;not null;default:'PENDING'"` // PENDING/RUNNING/DONE/FAILED/CANCELLED

	Attempts    int `gorm:"not null;default:0"`
	MaxAttempts int `gorm:"not null;default:3"`

	LockedBy *string `gorm:"type:text"`
	LockedAt *time.Time

	LastError *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type dispatchPayload struct {
	MessageID string `json:"message_id"`
}
