package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance and TotalPaid are the
// cached aggregates over payment_events; both sides change in the same
// transaction.
type Account struct {
	UserID      string    `gorm:"primaryKey"`
	DisplayName string    `gorm:""`
	AvatarRef   string    `gorm:""`
	Balance     int64     `gorm:"not null"`
	TotalPaid   int64     `gorm:"not null;index:idx_accounts_total_paid"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// PaymentEvent mirrors the payment_events table. Seq is the commit
// ordering key; ExternalRef carries the unique index that backstops
// topup deduplication.
type PaymentEvent struct {
	Seq         int64          `gorm:"primaryKey;autoIncrement"`
	EventID     string         `gorm:"type:uuid;not null;uniqueIndex:uniq_events_event_id"`
	UserID      string         `gorm:"not null;index:idx_events_user_seq"`
	Kind        string         `gorm:"not null"`
	Amount      int64          `gorm:"not null"`
	ExternalRef *string        `gorm:"uniqueIndex:uniq_events_external_ref"`
	Metadata    datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (PaymentEvent) TableName() string { return "payment_events" }

func (event *PaymentEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}
