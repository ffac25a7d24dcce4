package models

import "time"

// Status log reasons.
const (
	StatusLogReasonWebhook = "webhook"
	StatusLogReasonManual  = "manual"
)

// PaymentStatusLog is the append-only audit trail of status transitions.
// Entries are written in the same transaction as the payment update and are
// never updated or deleted; ordered by changed_at they form a path through
// the transition graph.
type PaymentStatusLog struct {
	ID        uint          `gorm:"primaryKey" json:"-"`
	PaymentID uint          `gorm:"not null;index" json:"-"`
	OldStatus PaymentStatus `gorm:"type:varchar(20)" json:"old_status"`
	NewStatus PaymentStatus `gorm:"type:varchar(20);not null" json:"new_status"`
	Reason    string        `gorm:"type:varchar(100)" json:"reason"`
	Details   JSON          `gorm:"type:longtext" json:"details,omitempty"`

	ChangedBy      *string `gorm:"type:varchar(36)" json:"changed_by,omitempty"`
	WebhookEventID *uint   `gorm:"index" json:"-"`

	ChangedAt time.Time `gorm:"autoCreateTime;index" json:"changed_at"`
}
