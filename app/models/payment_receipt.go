package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReceiptStatus is the state of a submitted proof-of-payment document.
type ReceiptStatus string

const (
	ReceiptStatusPending    ReceiptStatus = "pending"
	ReceiptStatusRegistered ReceiptStatus = "registered"
	ReceiptStatusFailed     ReceiptStatus = "failed"
)

// IsTerminal reports whether no further moderation is possible.
func (s ReceiptStatus) IsTerminal() bool {
	return s == ReceiptStatusRegistered || s == ReceiptStatusFailed
}

// ReceiptType distinguishes the document purpose.
type ReceiptType string

const (
	ReceiptTypePayment    ReceiptType = "payment"
	ReceiptTypeRefund     ReceiptType = "refund"
	ReceiptTypeCorrection ReceiptType = "correction"
)

// PaymentReceipt is a user-submitted proof of payment subject to manual
// moderation. At most one receipt per payment may reach registered status.
// Fiscal identifiers are filled in by an external fiscalization provider
// and stored here as pass-through values only.
type PaymentReceipt struct {
	ID          uint        `gorm:"primaryKey" json:"-"`
	UUID        string      `gorm:"type:varchar(36);uniqueIndex;not null" json:"id"`
	PaymentID   uint        `gorm:"not null;index" json:"-"`
	PaymentUUID string      `gorm:"type:varchar(36);not null;index" json:"payment_id"`
	ReceiptType ReceiptType `gorm:"type:varchar(20);not null;default:'payment'" json:"receipt_type"`

	// ReceiptData holds the submission (image URL, free text, submitter
	// identity/contact) plus moderation metadata appended on decision.
	ReceiptData JSON `gorm:"type:longtext;not null" json:"receipt_data"`

	FiscalReceiptNumber  *string `gorm:"type:varchar(191)" json:"fiscal_receipt_number,omitempty"`
	FiscalDocumentNumber *string `gorm:"type:varchar(191)" json:"fiscal_document_number,omitempty"`
	FiscalSign           *string `gorm:"type:varchar(191)" json:"fiscal_sign,omitempty"`
	ExternalReceiptURL   *string `gorm:"type:text" json:"external_receipt_url,omitempty"`

	Status ReceiptStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`

	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	RegisteredAt *time.Time `gorm:"type:timestamp;default:null" json:"registered_at,omitempty"`
}

// BeforeCreate assigns the public UUID identifier.
func (r *PaymentReceipt) BeforeCreate(tx *gorm.DB) error {
	if r.UUID == "" {
		r.UUID = uuid.New().String()
	}
	return nil
}
