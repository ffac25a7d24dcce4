package repository

import (
	"time"

	"github.com/flowpay/flowpay/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// paymentRepository implements the PaymentRepository interface
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository instance
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Create(payment *models.Payment) error {
	return r.db.Create(payment).Error
}

func (r *paymentRepository) GetByID(id uint) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.First(&payment, id).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) GetByUUID(uuid string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.Where("uuid = ?", uuid).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) GetByProviderPaymentID(providerName, providerPaymentID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.Where("provider_name = ? AND provider_payment_id = ?", providerName, providerPaymentID).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) GetByIdempotencyKey(providerName, idempotencyKey string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.Where("provider_name = ? AND idempotency_key = ?", providerName, idempotencyKey).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) HasPendingForBooking(userID, bookingID string) (bool, error) {
	var count int64
	err := r.db.Model(&models.Payment{}).
		Where("user_id = ? AND booking_id = ? AND status IN ?", userID, bookingID,
			[]models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusSubmitted}).
		Count(&count).Error
	return count > 0, err
}

func (r *paymentRepository) SetProviderPaymentID(id uint, providerPaymentID string) error {
	return r.db.Model(&models.Payment{}).Where("id = ?", id).
		Update("provider_payment_id", providerPaymentID).Error
}

func (r *paymentRepository) AttachProviderSession(id uint, providerPaymentID string, expiresAt *time.Time, metadata models.JSON) error {
	updates := map[string]interface{}{
		"provider_payment_id": providerPaymentID,
		"expires_at":          expiresAt,
	}
	if len(metadata) > 0 {
		updates["metadata"] = metadata
	}
	return r.db.Model(&models.Payment{}).Where("id = ?", id).Updates(updates).Error
}

func (r *paymentRepository) Delete(id uint) error {
	return r.db.Delete(&models.Payment{}, id).Error
}

// ApplyStatusTransition locks the payment row, re-checks the transition graph
// against the freshly read status and persists the status change together
// with the audit log entry. Either both rows are written or neither is.
func (r *paymentRepository) ApplyStatusTransition(paymentID uint, proposed models.PaymentStatus, entry *models.PaymentStatusLog) (bool, *models.Payment, error) {
	var payment models.Payment
	applied := false

	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&payment, paymentID).Error; err != nil {
			return err
		}

		if !models.CanTransition(payment.Status, proposed) {
			// Same-status and terminal-origin deliveries are no-ops, not errors.
			return nil
		}

		now := time.Now()
		oldStatus := payment.Status
		updates := map[string]interface{}{
			"status":     proposed,
			"updated_at": now,
		}
		if proposed == models.PaymentStatusSubmitted && payment.SubmittedAt == nil {
			updates["submitted_at"] = now
			payment.SubmittedAt = &now
		}
		if proposed.IsTerminal() && payment.CompletedAt == nil {
			updates["completed_at"] = now
			payment.CompletedAt = &now
		}
		if err := tx.Model(&models.Payment{}).Where("id = ?", payment.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		payment.Status = proposed
		payment.UpdatedAt = now

		entry.PaymentID = payment.ID
		entry.OldStatus = oldStatus
		entry.NewStatus = proposed
		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return applied, &payment, nil
}

func (r *paymentRepository) ListStatusLog(paymentID uint) ([]models.PaymentStatusLog, error) {
	var entries []models.PaymentStatusLog
	err := r.db.Where("payment_id = ?", paymentID).Order("changed_at ASC, id ASC").Find(&entries).Error
	return entries, err
}
