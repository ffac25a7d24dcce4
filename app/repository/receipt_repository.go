package repository

import (
	"github.com/flowpay/flowpay/app/models"
	"gorm.io/gorm"
)

// receiptRepository implements the ReceiptRepository interface
type receiptRepository struct {
	db *gorm.DB
}

// NewReceiptRepository creates a new receipt repository instance
func NewReceiptRepository(db *gorm.DB) ReceiptRepository {
	return &receiptRepository{db: db}
}

func (r *receiptRepository) Create(receipt *models.PaymentReceipt) error {
	return r.db.Create(receipt).Error
}

func (r *receiptRepository) GetByUUID(uuid string) (*models.PaymentReceipt, error) {
	var receipt models.PaymentReceipt
	if err := r.db.Where("uuid = ?", uuid).First(&receipt).Error; err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (r *receiptRepository) GetLatestByPaymentID(paymentID uint) (*models.PaymentReceipt, error) {
	var receipt models.PaymentReceipt
	err := r.db.Where("payment_id = ?", paymentID).
		Order("created_at DESC, id DESC").
		First(&receipt).Error
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (r *receiptRepository) ExistsRegisteredForPayment(paymentID uint) (bool, error) {
	var count int64
	err := r.db.Model(&models.PaymentReceipt{}).
		Where("payment_id = ? AND status = ?", paymentID, models.ReceiptStatusRegistered).
		Count(&count).Error
	return count > 0, err
}

func (r *receiptRepository) Update(receipt *models.PaymentReceipt) error {
	return r.db.Save(receipt).Error
}
