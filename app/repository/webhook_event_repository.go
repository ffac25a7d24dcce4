package repository

import (
	"time"

	"github.com/flowpay/flowpay/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// webhookEventRepository implements the WebhookEventRepository interface
type webhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository creates a new webhook event repository instance
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

// CreateIfNotExists relies on the unique (provider_name, provider_event_id)
// index so deduplication stays correct under concurrent deliveries and
// across process restarts.
func (r *webhookEventRepository) CreateIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider_name"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	err := r.db.Where("provider_name = ? AND provider_event_id = ?", event.ProviderName, event.ProviderEventID).
		First(&stored).Error
	if err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *webhookEventRepository) GetByUUID(uuid string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.Where("uuid = ?", uuid).First(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *webhookEventRepository) LinkPayment(eventID uint, payment *models.Payment, providerPaymentID string) error {
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"payment_id":          payment.ID,
			"payment_uuid":        payment.UUID,
			"provider_payment_id": providerPaymentID,
		}).Error
}

func (r *webhookEventRepository) SetProviderPaymentID(eventID uint, providerPaymentID string) error {
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", eventID).
		Update("provider_payment_id", providerPaymentID).Error
}

func (r *webhookEventRepository) MarkProcessed(eventID uint) error {
	now := time.Now()
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"status":       models.WebhookEventStatusProcessed,
			"processed_at": &now,
			"last_error":   "",
		}).Error
}

func (r *webhookEventRepository) MarkFailed(eventID uint, processingError string) error {
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"status":              models.WebhookEventStatusFailed,
			"last_error":          processingError,
			"processing_attempts": gorm.Expr("processing_attempts + 1"),
		}).Error
}
