package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/flowpay/flowpay/app/models"
	"github.com/flowpay/flowpay/app/repository"
	"github.com/flowpay/flowpay/internal/pkg/notify"
	"github.com/flowpay/flowpay/internal/pkg/problem"
)

// SubmitInput is a user-submitted proof of payment.
type SubmitInput struct {
	ImageURL    string
	Description string
	ReceiptType models.ReceiptType

	SubmitterID    string
	SubmitterEmail string
}

// ModerateInput is a moderator decision on a pending receipt.
type ModerateInput struct {
	Approve     bool
	ModeratorID string
	Notes       string

	// Fiscal identifiers are pass-through values from an external
	// fiscalization system, recorded on approval only.
	FiscalReceiptNumber  string
	FiscalDocumentNumber string
	FiscalSign           string
	ExternalReceiptURL   string
}

// Service implements the receipt submission and moderation workflow.
type Service struct {
	receipts repository.ReceiptRepository
	payments repository.PaymentRepository
	notifier notify.Notifier
}

// NewService wires a receipt service from explicit dependencies.
func NewService(repos *repository.Repositories, notifier notify.Notifier) *Service {
	return &Service{
		receipts: repos.Receipt,
		payments: repos.Payment,
		notifier: notifier,
	}
}

// NewServiceFromDB builds a service from the global repository factory.
func NewServiceFromDB() *Service {
	return NewService(repository.GetGlobalRepositories(), notify.NewSMTPNotifier())
}

// Submit records a proof-of-payment document for a succeeded payment. The
// document enters moderation as pending; at most one receipt per payment can
// ever reach registered status.
func (s *Service) Submit(paymentUUID string, in SubmitInput) (*models.PaymentReceipt, error) {
	if err := validateReceiptURL(in.ImageURL); err != nil {
		return nil, err
	}

	p, err := s.payments.GetByUUID(paymentUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, problem.NotFound("payment not found")
		}
		return nil, err
	}
	if !p.IsSuccessful() {
		return nil, problem.InvalidState(
			fmt.Sprintf("receipts can only be submitted for succeeded payments, payment is %s", p.Status),
		)
	}

	registered, err := s.receipts.ExistsRegisteredForPayment(p.ID)
	if err != nil {
		return nil, err
	}
	if registered {
		return nil, problem.Conflict("a registered receipt already exists for this payment")
	}

	receiptType := in.ReceiptType
	if receiptType == "" {
		receiptType = models.ReceiptTypePayment
	}

	data, err := json.Marshal(map[string]interface{}{
		"image_url":       in.ImageURL,
		"description":     in.Description,
		"submitter_id":    in.SubmitterID,
		"submitter_email": in.SubmitterEmail,
		"submitted_at":    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	r := &models.PaymentReceipt{
		PaymentID:   p.ID,
		PaymentUUID: p.UUID,
		ReceiptType: receiptType,
		ReceiptData: models.JSON(data),
		Status:      models.ReceiptStatusPending,
	}
	if err := s.receipts.Create(r); err != nil {
		return nil, err
	}

	log.Printf("receipt submitted: receipt=%s payment=%s by=%s", r.UUID, p.UUID, in.SubmitterID)
	return r, nil
}

// Moderate applies a moderator decision to a pending receipt. The decision
// is final: approved receipts become registered, rejected ones failed, and
// the moderation metadata is appended to the receipt document.
func (s *Service) Moderate(receiptUUID string, in ModerateInput) (*models.PaymentReceipt, error) {
	r, err := s.receipts.GetByUUID(receiptUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, problem.NotFound("receipt not found")
		}
		return nil, err
	}
	if r.Status != models.ReceiptStatusPending {
		return nil, problem.InvalidState(
			fmt.Sprintf("receipt has already been moderated, status is %s", r.Status),
		)
	}

	if in.Approve {
		// Another receipt for the same payment may have been registered
		// since this one was submitted; the submit-side guard cannot see
		// receipts that were all still pending at that point.
		registered, err := s.receipts.ExistsRegisteredForPayment(r.PaymentID)
		if err != nil {
			return nil, err
		}
		if registered {
			return nil, problem.Conflict("a registered receipt already exists for this payment")
		}
	}

	decision := "rejected"
	if in.Approve {
		decision = "approved"
	}
	data, err := appendModeration(r.ReceiptData, map[string]interface{}{
		"moderation_result": decision,
		"moderator_id":      in.ModeratorID,
		"moderator_notes":   in.Notes,
		"moderated_at":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	r.ReceiptData = data

	if in.Approve {
		now := time.Now()
		r.Status = models.ReceiptStatusRegistered
		r.RegisteredAt = &now
		if in.FiscalReceiptNumber != "" {
			r.FiscalReceiptNumber = &in.FiscalReceiptNumber
		}
		if in.FiscalDocumentNumber != "" {
			r.FiscalDocumentNumber = &in.FiscalDocumentNumber
		}
		if in.FiscalSign != "" {
			r.FiscalSign = &in.FiscalSign
		}
		if in.ExternalReceiptURL != "" {
			r.ExternalReceiptURL = &in.ExternalReceiptURL
		}
	} else {
		r.Status = models.ReceiptStatusFailed
	}

	if err := s.receipts.Update(r); err != nil {
		return nil, err
	}
	log.Printf("receipt moderated: receipt=%s payment=%s decision=%s by=%s",
		r.UUID, r.PaymentUUID, decision, in.ModeratorID)

	s.notifySubmitter(r, decision, in.Notes)
	return r, nil
}

// Get returns one receipt by its public id.
func (s *Service) Get(receiptUUID string) (*models.PaymentReceipt, error) {
	r, err := s.receipts.GetByUUID(receiptUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, problem.NotFound("receipt not found")
		}
		return nil, err
	}
	return r, nil
}

// GetForPayment returns the newest receipt attached regardless of status.
func (s *Service) GetForPayment(paymentUUID string) (*models.PaymentReceipt, error) {
	p, err := s.payments.GetByUUID(paymentUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, problem.NotFound("payment not found")
		}
		return nil, err
	}
	r, err := s.receipts.GetLatestByPaymentID(p.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, problem.NotFound("no receipt submitted for this payment")
		}
		return nil, err
	}
	return r, nil
}

// notifySubmitter emails the moderation outcome; failures are logged only.
func (s *Service) notifySubmitter(r *models.PaymentReceipt, decision, notes string) {
	if s.notifier == nil {
		return
	}
	var doc struct {
		SubmitterEmail string `json:"submitter_email"`
	}
	if err := json.Unmarshal(r.ReceiptData, &doc); err != nil || doc.SubmitterEmail == "" {
		return
	}
	subject := fmt.Sprintf("Your payment receipt was %s", decision)
	body := fmt.Sprintf("<p>Your receipt for payment %s was <b>%s</b>.</p>", r.PaymentUUID, decision)
	if notes != "" {
		body += fmt.Sprintf("<p>Moderator notes: %s</p>", notes)
	}
	if err := s.notifier.Send(doc.SubmitterEmail, subject, body); err != nil {
		log.Printf("receipt notification failed: receipt=%s err=%v", r.UUID, err)
	}
}

// validateReceiptURL requires an absolute http(s) URL with a host.
func validateReceiptURL(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return problem.Validation("receipt image url is required", map[string]string{"image_url": "required"})
	}
	u, err := url.Parse(trimmed)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return problem.Validation("receipt image url must be an absolute http(s) URL", map[string]string{"image_url": "invalid"})
	}
	return nil
}

// appendModeration merges moderation metadata into the stored document.
func appendModeration(doc models.JSON, fields map[string]interface{}) (models.JSON, error) {
	merged := map[string]interface{}{}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &merged); err != nil {
			return nil, err
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return models.JSON(out), nil
}
