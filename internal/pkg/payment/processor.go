package payment

import (
	"context"
	"errors"
	"log"

	"gorm.io/gorm"

	"github.com/flowpay/flowpay/app/models"
	"github.com/flowpay/flowpay/internal/pkg/provider"
)

// reconcile matches a stored webhook event to its payment and applies the
// mapped status transition. Everything that cannot produce a transition is
// an acknowledged no-op: the event stays stored for audit but the payment
// is untouched.
func (s *Service) reconcile(_ context.Context, adapter provider.Provider, stored *models.WebhookEvent, parsed *provider.Event) (*WebhookResult, error) {
	p, err := s.matchPayment(adapter.Name(), parsed)
	if err != nil {
		return nil, err
	}
	if p == nil {
		log.Printf("webhook unmatched: provider=%s event=%s provider_payment_id=%q order=%q",
			adapter.Name(), stored.UUID, parsed.ProviderPaymentID, parsed.PaymentUUID)
		return &WebhookResult{Ignored: true, IgnoredReason: "no payment matches this event"}, nil
	}

	if err := s.events.LinkPayment(stored.ID, p, parsed.ProviderPaymentID); err != nil {
		return nil, err
	}
	// Some providers only hand out their payment id with the first
	// notification; bind it late so status recovery can query by it.
	if (p.ProviderPaymentID == nil || *p.ProviderPaymentID == "") && parsed.ProviderPaymentID != "" {
		if err := s.payments.SetProviderPaymentID(p.ID, parsed.ProviderPaymentID); err != nil {
			return nil, err
		}
		p.ProviderPaymentID = &parsed.ProviderPaymentID
	}

	proposed, mapped := adapter.MapEventStatus(parsed.Type)
	if !mapped {
		log.Printf("webhook informational: provider=%s event=%s type=%s payment=%s",
			adapter.Name(), stored.UUID, parsed.Type, p.UUID)
		return &WebhookResult{Ignored: true, IgnoredReason: "event type carries no status change", Payment: p}, nil
	}

	entry := &models.PaymentStatusLog{
		Reason: models.StatusLogReasonWebhook,
		Details: mustJSON(map[string]string{
			"event_type":        parsed.Type,
			"provider_event_id": stored.ProviderEventID,
		}),
		WebhookEventID: &stored.ID,
	}
	applied, updated, err := s.payments.ApplyStatusTransition(p.ID, proposed, entry)
	if err != nil {
		return nil, err
	}
	if !applied {
		log.Printf("webhook transition skipped: payment=%s status=%s proposed=%s event=%s",
			p.UUID, p.Status, proposed, stored.UUID)
		return &WebhookResult{Ignored: true, IgnoredReason: "status transition not permitted", Payment: p}, nil
	}

	log.Printf("payment status applied: payment=%s %s -> %s via=%s event=%s",
		updated.UUID, p.Status, updated.Status, adapter.Name(), stored.UUID)
	return &WebhookResult{Applied: true, Payment: updated}, nil
}

// matchPayment resolves the event's payment by provider payment id first,
// then by the echoed order id. A nil payment with nil error means unmatched.
func (s *Service) matchPayment(providerName string, parsed *provider.Event) (*models.Payment, error) {
	if parsed.ProviderPaymentID != "" {
		p, err := s.payments.GetByProviderPaymentID(providerName, parsed.ProviderPaymentID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if parsed.PaymentUUID != "" {
		p, err := s.payments.GetByUUID(parsed.PaymentUUID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, nil
}
