package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/flowpay/flowpay/app/models"
	"github.com/flowpay/flowpay/internal/pkg/provider"
)

func succeededMapping() map[string]models.PaymentStatus {
	return map[string]models.PaymentStatus{
		"payment.authorized": models.PaymentStatusSubmitted,
		"payment.confirmed":  models.PaymentStatusSucceeded,
		"payment.canceled":   models.PaymentStatusCanceled,
	}
}

func seedPayment(t *testing.T, payments *fakePaymentRepo, status models.PaymentStatus, providerPaymentID string) *models.Payment {
	t.Helper()
	p := &models.Payment{
		BookingID:      "booking-1",
		UserID:         "user-1",
		EventID:        "event-1",
		AmountMinor:    150000,
		Currency:       "RUB",
		Status:         status,
		ProviderName:   "tinkoff",
		IdempotencyKey: "seed-" + providerPaymentID,
	}
	if err := payments.Create(p); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if providerPaymentID != "" {
		if err := payments.SetProviderPaymentID(p.ID, providerPaymentID); err != nil {
			t.Fatalf("seed provider id failed: %v", err)
		}
		p.ProviderPaymentID = &providerPaymentID
	}
	return p
}

func webhookIn() WebhookInput {
	return WebhookInput{
		ProviderName: "tinkoff",
		RawBody:      []byte(`{"Status":"CONFIRMED","PaymentId":700001,"NotificationId":"ntf-1"}`),
		Headers:      map[string]string{"X-Api-Signature-Sha256": "aa"},
		SourceIP:     "203.0.113.9",
	}
}

func TestProcessWebhook_AppliesTransition(t *testing.T) {
	adapter := &fakeProvider{
		name:        "tinkoff",
		signatureOK: true,
		parsed:      &provider.Event{ID: "ntf-1", Type: "payment.confirmed", ProviderPaymentID: "700001"},
		mapping:     succeededMapping(),
	}
	svc, payments, events := newTestService(adapter)
	p := seedPayment(t, payments, models.PaymentStatusSubmitted, "700001")

	result, err := svc.ProcessWebhook(context.Background(), webhookIn())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Applied || result.Duplicate || result.Ignored {
		t.Fatalf("expected applied result, got %+v", result)
	}
	if result.Payment.Status != models.PaymentStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", result.Payment.Status)
	}

	stored, _ := payments.GetByID(p.ID)
	if stored.Status != models.PaymentStatusSucceeded {
		t.Fatalf("payment not updated: %s", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Fatalf("terminal transition must set completed_at")
	}

	logEntries, _ := payments.ListStatusLog(p.ID)
	if len(logEntries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(logEntries))
	}
	entry := logEntries[0]
	if entry.OldStatus != models.PaymentStatusSubmitted || entry.NewStatus != models.PaymentStatusSucceeded {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
	if entry.Reason != models.StatusLogReasonWebhook {
		t.Fatalf("unexpected audit reason: %s", entry.Reason)
	}

	ev := events.byID(result.Event.ID)
	if ev == nil || ev.Status != models.WebhookEventStatusProcessed {
		t.Fatalf("event not marked processed: %+v", ev)
	}
	if ev.PaymentUUID == nil || *ev.PaymentUUID != p.UUID {
		t.Fatalf("event not linked to payment")
	}
}

func TestProcessWebhook_DuplicateDelivery(t *testing.T) {
	adapter := &fakeProvider{
		name:        "tinkoff",
		signatureOK: true,
		parsed:      &provider.Event{ID: "ntf-1", Type: "payment.confirmed", ProviderPaymentID: "700001"},
		mapping:     succeededMapping(),
	}
	svc, payments, _ := newTestService(adapter)
	p := seedPayment(t, payments, models.PaymentStatusSubmitted, "700001")

	if _, err := svc.ProcessWebhook(context.Background(), webhookIn()); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	second, err := svc.ProcessWebhook(context.Background(), webhookIn())
	if err != nil {
		t.Fatalf("redelivery must be acknowledged: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected duplicate result, got %+v", second)
	}

	logEntries, _ := payments.ListStatusLog(p.ID)
	if len(logEntries) != 1 {
		t.Fatalf("redelivery must not add audit entries, got %d", len(logEntries))
	}
}

func TestProcessWebhook_BadSignature(t *testing.T) {
	adapter := &fakeProvider{name: "tinkoff", signatureOK: false}
	svc, _, events := newTestService(adapter)

	_, err := svc.ProcessWebhook(context.Background(), webhookIn())
	pErr := asProblem(t, err)
	if pErr.Status != 401 {
		t.Fatalf("expected 401, got %d", pErr.Status)
	}
	if len(events.events) != 0 {
		t.Fatalf("rejected deliveries must not be stored")
	}
}

func TestProcessWebhook_UnknownProvider(t *testing.T) {
	svc, _, _ := newTestService(&fakeProvider{name: "tinkoff"})

	in := webhookIn()
	in.ProviderName = "stripe"
	_, err := svc.ProcessWebhook(context.Background(), in)
	pErr := asProblem(t, err)
	if pErr.Status != 404 {
		t.Fatalf("expected 404, got %d", pErr.Status)
	}
}

func TestProcessWebhook_TerminalStateImmune(t *testing.T) {
	adapter := &fakeProvider{
		name:        "tinkoff",
		signatureOK: true,
		parsed:      &provider.Event{ID: "ntf-2", Type: "payment.canceled", ProviderPaymentID: "700001"},
		mapping:     succeededMapping(),
	}
	svc, payments, _ := newTestService(adapter)
	p := seedPayment(t, payments, models.PaymentStatusSucceeded, "700001")

	result, err := svc.ProcessWebhook(context.Background(), webhookIn())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Ignored {
		t.Fatalf("terminal payment must ignore further events, got %+v", result)
	}

	stored, _ := payments.GetByID(p.ID)
	if stored.Status != models.PaymentStatusSucceeded {
		t.Fatalf("terminal status must not change, got %s", stored.Status)
	}
	logEntries, _ := payments.ListStatusLog(p.ID)
	if len(logEntries) != 0 {
		t.Fatalf("no-op must not append audit entries, got %d", len(logEntries))
	}
}

func TestProcessWebhook_UnmatchedPayment(t *testing.T) {
	adapter := &fakeProvider{
		name:        "tinkoff",
		signatureOK: true,
		parsed:      &provider.Event{ID: "ntf-3", Type: "payment.confirmed", ProviderPaymentID: "999999"},
		mapping:     succeededMapping(),
	}
	svc, _, events := newTestService(adapter)

	result, err := svc.ProcessWebhook(context.Background(), webhookIn())
	if err != nil {
		t.Fatalf("unmatched events must be acknowledged: %v", err)
	}
	if !result.Ignored {
		t.Fatalf("expected ignored result, got %+v", result)
	}
	// The event stays stored for audit even without a payment.
	if len(events.events) != 1 {
		t.Fatalf("unmatched event must be stored")
	}
}

func TestProcessWebhook_InformationalEvent(t *testing.T) {
	adapter := &fakeProvider{
		name:        "tinkoff",
		signatureOK: true,
		parsed:      &provider.Event{ID: "ntf-4", Type: "payment.3ds_checking", ProviderPaymentID: "700001"},
		mapping:     succeededMapping(),
	}
	svc, payments, _ := newTestService(adapter)
	p := seedPayment(t, payments, models.PaymentStatusSubmitted, "700001")

	result, err := svc.ProcessWebhook(context.Background(), webhookIn())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Ignored {
		t.Fatalf("unmapped event types must be ignored, got %+v", result)
	}
	stored, _ := payments.GetByID(p.ID)
	if stored.Status != models.PaymentStatusSubmitted {
		t.Fatalf("status must not change for informational events")
	}
}

func TestProcessWebhook_MissingEventIDFallsBackToHash(t *testing.T) {
	adapter := &fakeProvider{
		name:        "tinkoff",
		signatureOK: true,
		parsed:      &provider.Event{Type: "payment.confirmed", ProviderPaymentID: "700001"},
		mapping:     succeededMapping(),
	}
	svc, payments, _ := newTestService(adapter)
	seedPayment(t, payments, models.PaymentStatusSubmitted, "700001")

	first, err := svc.ProcessWebhook(context.Background(), webhookIn())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := first.Event.ProviderEventID; len(got) < 6 || got[:5] != "hash:" {
		t.Fatalf("expected payload-hash event id, got %q", got)
	}

	// Byte-identical redelivery hits the same derived id.
	second, err := svc.ProcessWebhook(context.Background(), webhookIn())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("identical payload must deduplicate, got %+v", second)
	}
}

func TestProcessWebhook_FailedEventReprocessedOnRedelivery(t *testing.T) {
	adapter := &fakeProvider{
		name:        "tinkoff",
		signatureOK: true,
		parsed:      &provider.Event{ID: "ntf-5", Type: "payment.confirmed", ProviderPaymentID: "700001"},
		mapping:     succeededMapping(),
	}
	svc, payments, events := newTestService(adapter)
	p := seedPayment(t, payments, models.PaymentStatusSubmitted, "700001")

	payments.transitionErr = errors.New("deadlock")
	_, err := svc.ProcessWebhook(context.Background(), webhookIn())
	pErr := asProblem(t, err)
	if pErr.Status != 500 {
		t.Fatalf("processing failure must return 500, got %d", pErr.Status)
	}

	stored := events.byID(1)
	if stored == nil || stored.Status != models.WebhookEventStatusFailed {
		t.Fatalf("event must be marked failed: %+v", stored)
	}

	// Provider redelivers; the stored failed event gets another attempt.
	result, err := svc.ProcessWebhook(context.Background(), webhookIn())
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if !result.Applied {
		t.Fatalf("redelivered failed event must be reprocessed, got %+v", result)
	}
	final, _ := payments.GetByID(p.ID)
	if final.Status != models.PaymentStatusSucceeded {
		t.Fatalf("expected SUCCEEDED after retry, got %s", final.Status)
	}
}

func TestProcessWebhook_LateProviderIDBinding(t *testing.T) {
	adapter := &fakeProvider{
		name:        "tinkoff",
		signatureOK: true,
		parsed:      &provider.Event{ID: "ntf-6", Type: "payment.authorized", ProviderPaymentID: "700002"},
		mapping:     succeededMapping(),
	}
	svc, payments, _ := newTestService(adapter)

	// Payment whose session never recorded a provider id; the event matches
	// by echoed order id instead.
	p := seedPayment(t, payments, models.PaymentStatusPending, "")
	adapter.parsed.PaymentUUID = p.UUID

	result, err := svc.ProcessWebhook(context.Background(), webhookIn())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected applied result, got %+v", result)
	}
	stored, _ := payments.GetByID(p.ID)
	if stored.ProviderPaymentID == nil || *stored.ProviderPaymentID != "700002" {
		t.Fatalf("provider payment id must be bound from the event")
	}
	if stored.Status != models.PaymentStatusSubmitted {
		t.Fatalf("expected SUBMITTED, got %s", stored.Status)
	}
	if stored.SubmittedAt == nil {
		t.Fatalf("submitted_at must be set on SUBMITTED")
	}
}
