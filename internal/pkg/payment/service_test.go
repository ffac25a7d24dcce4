package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowpay/flowpay/app/models"
	"github.com/flowpay/flowpay/app/repository"
	"github.com/flowpay/flowpay/internal/pkg/problem"
	"github.com/flowpay/flowpay/internal/pkg/provider"
)

// fakePaymentRepo is an in-memory PaymentRepository with the same transition
// semantics as the database implementation.
type fakePaymentRepo struct {
	payments  map[uint]*models.Payment
	statusLog []models.PaymentStatusLog
	nextID    uint

	transitionErr error
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: map[uint]*models.Payment{}, nextID: 1}
}

func (f *fakePaymentRepo) Create(p *models.Payment) error {
	if p.UUID == "" {
		p.UUID = uuid.New().String()
	}
	for _, existing := range f.payments {
		if existing.ProviderName == p.ProviderName && existing.IdempotencyKey == p.IdempotencyKey {
			return errors.New("duplicate idempotency key")
		}
	}
	p.ID = f.nextID
	f.nextID++
	p.CreatedAt = time.Now()
	cp := *p
	f.payments[p.ID] = &cp
	return nil
}

func (f *fakePaymentRepo) GetByID(id uint) (*models.Payment, error) {
	if p, ok := f.payments[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakePaymentRepo) GetByUUID(u string) (*models.Payment, error) {
	for _, p := range f.payments {
		if p.UUID == u {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakePaymentRepo) GetByProviderPaymentID(providerName, providerPaymentID string) (*models.Payment, error) {
	for _, p := range f.payments {
		if p.ProviderName == providerName && p.ProviderPaymentID != nil && *p.ProviderPaymentID == providerPaymentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakePaymentRepo) GetByIdempotencyKey(providerName, key string) (*models.Payment, error) {
	for _, p := range f.payments {
		if p.ProviderName == providerName && p.IdempotencyKey == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakePaymentRepo) HasPendingForBooking(userID, bookingID string) (bool, error) {
	for _, p := range f.payments {
		if p.UserID == userID && p.BookingID == bookingID &&
			(p.Status == models.PaymentStatusPending || p.Status == models.PaymentStatusSubmitted) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakePaymentRepo) SetProviderPaymentID(id uint, providerPaymentID string) error {
	p, ok := f.payments[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	p.ProviderPaymentID = &providerPaymentID
	return nil
}

func (f *fakePaymentRepo) AttachProviderSession(id uint, providerPaymentID string, expiresAt *time.Time, metadata models.JSON) error {
	p, ok := f.payments[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	p.ProviderPaymentID = &providerPaymentID
	p.ExpiresAt = expiresAt
	if len(metadata) > 0 {
		p.Metadata = metadata
	}
	return nil
}

func (f *fakePaymentRepo) Delete(id uint) error {
	if _, ok := f.payments[id]; !ok {
		return gorm.ErrRecordNotFound
	}
	delete(f.payments, id)
	return nil
}

func (f *fakePaymentRepo) ApplyStatusTransition(paymentID uint, proposed models.PaymentStatus, entry *models.PaymentStatusLog) (bool, *models.Payment, error) {
	if f.transitionErr != nil {
		err := f.transitionErr
		f.transitionErr = nil
		return false, nil, err
	}
	p, ok := f.payments[paymentID]
	if !ok {
		return false, nil, gorm.ErrRecordNotFound
	}
	if !models.CanTransition(p.Status, proposed) {
		cp := *p
		return false, &cp, nil
	}
	entry.PaymentID = p.ID
	entry.OldStatus = p.Status
	entry.NewStatus = proposed
	entry.ChangedAt = time.Now()
	p.Status = proposed
	now := time.Now()
	if proposed == models.PaymentStatusSubmitted && p.SubmittedAt == nil {
		p.SubmittedAt = &now
	}
	if proposed.IsTerminal() && p.CompletedAt == nil {
		p.CompletedAt = &now
	}
	f.statusLog = append(f.statusLog, *entry)
	cp := *p
	return true, &cp, nil
}

func (f *fakePaymentRepo) ListStatusLog(paymentID uint) ([]models.PaymentStatusLog, error) {
	var out []models.PaymentStatusLog
	for _, e := range f.statusLog {
		if e.PaymentID == paymentID {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeEventRepo is an in-memory WebhookEventRepository keyed by the unique
// (provider, provider event id) pair.
type fakeEventRepo struct {
	events map[string]*models.WebhookEvent
	nextID uint
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{events: map[string]*models.WebhookEvent{}, nextID: 1}
}

func eventKey(providerName, providerEventID string) string {
	return providerName + "|" + providerEventID
}

func (f *fakeEventRepo) CreateIfNotExists(e *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	key := eventKey(e.ProviderName, e.ProviderEventID)
	if stored, ok := f.events[key]; ok {
		cp := *stored
		return false, &cp, nil
	}
	if e.UUID == "" {
		e.UUID = uuid.New().String()
	}
	e.ID = f.nextID
	f.nextID++
	e.ReceivedAt = time.Now()
	cp := *e
	f.events[key] = &cp
	out := cp
	return true, &out, nil
}

func (f *fakeEventRepo) GetByUUID(u string) (*models.WebhookEvent, error) {
	for _, e := range f.events {
		if e.UUID == u {
			cp := *e
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeEventRepo) byID(id uint) *models.WebhookEvent {
	for _, e := range f.events {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (f *fakeEventRepo) LinkPayment(eventID uint, p *models.Payment, providerPaymentID string) error {
	e := f.byID(eventID)
	if e == nil {
		return gorm.ErrRecordNotFound
	}
	e.PaymentID = &p.ID
	e.PaymentUUID = &p.UUID
	if providerPaymentID != "" {
		e.ProviderPaymentID = &providerPaymentID
	}
	return nil
}

func (f *fakeEventRepo) SetProviderPaymentID(eventID uint, providerPaymentID string) error {
	e := f.byID(eventID)
	if e == nil {
		return gorm.ErrRecordNotFound
	}
	e.ProviderPaymentID = &providerPaymentID
	return nil
}

func (f *fakeEventRepo) MarkProcessed(eventID uint) error {
	e := f.byID(eventID)
	if e == nil {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	e.Status = models.WebhookEventStatusProcessed
	e.ProcessedAt = &now
	e.ProcessingAttempts++
	return nil
}

func (f *fakeEventRepo) MarkFailed(eventID uint, processingError string) error {
	e := f.byID(eventID)
	if e == nil {
		return gorm.ErrRecordNotFound
	}
	e.Status = models.WebhookEventStatusFailed
	e.LastError = processingError
	e.ProcessingAttempts++
	return nil
}

// fakeProvider is a scriptable Provider for exercising the service paths.
type fakeProvider struct {
	name         string
	signatureOK  bool
	parsed       *provider.Event
	parseErr     error
	mapping      map[string]models.PaymentStatus
	initResult   *provider.InitResult
	initErr      error
	checkStatus  models.PaymentStatus
	checkErr     error
	initCalls    int
	verifyCalled bool
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Enabled() bool { return true }

func (f *fakeProvider) Initialize(_ context.Context, _ provider.InitRequest) (*provider.InitResult, error) {
	f.initCalls++
	if f.initErr != nil {
		return nil, f.initErr
	}
	return f.initResult, nil
}

func (f *fakeProvider) VerifySignature([]byte, map[string]string) bool {
	f.verifyCalled = true
	return f.signatureOK
}

func (f *fakeProvider) ParseEvent([]byte) (*provider.Event, error) {
	return f.parsed, f.parseErr
}

func (f *fakeProvider) MapEventStatus(eventType string) (models.PaymentStatus, bool) {
	s, ok := f.mapping[eventType]
	return s, ok
}

func (f *fakeProvider) CheckStatus(context.Context, string) (models.PaymentStatus, error) {
	return f.checkStatus, f.checkErr
}

func (f *fakeProvider) Cancel(context.Context, string) (bool, error) { return true, nil }

func newTestService(adapter provider.Provider) (*Service, *fakePaymentRepo, *fakeEventRepo) {
	payments := newFakePaymentRepo()
	events := newFakeEventRepo()
	repos := &repository.Repositories{Payment: payments, WebhookEvent: events}
	svc := NewService(repos, provider.NewRegistry(adapter))
	return svc, payments, events
}

func asProblem(t *testing.T, err error) *problem.Error {
	t.Helper()
	var pErr *problem.Error
	if !errors.As(err, &pErr) {
		t.Fatalf("expected a problem error, got %T: %v", err, err)
	}
	return pErr
}

func TestInitializePayment_CreatesPendingAndOpensSession(t *testing.T) {
	adapter := &fakeProvider{
		name: "tinkoff",
		initResult: &provider.InitResult{
			ProviderPaymentID: "700001",
			Widget:            provider.Widget{Type: "redirect", PaymentURL: "https://pay.example/700001"},
			ExpiresAt:         time.Now().Add(15 * time.Minute),
		},
	}
	svc, payments, _ := newTestService(adapter)

	out, err := svc.InitializePayment(context.Background(), InitInput{
		BookingID:   "booking-1",
		UserID:      "user-1",
		EventID:     "event-1",
		AmountMinor: 150000,
		Currency:    "rub",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.AlreadyInitialized {
		t.Fatalf("first init must not be a replay")
	}
	if out.Payment.Status != models.PaymentStatusPending {
		t.Fatalf("expected PENDING, got %s", out.Payment.Status)
	}
	if out.Payment.Currency != "RUB" {
		t.Fatalf("currency should be normalized, got %q", out.Payment.Currency)
	}
	if out.Widget.PaymentURL != "https://pay.example/700001" {
		t.Fatalf("unexpected widget: %+v", out.Widget)
	}

	stored, err := payments.GetByUUID(out.Payment.UUID)
	if err != nil {
		t.Fatalf("payment not stored: %v", err)
	}
	if stored.ProviderPaymentID == nil || *stored.ProviderPaymentID != "700001" {
		t.Fatalf("provider payment id not persisted: %+v", stored)
	}
	if stored.ExpiresAt == nil {
		t.Fatalf("session expiry not persisted")
	}
}

func TestInitializePayment_AmountOutOfRange(t *testing.T) {
	svc, _, _ := newTestService(&fakeProvider{name: "tinkoff"})

	_, err := svc.InitializePayment(context.Background(), InitInput{
		BookingID:   "booking-1",
		UserID:      "user-1",
		AmountMinor: 1,
	})
	pErr := asProblem(t, err)
	if pErr.Status != 400 {
		t.Fatalf("expected 400, got %d", pErr.Status)
	}
}

func TestInitializePayment_DuplicatePendingBooking(t *testing.T) {
	adapter := &fakeProvider{
		name:       "tinkoff",
		initResult: &provider.InitResult{ProviderPaymentID: "1", ExpiresAt: time.Now().Add(time.Minute)},
	}
	svc, payments, _ := newTestService(adapter)

	// Existing unfinished payment for the same booking with a different
	// idempotency key (created in an earlier minute bucket).
	seed := &models.Payment{
		BookingID:      "booking-1",
		UserID:         "user-1",
		ProviderName:   "tinkoff",
		IdempotencyKey: "old-key",
		Status:         models.PaymentStatusPending,
		AmountMinor:    150000,
	}
	if err := payments.Create(seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	_, err := svc.InitializePayment(context.Background(), InitInput{
		BookingID:   "booking-1",
		UserID:      "user-1",
		EventID:     "event-1",
		AmountMinor: 150000,
	})
	pErr := asProblem(t, err)
	if pErr.Status != 409 {
		t.Fatalf("expected 409, got %d", pErr.Status)
	}
}

func TestInitializePayment_IdempotentReplay(t *testing.T) {
	adapter := &fakeProvider{
		name: "tinkoff",
		initResult: &provider.InitResult{
			ProviderPaymentID: "700001",
			Widget:            provider.Widget{Type: "redirect", PaymentURL: "https://pay.example/700001"},
			ExpiresAt:         time.Now().Add(15 * time.Minute),
		},
	}
	svc, _, _ := newTestService(adapter)

	in := InitInput{
		BookingID:   "booking-1",
		UserID:      "user-1",
		EventID:     "event-1",
		AmountMinor: 150000,
	}
	first, err := svc.InitializePayment(context.Background(), in)
	if err != nil {
		t.Fatalf("first init failed: %v", err)
	}
	second, err := svc.InitializePayment(context.Background(), in)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !second.AlreadyInitialized {
		t.Fatalf("expected replay to be flagged")
	}
	if second.Payment.UUID != first.Payment.UUID {
		t.Fatalf("replay must return the same payment: %s != %s", second.Payment.UUID, first.Payment.UUID)
	}
	if second.Widget.PaymentURL != first.Widget.PaymentURL {
		t.Fatalf("replay must return the original widget")
	}
	if adapter.initCalls != 1 {
		t.Fatalf("provider must be called once, got %d", adapter.initCalls)
	}
}

func TestInitializePayment_ProviderUnavailable(t *testing.T) {
	adapter := &fakeProvider{name: "tinkoff", initErr: provider.ErrUnavailable}
	svc, payments, _ := newTestService(adapter)

	_, err := svc.InitializePayment(context.Background(), InitInput{
		BookingID:   "booking-1",
		UserID:      "user-1",
		EventID:     "event-1",
		AmountMinor: 150000,
	})
	pErr := asProblem(t, err)
	if pErr.Status != 503 {
		t.Fatalf("expected 503, got %d", pErr.Status)
	}
	// The session never opened, so no row may survive to block a retry.
	if len(payments.payments) != 0 {
		t.Fatalf("expected no payment rows after provider failure, got %d", len(payments.payments))
	}
}

func TestInitializePayment_RetryAfterProviderFailure(t *testing.T) {
	adapter := &fakeProvider{name: "tinkoff", initErr: provider.ErrUnavailable}
	svc, payments, _ := newTestService(adapter)

	in := InitInput{
		BookingID:   "booking-1",
		UserID:      "user-1",
		EventID:     "event-1",
		AmountMinor: 150000,
	}
	if _, err := svc.InitializePayment(context.Background(), in); err == nil {
		t.Fatal("expected first init to fail")
	}

	// Provider recovers; the immediate retry reuses the same idempotency
	// window and must open a fresh session, not replay the failed attempt
	// or trip the unfinished-payment guard.
	adapter.initErr = nil
	adapter.initResult = &provider.InitResult{
		ProviderPaymentID: "700042",
		Widget:            provider.Widget{Type: "redirect", PaymentURL: "https://pay.example/700042"},
		ExpiresAt:         time.Now().Add(15 * time.Minute),
	}
	out, err := svc.InitializePayment(context.Background(), in)
	if err != nil {
		t.Fatalf("retry after provider recovery failed: %v", err)
	}
	if out.AlreadyInitialized {
		t.Fatal("retry must create a new session, not replay the failed one")
	}
	if out.Widget.PaymentURL != "https://pay.example/700042" {
		t.Fatalf("unexpected widget url %q", out.Widget.PaymentURL)
	}
	if adapter.initCalls != 2 {
		t.Fatalf("expected two provider init calls, got %d", adapter.initCalls)
	}
	if len(payments.payments) != 1 {
		t.Fatalf("expected exactly one payment row, got %d", len(payments.payments))
	}
}

func TestInitializePayment_UnknownProvider(t *testing.T) {
	svc, _, _ := newTestService(&fakeProvider{name: "tinkoff"})

	_, err := svc.InitializePayment(context.Background(), InitInput{
		BookingID:    "booking-1",
		UserID:       "user-1",
		EventID:      "event-1",
		AmountMinor:  150000,
		ProviderName: "stripe",
	})
	pErr := asProblem(t, err)
	if pErr.Status != 400 {
		t.Fatalf("expected 400, got %d", pErr.Status)
	}
}

func TestBuildIdempotencyKey(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 30, 12, 0, time.UTC)
	key1 := buildIdempotencyKey("user-1", "event-1", 150000, "RUB", now)
	key2 := buildIdempotencyKey("user-1", "event-1", 150000, "RUB", now.Add(20*time.Second))
	if key1 != key2 {
		t.Fatalf("keys within one minute bucket must match: %s != %s", key1, key2)
	}
	if len(key1) != 16 {
		t.Fatalf("unexpected key length: %d", len(key1))
	}

	nextMinute := buildIdempotencyKey("user-1", "event-1", 150000, "RUB", now.Add(time.Minute))
	if key1 == nextMinute {
		t.Fatalf("keys must roll over with the minute bucket")
	}
	otherAmount := buildIdempotencyKey("user-1", "event-1", 200000, "RUB", now)
	if key1 == otherAmount {
		t.Fatalf("keys must differ per amount")
	}
}
