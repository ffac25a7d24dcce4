package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/flowpay/flowpay/app/models"
	"github.com/flowpay/flowpay/app/repository"
	"github.com/flowpay/flowpay/internal/pkg/cache"
	"github.com/flowpay/flowpay/internal/pkg/env"
	"github.com/flowpay/flowpay/internal/pkg/metrics/counter"
	"github.com/flowpay/flowpay/internal/pkg/problem"
	"github.com/flowpay/flowpay/internal/pkg/provider"
)

const statusRefreshCachePrefix = "payment:refresh:"

// Service implements payment initialization, webhook ingestion and status
// reconciliation on top of the repositories and the provider registry.
type Service struct {
	payments  repository.PaymentRepository
	events    repository.WebhookEventRepository
	providers *provider.Registry

	minAmountMinor int64
	maxAmountMinor int64
	refreshEvery   time.Duration
}

// NewService wires a service from explicit dependencies. Amount limits come
// from the environment so deployments can tighten them without a release.
func NewService(repos *repository.Repositories, registry *provider.Registry) *Service {
	return &Service{
		payments:       repos.Payment,
		events:         repos.WebhookEvent,
		providers:      registry,
		minAmountMinor: env.GetEnvInt64("PAYMENT_MIN_AMOUNT_MINOR", 100),
		maxAmountMinor: env.GetEnvInt64("PAYMENT_MAX_AMOUNT_MINOR", 100000000),
		refreshEvery:   env.GetEnvDuration("PAYMENT_REFRESH_COOLDOWN", 30*time.Second),
	}
}

// NewServiceFromDB builds a service from the global repository factory and
// the environment-configured provider registry.
func NewServiceFromDB() *Service {
	return NewService(repository.GetGlobalRepositories(), provider.DefaultRegistry())
}

// InitializePayment validates the request, guards against duplicate sessions
// for the same booking, creates the PENDING record and opens the provider
// session. Rapid client retries hit the idempotency key and get the original
// session back instead of a second charge.
func (s *Service) InitializePayment(ctx context.Context, in InitInput) (*InitOutput, error) {
	if in.AmountMinor < s.minAmountMinor || in.AmountMinor > s.maxAmountMinor {
		return nil, problem.Validation(
			fmt.Sprintf("amount must be between %d and %d minor units", s.minAmountMinor, s.maxAmountMinor),
			map[string]string{"amount_minor": "out of range"},
		)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = env.GetEnv("PAYMENT_DEFAULT_CURRENCY", "RUB")
	}

	adapter, err := s.resolveProvider(in.ProviderName)
	if err != nil {
		return nil, err
	}

	idemKey := buildIdempotencyKey(in.UserID, in.EventID, in.AmountMinor, currency, time.Now())
	if existing, lookupErr := s.payments.GetByIdempotencyKey(adapter.Name(), idemKey); lookupErr == nil {
		return s.replayInit(existing)
	} else if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
		return nil, lookupErr
	}

	pending, err := s.payments.HasPendingForBooking(in.UserID, in.BookingID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, problem.Conflict("an unfinished payment already exists for this booking")
	}

	p := &models.Payment{
		BookingID:      in.BookingID,
		UserID:         in.UserID,
		EventID:        in.EventID,
		AmountMinor:    in.AmountMinor,
		Currency:       currency,
		Status:         models.PaymentStatusPending,
		ProviderName:   adapter.Name(),
		IdempotencyKey: idemKey,
		Description:    in.Description,
		CreatedBy:      in.CreatedBy,
		ClientIP:       in.ClientIP,
		UserAgent:      in.UserAgent,
	}
	if err := s.payments.Create(p); err != nil {
		// A concurrent retry may have won the unique (provider, key) race.
		if existing, raceErr := s.payments.GetByIdempotencyKey(adapter.Name(), idemKey); raceErr == nil {
			return s.replayInit(existing)
		}
		return nil, err
	}

	result, err := adapter.Initialize(ctx, provider.InitRequest{
		PaymentUUID:   p.UUID,
		BookingID:     in.BookingID,
		UserID:        in.UserID,
		EventID:       in.EventID,
		AmountMinor:   in.AmountMinor,
		Currency:      currency,
		Description:   in.Description,
		ReturnURL:     in.ReturnURL,
		FailURL:       in.FailURL,
		CustomerEmail: in.CustomerEmail,
		CustomerPhone: in.CustomerPhone,
	})
	if err != nil {
		log.Printf("payment init failed: provider=%s payment=%s err=%v", adapter.Name(), p.UUID, err)
		// No provider session exists, so the row must not survive: it would
		// pin the idempotency key and trip the pending-booking guard on retry.
		if delErr := s.payments.Delete(p.ID); delErr != nil {
			log.Printf("payment init cleanup failed: payment=%s err=%v", p.UUID, delErr)
		}
		if errors.Is(err, provider.ErrUnavailable) {
			return nil, problem.Unavailable("payment provider is temporarily unavailable, please retry")
		}
		return nil, problem.Internal("payment initialization failed")
	}

	metadata := sessionMetadata(result.Widget)
	expiresAt := result.ExpiresAt
	if err := s.payments.AttachProviderSession(p.ID, result.ProviderPaymentID, &expiresAt, metadata); err != nil {
		return nil, err
	}
	p.ProviderPaymentID = &result.ProviderPaymentID
	p.ExpiresAt = &expiresAt
	p.Metadata = metadata

	log.Printf("payment initialized: payment=%s provider=%s provider_payment_id=%s amount=%d %s",
		p.UUID, adapter.Name(), result.ProviderPaymentID, in.AmountMinor, currency)

	return &InitOutput{Payment: p, Widget: result.Widget}, nil
}

// replayInit rebuilds an InitOutput from a previously created payment.
func (s *Service) replayInit(p *models.Payment) (*InitOutput, error) {
	var widget provider.Widget
	if len(p.Metadata) > 0 {
		var stored struct {
			Widget provider.Widget `json:"widget"`
		}
		if err := json.Unmarshal(p.Metadata, &stored); err == nil {
			widget = stored.Widget
		}
	}
	log.Printf("payment init replayed: payment=%s provider=%s", p.UUID, p.ProviderName)
	return &InitOutput{Payment: p, Widget: widget, AlreadyInitialized: true}, nil
}

// ProcessWebhook authenticates, stores and reconciles one provider callback.
// Storage is the deduplication point: the unique (provider, event id) index
// decides whether this delivery is new. A redelivery of a fully processed
// event is acknowledged without re-running anything; a redelivery of an
// event that previously failed gets another processing attempt.
func (s *Service) ProcessWebhook(ctx context.Context, in WebhookInput) (*WebhookResult, error) {
	adapter, ok := s.providers.Get(in.ProviderName)
	if !ok {
		return nil, problem.NotFound(fmt.Sprintf("unknown payment provider %q", in.ProviderName))
	}

	if !adapter.VerifySignature(in.RawBody, in.Headers) {
		log.Printf("webhook signature rejected: provider=%s source=%s", adapter.Name(), in.SourceIP)
		return nil, problem.Unauthorized("webhook signature verification failed")
	}

	parsed, err := adapter.ParseEvent(in.RawBody)
	if err != nil {
		return nil, problem.Validation(err.Error(), nil)
	}
	eventID := parsed.ID
	if eventID == "" {
		sum := sha256.Sum256(in.RawBody)
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	record := &models.WebhookEvent{
		ProviderName:    adapter.Name(),
		ProviderEventID: eventID,
		EventType:       parsed.Type,
		RawPayload:      models.JSON(in.RawBody),
		Headers:         mustJSON(in.Headers),
		SourceIP:        in.SourceIP,
		Status:          models.WebhookEventStatusPending,
	}
	if parsed.ProviderPaymentID != "" {
		record.ProviderPaymentID = &parsed.ProviderPaymentID
	}

	created, stored, err := s.events.CreateIfNotExists(record)
	if err != nil {
		return nil, err
	}
	if created {
		if err := counter.AddReceived(adapter.Name()); err != nil {
			log.Printf("webhook counter write failed: %v", err)
		}
	}
	if !created && !stored.NeedsProcessing() {
		log.Printf("webhook duplicate ignored: provider=%s event=%s", adapter.Name(), eventID)
		if err := counter.AddDuplicate(adapter.Name()); err != nil {
			log.Printf("webhook counter write failed: %v", err)
		}
		return &WebhookResult{Event: stored, Duplicate: true}, nil
	}

	result, procErr := s.reconcile(ctx, adapter, stored, parsed)
	if procErr != nil {
		if markErr := s.events.MarkFailed(stored.ID, procErr.Error()); markErr != nil {
			log.Printf("webhook bookkeeping failed: event=%s err=%v", stored.UUID, markErr)
		}
		log.Printf("webhook processing failed: provider=%s event=%s err=%v", adapter.Name(), eventID, procErr)
		if err := counter.AddFailed(adapter.Name()); err != nil {
			log.Printf("webhook counter write failed: %v", err)
		}
		return nil, problem.Internal("webhook processing failed, delivery will be retried")
	}
	if err := s.events.MarkProcessed(stored.ID); err != nil {
		return nil, err
	}
	if err := counter.AddProcessed(adapter.Name()); err != nil {
		log.Printf("webhook counter write failed: %v", err)
	}
	result.Event = stored
	return result, nil
}

// RefreshStatus queries the provider synchronously and applies the result
// through the same transition rules as a webhook. It is the manual recovery
// path for payments whose callbacks are believed lost.
func (s *Service) RefreshStatus(ctx context.Context, paymentUUID, requestedBy string) (*models.Payment, error) {
	p, err := s.payments.GetByUUID(paymentUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, problem.NotFound("payment not found")
		}
		return nil, err
	}
	if p.Status.IsTerminal() {
		return p, nil
	}
	if p.ProviderPaymentID == nil || *p.ProviderPaymentID == "" {
		return nil, problem.InvalidState("payment has no provider session to query")
	}

	cacheKey := statusRefreshCachePrefix + p.UUID
	if _, err := cache.Get(cacheKey); err == nil {
		return nil, problem.Conflict("a status refresh for this payment ran recently, try again later")
	}

	adapter, ok := s.providers.Get(p.ProviderName)
	if !ok {
		return nil, problem.InvalidState(fmt.Sprintf("provider %q is not enabled", p.ProviderName))
	}

	status, err := adapter.CheckStatus(ctx, *p.ProviderPaymentID)
	if err != nil {
		if errors.Is(err, provider.ErrUnavailable) {
			return nil, problem.Unavailable("payment provider is temporarily unavailable")
		}
		return nil, problem.Internal("provider status check failed")
	}
	if err := cache.Set(cacheKey, time.Now().Unix(), s.refreshEvery); err != nil {
		log.Printf("status refresh cache write failed: payment=%s err=%v", p.UUID, err)
	}

	entry := &models.PaymentStatusLog{
		Reason:    models.StatusLogReasonManual,
		Details:   mustJSON(map[string]string{"provider_status_check": string(status)}),
		ChangedBy: &requestedBy,
	}
	applied, updated, err := s.payments.ApplyStatusTransition(p.ID, status, entry)
	if err != nil {
		return nil, err
	}
	if applied {
		log.Printf("payment status refreshed: payment=%s %s -> %s by=%s", p.UUID, p.Status, status, requestedBy)
	}
	return updated, nil
}

// GetPayment returns a payment with its full status history.
func (s *Service) GetPayment(paymentUUID string) (*PaymentDetail, error) {
	p, err := s.payments.GetByUUID(paymentUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, problem.NotFound("payment not found")
		}
		return nil, err
	}
	logEntries, err := s.payments.ListStatusLog(p.ID)
	if err != nil {
		return nil, err
	}
	return &PaymentDetail{Payment: p, StatusLog: logEntries}, nil
}

// resolveProvider picks the named adapter, or the default one when the
// request does not name a provider.
func (s *Service) resolveProvider(name string) (provider.Provider, error) {
	if strings.TrimSpace(name) != "" {
		adapter, ok := s.providers.Get(name)
		if !ok {
			return nil, problem.Validation(
				fmt.Sprintf("unknown payment provider %q", name),
				map[string]string{"provider": "not enabled"},
			)
		}
		return adapter, nil
	}
	adapter, ok := s.providers.Default()
	if !ok {
		return nil, problem.Unavailable("no payment provider is enabled")
	}
	return adapter, nil
}

// buildIdempotencyKey derives a stable key for rapid retries of the same
// init request. The minute bucket keeps the key stable across a burst of
// retries without blocking a genuine re-purchase later.
func buildIdempotencyKey(userID, eventID string, amountMinor int64, currency string, now time.Time) string {
	raw := fmt.Sprintf("%s_%s_%d_%s_%d", userID, eventID, amountMinor, currency, now.Unix()/60)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

func sessionMetadata(w provider.Widget) models.JSON {
	return mustJSON(map[string]interface{}{"widget": w})
}

// mustJSON marshals v, falling back to an empty object. The inputs are maps
// of plain values, so a marshal failure is a programming error.
func mustJSON(v interface{}) models.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return models.JSON("{}")
	}
	return models.JSON(data)
}
