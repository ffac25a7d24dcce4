package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/flowpay/flowpay/app/models"
)

// ErrUnavailable marks retryable provider failures (network errors, upstream
// 5xx). Callers may re-run the operation; it is never a caller bug.
var ErrUnavailable = errors.New("payment provider unavailable")

// InitRequest carries everything an adapter needs to open a payment session.
type InitRequest struct {
	PaymentUUID string
	BookingID   string
	UserID      string
	EventID     string
	AmountMinor int64
	Currency    string
	Description string
	ReturnURL   string
	FailURL     string

	CustomerEmail string
	CustomerPhone string
}

// WidgetStyle is optional presentation advice for embedded widgets.
type WidgetStyle struct {
	Theme        string `json:"theme,omitempty"`
	PrimaryColor string `json:"primary_color,omitempty"`
	Language     string `json:"language,omitempty"`
	Size         string `json:"size,omitempty"`
}

// Widget describes how the client should hand the user to the provider.
type Widget struct {
	Type       string                 `json:"type"` // "redirect", "embedded", "popup"
	PaymentURL string                 `json:"payment_url,omitempty"`
	ConfirmURL string                 `json:"confirm_url,omitempty"`
	CancelURL  string                 `json:"cancel_url,omitempty"`
	Config     map[string]interface{} `json:"config,omitempty"`
	Style      *WidgetStyle           `json:"style,omitempty"`
}

// InitResult is the outcome of a successful provider init call.
type InitResult struct {
	ProviderPaymentID string
	Widget            Widget
	ExpiresAt         time.Time
}

// Event is the provider-neutral view of one webhook payload.
type Event struct {
	// ID is the provider-scoped event id used for deduplication. Empty when
	// the provider does not ship one; the ingestion layer derives a payload
	// hash instead.
	ID   string
	Type string
	// ProviderPaymentID links the event to a payment. Empty when the payload
	// carries no payment reference.
	ProviderPaymentID string
	// PaymentUUID is set when the payload echoes back our own order id
	// instead of (or alongside) a provider-side payment id.
	PaymentUUID string
}

// Provider is the adapter contract implemented once per upstream gateway.
// Each implementation owns its signature scheme and event mapping table, so
// adding a provider never touches the reconciliation processor.
type Provider interface {
	Name() string
	Enabled() bool

	// Initialize opens a payment session and returns the hosted widget.
	// Network failures are wrapped in ErrUnavailable.
	Initialize(ctx context.Context, req InitRequest) (*InitResult, error)

	// VerifySignature authenticates a raw webhook body against the request
	// headers. Missing or malformed signatures fail verification; comparisons
	// are constant time.
	VerifySignature(rawBody []byte, headers map[string]string) bool

	// ParseEvent extracts the provider-scoped event identity from a payload.
	ParseEvent(rawBody []byte) (*Event, error)

	// MapEventStatus translates a provider event type to a canonical status.
	// Unrecognized event types return ok=false: providers routinely send
	// informational events with no payment-state meaning.
	MapEventStatus(eventType string) (status models.PaymentStatus, ok bool)

	// CheckStatus queries the provider synchronously. Used for manual
	// recovery when webhooks are believed lost.
	CheckStatus(ctx context.Context, providerPaymentID string) (models.PaymentStatus, error)

	// Cancel is best effort; a false return is reported, not fatal.
	Cancel(ctx context.Context, providerPaymentID string) (bool, error)
}

// Registry resolves adapters by provider name.
type Registry struct {
	names     []string
	providers map[string]Provider
}

// NewRegistry builds a registry from the given adapters. Disabled adapters
// are skipped so configuration alone controls which gateways are live.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if p == nil || !p.Enabled() {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(p.Name()))
		if name == "" {
			continue
		}
		if _, exists := r.providers[name]; !exists {
			r.names = append(r.names, name)
		}
		r.providers[name] = p
	}
	return r
}

// Get resolves an adapter by name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Default returns the first enabled adapter, used when the init request does
// not name a provider.
func (r *Registry) Default() (Provider, bool) {
	if len(r.names) == 0 {
		return nil, false
	}
	return r.providers[r.names[0]], true
}

// Names lists the enabled provider names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

var defaultRegistry *Registry
var registryOnce sync.Once

// DefaultRegistry builds the process-wide registry from the environment.
func DefaultRegistry() *Registry {
	registryOnce.Do(func() {
		defaultRegistry = NewRegistry(
			NewTinkoffFromEnv(),
			NewYooKassaFromEnv(),
			NewMidtransFromEnv(),
		)
	})
	return defaultRegistry
}
