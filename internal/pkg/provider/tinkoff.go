package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowpay/flowpay/app/models"
	"github.com/flowpay/flowpay/internal/pkg/env"
)

const (
	tinkoffProviderName      = "tinkoff"
	defaultTinkoffAPIBaseURL = "https://securepay.tinkoff.ru"
	tinkoffSignatureHeader   = "x-api-signature-sha256"
)

// tinkoffEventStatuses maps notification payload statuses to canonical ones.
// Statuses missing here (e.g. DEADLINE_EXPIRED pre-notifications, 3DS
// checkpoints) carry no payment-state meaning and map to nothing.
var tinkoffEventStatuses = map[string]models.PaymentStatus{
	"payment.authorized": models.PaymentStatusSubmitted,
	"payment.confirmed":  models.PaymentStatusSucceeded,
	"payment.rejected":   models.PaymentStatusRejected,
	"payment.canceled":   models.PaymentStatusCanceled,
	"payment.refunded":   models.PaymentStatusCanceled,
}

// Tinkoff implements the Provider contract against the Tinkoff acquiring API.
type Tinkoff struct {
	TerminalKey string
	SecretKey   string
	APIBaseURL  string
	ExpiryIn    time.Duration
	IsEnabled   bool

	HTTPClient *http.Client
}

// NewTinkoffFromEnv builds the adapter from environment configuration.
func NewTinkoffFromEnv() *Tinkoff {
	return &Tinkoff{
		TerminalKey: strings.TrimSpace(env.GetEnv("TINKOFF_TERMINAL_KEY", "")),
		SecretKey:   strings.TrimSpace(env.GetEnv("TINKOFF_SECRET_KEY", "")),
		APIBaseURL:  strings.TrimRight(env.GetEnv("TINKOFF_API_URL", defaultTinkoffAPIBaseURL), "/"),
		ExpiryIn:    env.GetEnvDuration("TINKOFF_PAYMENT_EXPIRY", 15*time.Minute),
		IsEnabled:   env.GetEnvBool("TINKOFF_ENABLED", false),
		HTTPClient: &http.Client{
			Timeout: env.GetEnvDuration("PROVIDER_HTTP_TIMEOUT", 15*time.Second),
		},
	}
}

func (t *Tinkoff) Name() string  { return tinkoffProviderName }
func (t *Tinkoff) Enabled() bool { return t.IsEnabled }

type tinkoffInitResponse struct {
	Success    bool        `json:"Success"`
	ErrorCode  string      `json:"ErrorCode"`
	Message    string      `json:"Message"`
	PaymentID  json.Number `json:"PaymentId"`
	PaymentURL string      `json:"PaymentURL"`
	Status     string      `json:"Status"`
}

// Initialize opens a payment session via the v2/Init endpoint. The payment
// UUID doubles as the merchant order id so webhooks can be matched back.
func (t *Tinkoff) Initialize(ctx context.Context, req InitRequest) (*InitResult, error) {
	body := map[string]interface{}{
		"TerminalKey": t.TerminalKey,
		"OrderId":     req.PaymentUUID,
		"Amount":      req.AmountMinor,
		"Description": req.Description,
		"SuccessURL":  req.ReturnURL,
		"FailURL":     req.FailURL,
		"DATA": map[string]string{
			"booking_id": req.BookingID,
			"user_id":    req.UserID,
		},
	}

	var out tinkoffInitResponse
	if err := t.post(ctx, "/v2/Init", body, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("%w: tinkoff init failed code=%s message=%s", ErrUnavailable, out.ErrorCode, out.Message)
	}

	return &InitResult{
		ProviderPaymentID: out.PaymentID.String(),
		Widget: Widget{
			Type:       "redirect",
			PaymentURL: out.PaymentURL,
			ConfirmURL: req.ReturnURL,
			CancelURL:  req.FailURL,
			Config: map[string]interface{}{
				"terminal_key": t.TerminalKey,
				"order_id":     req.PaymentUUID,
				"amount":       req.AmountMinor,
				"currency":     req.Currency,
			},
			Style: &WidgetStyle{Theme: "light", Language: "ru", Size: "medium"},
		},
		ExpiresAt: time.Now().Add(t.ExpiryIn),
	}, nil
}

// VerifySignature checks the HMAC-SHA256 signature header over the raw body.
func (t *Tinkoff) VerifySignature(rawBody []byte, headers map[string]string) bool {
	return verifyHMACSHA256Hex(rawBody, headerValue(headers, tinkoffSignatureHeader), t.SecretKey)
}

type tinkoffNotification struct {
	Status         string      `json:"Status"`
	OrderID        string      `json:"OrderId"`
	PaymentID      json.Number `json:"PaymentId"`
	NotificationID string      `json:"NotificationId"`
}

// ParseEvent extracts event identity from a notification payload. Tinkoff
// ships no dedicated event id on older terminal versions; in that case the
// ingestion layer falls back to a payload hash.
func (t *Tinkoff) ParseEvent(rawBody []byte) (*Event, error) {
	var n tinkoffNotification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return nil, fmt.Errorf("tinkoff: invalid notification payload: %w", err)
	}
	if strings.TrimSpace(n.Status) == "" {
		return nil, fmt.Errorf("tinkoff: notification missing Status")
	}
	return &Event{
		ID:                strings.TrimSpace(n.NotificationID),
		Type:              "payment." + strings.ToLower(strings.TrimSpace(n.Status)),
		ProviderPaymentID: n.PaymentID.String(),
		PaymentUUID:       strings.TrimSpace(n.OrderID),
	}, nil
}

func (t *Tinkoff) MapEventStatus(eventType string) (models.PaymentStatus, bool) {
	status, ok := tinkoffEventStatuses[strings.ToLower(strings.TrimSpace(eventType))]
	return status, ok
}

type tinkoffStateResponse struct {
	Success   bool   `json:"Success"`
	ErrorCode string `json:"ErrorCode"`
	Message   string `json:"Message"`
	Status    string `json:"Status"`
}

// CheckStatus queries v2/GetState and maps the returned status through the
// same table as webhook events.
func (t *Tinkoff) CheckStatus(ctx context.Context, providerPaymentID string) (models.PaymentStatus, error) {
	body := map[string]interface{}{
		"TerminalKey": t.TerminalKey,
		"PaymentId":   providerPaymentID,
	}
	var out tinkoffStateResponse
	if err := t.post(ctx, "/v2/GetState", body, &out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", fmt.Errorf("%w: tinkoff GetState failed code=%s message=%s", ErrUnavailable, out.ErrorCode, out.Message)
	}
	status, ok := t.MapEventStatus("payment." + strings.ToLower(out.Status))
	if !ok {
		return "", fmt.Errorf("tinkoff: unmapped payment state %q", out.Status)
	}
	return status, nil
}

// Cancel asks the provider to void or refund the payment. Best effort.
func (t *Tinkoff) Cancel(ctx context.Context, providerPaymentID string) (bool, error) {
	body := map[string]interface{}{
		"TerminalKey": t.TerminalKey,
		"PaymentId":   providerPaymentID,
	}
	var out tinkoffStateResponse
	if err := t.post(ctx, "/v2/Cancel", body, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

func (t *Tinkoff) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.APIBaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: tinkoff %s returned status=%d body=%s", ErrUnavailable, path, resp.StatusCode, string(payload))
	}
	return json.Unmarshal(payload, out)
}
