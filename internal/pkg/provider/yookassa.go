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
	yookassaProviderName      = "yookassa"
	defaultYooKassaAPIBaseURL = "https://api.yookassa.ru/v3"
	yookassaSignatureHeader   = "x-yookassa-signature"
)

// yookassaEvents maps notification event names to canonical statuses.
// Refund and deal events are informational for this engine.
var yookassaEvents = map[string]models.PaymentStatus{
	"payment.waiting_for_capture": models.PaymentStatusSubmitted,
	"payment.succeeded":           models.PaymentStatusSucceeded,
	"payment.canceled":            models.PaymentStatusCanceled,
}

// yookassaStates maps synchronous payment object states for CheckStatus.
var yookassaStates = map[string]models.PaymentStatus{
	"pending":             models.PaymentStatusSubmitted,
	"waiting_for_capture": models.PaymentStatusSubmitted,
	"succeeded":           models.PaymentStatusSucceeded,
	"canceled":            models.PaymentStatusCanceled,
}

// YooKassa implements the Provider contract against the YooKassa API.
type YooKassa struct {
	ShopID        string
	SecretKey     string
	WebhookSecret string
	APIBaseURL    string
	ExpiryIn      time.Duration
	IsEnabled     bool

	HTTPClient *http.Client
}

// NewYooKassaFromEnv builds the adapter from environment configuration.
func NewYooKassaFromEnv() *YooKassa {
	return &YooKassa{
		ShopID:        strings.TrimSpace(env.GetEnv("YOOKASSA_SHOP_ID", "")),
		SecretKey:     strings.TrimSpace(env.GetEnv("YOOKASSA_SECRET_KEY", "")),
		WebhookSecret: strings.TrimSpace(env.GetEnv("YOOKASSA_WEBHOOK_SECRET", "")),
		APIBaseURL:    strings.TrimRight(env.GetEnv("YOOKASSA_API_URL", defaultYooKassaAPIBaseURL), "/"),
		ExpiryIn:      env.GetEnvDuration("YOOKASSA_PAYMENT_EXPIRY", 15*time.Minute),
		IsEnabled:     env.GetEnvBool("YOOKASSA_ENABLED", false),
		HTTPClient: &http.Client{
			Timeout: env.GetEnvDuration("PROVIDER_HTTP_TIMEOUT", 15*time.Second),
		},
	}
}

func (y *YooKassa) Name() string  { return yookassaProviderName }
func (y *YooKassa) Enabled() bool { return y.IsEnabled }

type yookassaPaymentObject struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		Type            string `json:"type"`
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

// Initialize creates a payment via POST /payments. The payment UUID is sent
// as the Idempotence-Key so client retries cannot open two sessions.
func (y *YooKassa) Initialize(ctx context.Context, req InitRequest) (*InitResult, error) {
	body := map[string]interface{}{
		"amount": map[string]string{
			"value":    formatMinorAmount(req.AmountMinor),
			"currency": req.Currency,
		},
		"capture":     true,
		"description": req.Description,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": req.ReturnURL,
		},
		"metadata": map[string]string{
			"payment_id": req.PaymentUUID,
			"booking_id": req.BookingID,
		},
	}

	var out yookassaPaymentObject
	if err := y.do(ctx, http.MethodPost, "/payments", req.PaymentUUID, body, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: yookassa returned payment without id", ErrUnavailable)
	}

	return &InitResult{
		ProviderPaymentID: out.ID,
		Widget: Widget{
			Type:       "redirect",
			PaymentURL: out.Confirmation.ConfirmationURL,
			ConfirmURL: req.ReturnURL,
			CancelURL:  req.FailURL,
			Config: map[string]interface{}{
				"shop_id":  y.ShopID,
				"order_id": req.PaymentUUID,
			},
		},
		ExpiresAt: time.Now().Add(y.ExpiryIn),
	}, nil
}

// VerifySignature checks the HMAC-SHA256 webhook signature over the raw body.
func (y *YooKassa) VerifySignature(rawBody []byte, headers map[string]string) bool {
	return verifyHMACSHA256Hex(rawBody, headerValue(headers, yookassaSignatureHeader), y.WebhookSecret)
}

type yookassaNotification struct {
	ID     string                `json:"id"`
	Event  string                `json:"event"`
	Object yookassaPaymentObject `json:"object"`
}

func (y *YooKassa) ParseEvent(rawBody []byte) (*Event, error) {
	var n yookassaNotification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return nil, fmt.Errorf("yookassa: invalid notification payload: %w", err)
	}
	if strings.TrimSpace(n.Event) == "" {
		return nil, fmt.Errorf("yookassa: notification missing event")
	}
	eventID := strings.TrimSpace(n.ID)
	if eventID == "" && n.Object.ID != "" {
		// Older notification format: derive identity from object and event.
		eventID = n.Object.ID + ":" + n.Event
	}
	return &Event{
		ID:                eventID,
		Type:              strings.ToLower(strings.TrimSpace(n.Event)),
		ProviderPaymentID: strings.TrimSpace(n.Object.ID),
	}, nil
}

func (y *YooKassa) MapEventStatus(eventType string) (models.PaymentStatus, bool) {
	status, ok := yookassaEvents[strings.ToLower(strings.TrimSpace(eventType))]
	return status, ok
}

func (y *YooKassa) CheckStatus(ctx context.Context, providerPaymentID string) (models.PaymentStatus, error) {
	var out yookassaPaymentObject
	if err := y.do(ctx, http.MethodGet, "/payments/"+providerPaymentID, "", nil, &out); err != nil {
		return "", err
	}
	status, ok := yookassaStates[strings.ToLower(out.Status)]
	if !ok {
		return "", fmt.Errorf("yookassa: unmapped payment state %q", out.Status)
	}
	return status, nil
}

func (y *YooKassa) Cancel(ctx context.Context, providerPaymentID string) (bool, error) {
	var out yookassaPaymentObject
	err := y.do(ctx, http.MethodPost, "/payments/"+providerPaymentID+"/cancel", providerPaymentID+":cancel", map[string]interface{}{}, &out)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(out.Status, "canceled"), nil
}

func (y *YooKassa) do(ctx context.Context, method, path, idempotenceKey string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, y.APIBaseURL+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(y.ShopID, y.SecretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotenceKey != "" {
		req.Header.Set("Idempotence-Key", idempotenceKey)
	}

	resp, err := y.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: yookassa %s %s returned status=%d body=%s", ErrUnavailable, method, path, resp.StatusCode, string(payload))
	}
	return json.Unmarshal(payload, out)
}

// formatMinorAmount renders a minor-unit amount as the decimal string the
// YooKassa API expects ("1500.00").
func formatMinorAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
