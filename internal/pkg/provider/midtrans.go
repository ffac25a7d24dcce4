package provider

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	midtranssdk "github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"

	"github.com/flowpay/flowpay/app/models"
	"github.com/flowpay/flowpay/internal/pkg/env"
)

const midtransProviderName = "midtrans"

// midtransTransactionStatuses maps transaction_status values to canonical
// statuses. refund and partial_refund fold into CANCELED the same way a
// provider-side reversal does for the other gateways.
var midtransTransactionStatuses = map[string]models.PaymentStatus{
	"pending":        models.PaymentStatusSubmitted,
	"capture":        models.PaymentStatusSucceeded,
	"settlement":     models.PaymentStatusSucceeded,
	"deny":           models.PaymentStatusRejected,
	"failure":        models.PaymentStatusRejected,
	"cancel":         models.PaymentStatusCanceled,
	"expire":         models.PaymentStatusCanceled,
	"refund":         models.PaymentStatusCanceled,
	"partial_refund": models.PaymentStatusCanceled,
}

// Midtrans implements the Provider contract on top of the midtrans-go SDK.
// Sessions are opened through Snap; status recovery goes through Core API.
type Midtrans struct {
	ServerKey string
	ExpiryIn  time.Duration
	IsEnabled bool

	snapClient snap.Client
	coreClient coreapi.Client
}

// NewMidtransFromEnv builds the adapter from environment configuration.
func NewMidtransFromEnv() *Midtrans {
	m := &Midtrans{
		ServerKey: strings.TrimSpace(env.GetEnv("MIDTRANS_SERVER_KEY", "")),
		ExpiryIn:  env.GetEnvDuration("MIDTRANS_PAYMENT_EXPIRY", 15*time.Minute),
		IsEnabled: env.GetEnvBool("MIDTRANS_ENABLED", false),
	}
	environment := midtranssdk.Sandbox
	if env.GetEnvBool("MIDTRANS_PRODUCTION", false) {
		environment = midtranssdk.Production
	}
	m.snapClient.New(m.ServerKey, environment)
	m.coreClient.New(m.ServerKey, environment)
	return m
}

func (m *Midtrans) Name() string  { return midtransProviderName }
func (m *Midtrans) Enabled() bool { return m.IsEnabled }

// Initialize creates a Snap transaction. The payment UUID doubles as the
// Midtrans OrderID, so every notification carries it back.
func (m *Midtrans) Initialize(ctx context.Context, req InitRequest) (*InitResult, error) {
	expiry := int64(m.ExpiryIn.Round(time.Minute) / time.Minute)
	if expiry < 1 {
		expiry = 1
	}
	snapReq := &snap.Request{
		TransactionDetails: midtranssdk.TransactionDetails{
			OrderID:  req.PaymentUUID,
			GrossAmt: req.AmountMinor / 100,
		},
		Items: &[]midtranssdk.ItemDetails{
			{
				ID:    req.EventID,
				Price: req.AmountMinor / 100,
				Qty:   1,
				Name:  itemName(req.Description),
			},
		},
		CustomerDetail: &midtranssdk.CustomerDetails{
			Email: req.CustomerEmail,
			Phone: req.CustomerPhone,
		},
		Expiry: &snap.ExpiryDetails{
			Unit:     "minutes",
			Duration: expiry,
		},
		Callbacks: &snap.Callbacks{Finish: req.ReturnURL},
	}

	resp, err := m.snapClient.CreateTransaction(snapReq)
	if err != nil {
		return nil, fmt.Errorf("%w: midtrans snap: %v", ErrUnavailable, err)
	}

	return &InitResult{
		// The transaction_id only arrives with the first notification, so
		// the order id is the session reference until then.
		ProviderPaymentID: req.PaymentUUID,
		Widget: Widget{
			Type:       "redirect",
			PaymentURL: resp.RedirectURL,
			ConfirmURL: req.ReturnURL,
			CancelURL:  req.FailURL,
			Config: map[string]interface{}{
				"snap_token": resp.Token,
				"order_id":   req.PaymentUUID,
			},
		},
		ExpiresAt: time.Now().Add(m.ExpiryIn),
	}, nil
}

type midtransNotification struct {
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	StatusCode        string `json:"status_code"`
	SignatureKey      string `json:"signature_key"`
	OrderID           string `json:"order_id"`
	GrossAmount       string `json:"gross_amount"`
	FraudStatus       string `json:"fraud_status"`
}

// VerifySignature checks the signature embedded in the notification body:
// SHA512(order_id + status_code + gross_amount + server_key).
func (m *Midtrans) VerifySignature(rawBody []byte, _ map[string]string) bool {
	if m.ServerKey == "" {
		return false
	}
	var n midtransNotification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return false
	}
	if n.SignatureKey == "" {
		return false
	}
	sum := sha512.Sum512([]byte(n.OrderID + n.StatusCode + n.GrossAmount + m.ServerKey))
	return constantTimeEqualFold(hex.EncodeToString(sum[:]), n.SignatureKey)
}

func (m *Midtrans) ParseEvent(rawBody []byte) (*Event, error) {
	var n midtransNotification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return nil, fmt.Errorf("midtrans: invalid notification payload: %w", err)
	}
	status := strings.ToLower(strings.TrimSpace(n.TransactionStatus))
	if status == "" {
		return nil, fmt.Errorf("midtrans: notification missing transaction_status")
	}
	// capture is only final once fraud screening accepted it.
	if status == "capture" && strings.EqualFold(n.FraudStatus, "challenge") {
		status = "pending"
	}
	eventID := strings.TrimSpace(n.TransactionID)
	if eventID != "" {
		eventID = eventID + ":" + status
	}
	return &Event{
		ID:                eventID,
		Type:              status,
		ProviderPaymentID: strings.TrimSpace(n.TransactionID),
		PaymentUUID:       strings.TrimSpace(n.OrderID),
	}, nil
}

func (m *Midtrans) MapEventStatus(eventType string) (models.PaymentStatus, bool) {
	status, ok := midtransTransactionStatuses[strings.ToLower(strings.TrimSpace(eventType))]
	return status, ok
}

// CheckStatus queries the Core API by order id (the payment UUID).
func (m *Midtrans) CheckStatus(_ context.Context, providerPaymentID string) (models.PaymentStatus, error) {
	resp, err := m.coreClient.CheckTransaction(providerPaymentID)
	if err != nil {
		return "", fmt.Errorf("%w: midtrans status check: %v", ErrUnavailable, err)
	}
	txStatus := strings.ToLower(resp.TransactionStatus)
	if txStatus == "capture" && strings.EqualFold(resp.FraudStatus, "challenge") {
		txStatus = "pending"
	}
	status, ok := midtransTransactionStatuses[txStatus]
	if !ok {
		return "", fmt.Errorf("midtrans: unmapped transaction status %q", resp.TransactionStatus)
	}
	return status, nil
}

func (m *Midtrans) Cancel(_ context.Context, providerPaymentID string) (bool, error) {
	resp, err := m.coreClient.CancelTransaction(providerPaymentID)
	if err != nil {
		return false, fmt.Errorf("%w: midtrans cancel: %v", ErrUnavailable, err)
	}
	return resp != nil && strings.EqualFold(resp.TransactionStatus, "cancel"), nil
}

func itemName(description string) string {
	name := strings.TrimSpace(description)
	if name == "" {
		return "Event booking"
	}
	if len(name) > 50 {
		name = name[:50]
	}
	return name
}
