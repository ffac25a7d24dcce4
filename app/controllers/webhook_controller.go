package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/flowpay/flowpay/internal/pkg/metrics/counter"
	"github.com/flowpay/flowpay/internal/pkg/payment"
)

// HandleProviderWebhook ingests one provider callback. The response codes
// follow what the gateways expect: 200 acknowledges (including duplicates
// and ignored events, so the provider stops redelivering), 401 rejects a bad
// signature, 500 asks the provider to redeliver later.
func HandleProviderWebhook(c *fiber.Ctx) error {
	svc := payment.NewServiceFromDB()
	result, err := svc.ProcessWebhook(c.Context(), payment.WebhookInput{
		ProviderName: c.Params("provider"),
		RawBody:      c.Body(),
		Headers:      requestHeaders(c),
		SourceIP:     c.IP(),
	})
	if err != nil {
		return err
	}

	// Every acknowledged delivery reports success so the gateway stops
	// redelivering; duplicates and ignored events are annotated for
	// operators reading the provider's delivery log.
	resp := fiber.Map{"status": "success", "event_id": result.Event.UUID}
	switch {
	case result.Duplicate:
		resp["duplicate"] = true
	case result.Ignored:
		resp["ignored"] = result.IgnoredReason
	default:
		if result.Payment != nil {
			resp["payment_id"] = result.Payment.UUID
			resp["payment_status"] = result.Payment.Status
		}
	}
	return c.JSON(resp)
}

// HandleWebhookStats reports per-provider delivery counters. Admin-only.
func HandleWebhookStats(c *fiber.Ctx) error {
	stats, err := counter.Snapshot()
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"webhooks": stats})
}
