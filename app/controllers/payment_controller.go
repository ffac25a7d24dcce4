package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/flowpay/flowpay/internal/pkg/payment"
)

type paymentInitRequest struct {
	UserID      string `json:"user_id" validate:"required,max=36"`
	EventID     string `json:"event_id" validate:"required,max=36"`
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"omitempty,len=3"`

	Provider    string `json:"provider" validate:"omitempty,max=50"`
	Description string `json:"description" validate:"omitempty,max=500"`
	ReturnURL   string `json:"return_url" validate:"omitempty,url"`
	FailURL     string `json:"fail_url" validate:"omitempty,url"`

	CustomerEmail string `json:"customer_email" validate:"omitempty,email"`
	CustomerPhone string `json:"customer_phone" validate:"omitempty,max=32"`
}

// HandlePaymentInit opens a payment session for a booking and returns the
// created payment together with the provider widget.
func HandlePaymentInit(c *fiber.Ctx) error {
	var req paymentInitRequest
	if err := parseAndValidate(c, &req); err != nil {
		return err
	}

	svc := payment.NewServiceFromDB()
	out, err := svc.InitializePayment(c.Context(), payment.InitInput{
		BookingID:     c.Params("bookingId"),
		UserID:        req.UserID,
		EventID:       req.EventID,
		AmountMinor:   req.AmountMinor,
		Currency:      req.Currency,
		ProviderName:  req.Provider,
		Description:   req.Description,
		ReturnURL:     req.ReturnURL,
		FailURL:       req.FailURL,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		CreatedBy:     req.UserID,
		ClientIP:      c.IP(),
		UserAgent:     c.Get(fiber.HeaderUserAgent),
	})
	if err != nil {
		return err
	}

	status := fiber.StatusCreated
	if out.AlreadyInitialized {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"payment": out.Payment,
		"widget":  out.Widget,
	})
}

// HandlePaymentGet returns one payment with its status history.
func HandlePaymentGet(c *fiber.Ctx) error {
	svc := payment.NewServiceFromDB()
	detail, err := svc.GetPayment(c.Params("paymentId"))
	if err != nil {
		return err
	}
	return c.JSON(detail)
}

// HandlePaymentStatusRefresh queries the provider for the current status and
// applies the result. Admin-only recovery path for lost webhooks.
func HandlePaymentStatusRefresh(c *fiber.Ctx) error {
	var req struct {
		RequestedBy string `json:"requested_by" validate:"omitempty,max=36"`
	}
	if len(c.Body()) > 0 {
		if err := parseAndValidate(c, &req); err != nil {
			return err
		}
	}
	requestedBy := req.RequestedBy
	if requestedBy == "" {
		requestedBy = "admin"
	}

	svc := payment.NewServiceFromDB()
	p, err := svc.RefreshStatus(c.Context(), c.Params("paymentId"), requestedBy)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"payment": p})
}
