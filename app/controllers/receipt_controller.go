package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/flowpay/flowpay/app/models"
	"github.com/flowpay/flowpay/internal/pkg/receipt"
)

type receiptSubmitRequest struct {
	ImageURL    string `json:"image_url" validate:"required,url"`
	Description string `json:"description" validate:"omitempty,max=1000"`
	ReceiptType string `json:"receipt_type" validate:"omitempty,oneof=payment refund correction"`

	SubmitterID    string `json:"submitter_id" validate:"omitempty,max=36"`
	SubmitterEmail string `json:"submitter_email" validate:"omitempty,email"`
}

// HandleReceiptSubmit records a proof-of-payment document for moderation.
func HandleReceiptSubmit(c *fiber.Ctx) error {
	var req receiptSubmitRequest
	if err := parseAndValidate(c, &req); err != nil {
		return err
	}

	svc := receipt.NewServiceFromDB()
	r, err := svc.Submit(c.Params("paymentId"), receipt.SubmitInput{
		ImageURL:       req.ImageURL,
		Description:    req.Description,
		ReceiptType:    models.ReceiptType(req.ReceiptType),
		SubmitterID:    req.SubmitterID,
		SubmitterEmail: req.SubmitterEmail,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"receipt": r})
}

// HandleReceiptGet returns the newest receipt attached to a payment.
func HandleReceiptGet(c *fiber.Ctx) error {
	svc := receipt.NewServiceFromDB()
	r, err := svc.GetForPayment(c.Params("paymentId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"receipt": r})
}

// HandleReceiptGetByID returns a single receipt by its public identifier.
func HandleReceiptGetByID(c *fiber.Ctx) error {
	svc := receipt.NewServiceFromDB()
	r, err := svc.Get(c.Params("receiptId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"receipt": r})
}

type receiptModerateRequest struct {
	Approve     bool   `json:"approve"`
	ModeratorID string `json:"moderator_id" validate:"required,max=36"`
	Notes       string `json:"notes" validate:"omitempty,max=1000"`

	FiscalReceiptNumber  string `json:"fiscal_receipt_number" validate:"omitempty,max=191"`
	FiscalDocumentNumber string `json:"fiscal_document_number" validate:"omitempty,max=191"`
	FiscalSign           string `json:"fiscal_sign" validate:"omitempty,max=191"`
	ExternalReceiptURL   string `json:"external_receipt_url" validate:"omitempty,url"`
}

// HandleReceiptModerate applies a moderator decision to a pending receipt.
// Admin-only.
func HandleReceiptModerate(c *fiber.Ctx) error {
	var req receiptModerateRequest
	if err := parseAndValidate(c, &req); err != nil {
		return err
	}

	svc := receipt.NewServiceFromDB()
	r, err := svc.Moderate(c.Params("receiptId"), receipt.ModerateInput{
		Approve:              req.Approve,
		ModeratorID:          req.ModeratorID,
		Notes:                req.Notes,
		FiscalReceiptNumber:  req.FiscalReceiptNumber,
		FiscalDocumentNumber: req.FiscalDocumentNumber,
		FiscalSign:           req.FiscalSign,
		ExternalReceiptURL:   req.ExternalReceiptURL,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"receipt": r})
}
