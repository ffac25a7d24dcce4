package problem

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

const typeBaseURL = "https://flowpay.dev/problems/"

// Details is the RFC 7807 style error body returned by every handler.
type Details struct {
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Status    int               `json:"status"`
	Detail    string            `json:"detail"`
	Timestamp time.Time         `json:"timestamp"`
	Path      string            `json:"path"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Error is a typed application error that renders as problem details.
type Error struct {
	Status int
	Code   string
	Detail string
	Fields map[string]string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Detail)
}

// New creates a problem error with an explicit status and code.
func New(status int, code, detail string) *Error {
	return &Error{Status: status, Code: code, Detail: detail}
}

// Validation reports malformed or missing input (400). Callers must fix the
// request; the error is never retried automatically.
func Validation(detail string, fields map[string]string) *Error {
	return &Error{Status: fiber.StatusBadRequest, Code: "validation", Detail: detail, Fields: fields}
}

// InvalidState reports an operation attempted against a resource in the
// wrong state (400).
func InvalidState(detail string) *Error {
	return New(fiber.StatusBadRequest, "invalid-state", detail)
}

// NotFound reports an unknown payment, receipt or provider (404).
func NotFound(detail string) *Error {
	return New(fiber.StatusNotFound, "not-found", detail)
}

// Conflict reports a storage-level uniqueness violation (409).
func Conflict(detail string) *Error {
	return New(fiber.StatusConflict, "duplicate", detail)
}

// Unauthorized reports a failed signature or credential check (401).
func Unauthorized(detail string) *Error {
	return New(fiber.StatusUnauthorized, "unauthorized", detail)
}

// Unavailable reports a retryable upstream provider failure (503).
func Unavailable(detail string) *Error {
	return New(fiber.StatusServiceUnavailable, "provider-unavailable", detail)
}

// Internal reports an unexpected failure (500). The detail shown to callers
// stays generic; the cause belongs in the server log.
func Internal(detail string) *Error {
	return New(fiber.StatusInternalServerError, "internal", detail)
}

// ErrorHandler is installed as the Fiber error handler and converts any
// error escaping a handler into the problem-details shape.
func ErrorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	code := "internal"
	detail := "An unexpected error occurred"
	var fields map[string]string

	var pErr *Error
	var fErr *fiber.Error
	switch {
	case errors.As(err, &pErr):
		status = pErr.Status
		code = pErr.Code
		detail = pErr.Detail
		fields = pErr.Fields
	case errors.As(err, &fErr):
		status = fErr.Code
		code = "http"
		detail = fErr.Message
	case errors.Is(err, gorm.ErrRecordNotFound):
		status = fiber.StatusNotFound
		code = "not-found"
		detail = "Resource not found"
	default:
		log.Printf("unhandled error on %s %s: %v", c.Method(), c.Path(), err)
	}

	return c.Status(status).JSON(Details{
		Type:      typeBaseURL + code,
		Title:     statusTitle(status),
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
		Path:      c.Path(),
		Errors:    fields,
	})
}

func statusTitle(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return "Bad Request"
	case fiber.StatusUnauthorized:
		return "Unauthorized"
	case fiber.StatusForbidden:
		return "Forbidden"
	case fiber.StatusNotFound:
		return "Not Found"
	case fiber.StatusConflict:
		return "Conflict"
	case fiber.StatusUnprocessableEntity:
		return "Unprocessable Entity"
	case fiber.StatusServiceUnavailable:
		return "Service Unavailable"
	case fiber.StatusInternalServerError:
		return "Internal Server Error"
	default:
		return "Error"
	}
}
