package middleware

import (
	"crypto/subtle"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/flowpay/flowpay/internal/pkg/env"
	"github.com/flowpay/flowpay/internal/pkg/problem"
)

// AdminAPIKeyMiddleware guards moderation and recovery endpoints with the
// static key from ADMIN_API_KEY. An unset key disables the endpoints rather
// than leaving them open.
func AdminAPIKeyMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		expected := env.GetEnv("ADMIN_API_KEY", "")
		if expected == "" {
			log.Print("admin api key middleware: ADMIN_API_KEY not configured")
			return problem.Unavailable("administrative endpoints are not configured")
		}

		provided := extractAPIKeyFromHeader(c)
		if provided == "" {
			return problem.Unauthorized("missing API key")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			return problem.Unauthorized("invalid API key")
		}

		c.Locals("ADMIN_KEY_AUTH", true)
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
