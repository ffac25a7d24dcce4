package router

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/flowpay/flowpay/app/controllers"
	"github.com/flowpay/flowpay/internal/pkg/env"
	"github.com/flowpay/flowpay/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"service": "flowpay",
			"status":  "ok",
		})
	})

	v1 := api.Group("/v1")
	payments := v1.Group("/payments")

	// Webhooks carry their own authentication (provider signatures); the
	// limiter only shields against floods from a single source.
	payments.Post("/webhook/:provider", webhookLimiter(), controllers.HandleProviderWebhook)

	admin := middleware.AdminAPIKeyMiddleware()

	// Static prefixes before the :paymentId wildcards.
	payments.Get("/receipts/:receiptId", controllers.HandleReceiptGetByID)
	payments.Post("/receipts/:receiptId/moderate", admin, controllers.HandleReceiptModerate)

	payments.Post("/:bookingId/init", controllers.HandlePaymentInit)
	payments.Get("/:paymentId", controllers.HandlePaymentGet)
	payments.Post("/:paymentId/receipt", controllers.HandleReceiptSubmit)
	payments.Get("/:paymentId/receipt", controllers.HandleReceiptGet)
	payments.Post("/:paymentId/status/refresh", admin, controllers.HandlePaymentStatusRefresh)

	v1.Get("/webhooks/stats", admin, controllers.HandleWebhookStats)
}

// webhookLimiter rate limits webhook ingestion per source IP and provider,
// backed by Redis so all instances share one budget.
func webhookLimiter() fiber.Handler {
	port, err := strconv.Atoi(env.GetEnv("CACHE_PORT", "6379"))
	if err != nil {
		port = 6379
	}
	return limiter.New(limiter.Config{
		Max:        int(env.GetEnvInt64("WEBHOOK_RATE_LIMIT", 120)),
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP() + ":" + c.Params("provider")
		},
		Storage: redisstorage.New(redisstorage.Config{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     port,
			Password: env.GetEnv("CACHE_PASSWORD", ""),
			Database: 1,
			Reset:    false,
		}),
	})
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
