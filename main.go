package main

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/flowpay/flowpay/app/repository"
	"github.com/flowpay/flowpay/internal/pkg/cache"
	"github.com/flowpay/flowpay/internal/pkg/database"
	"github.com/flowpay/flowpay/internal/pkg/env"
	"github.com/flowpay/flowpay/internal/pkg/problem"
	"github.com/flowpay/flowpay/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	repository.InitializeFactory(database.GetDB())
	cache.SetupCache()

	app := fiber.New(fiber.Config{
		ErrorHandler: problem.ErrorHandler,
		// Webhook payloads are small; anything bigger is abuse.
		BodyLimit: 1 * 1024 * 1024,
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	router.InstallRouter(app)

	return app
}
