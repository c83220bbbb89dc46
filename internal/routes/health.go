package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RegisterHealthRoutes adds the readiness endpoint. Postgres and Redis are
// optional at boot (the engine falls back to in-memory stores), so an absent
// dependency reports "in-memory" rather than failing the check.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		deps := fiber.Map{}
		healthy := true

		if d.DB != nil {
			if err := d.DB.Ping(ctx); err != nil {
				deps["postgres"] = err.Error()
				healthy = false
			} else {
				deps["postgres"] = "ok"
			}
		} else {
			deps["postgres"] = "in-memory"
		}

		if d.Cache != nil {
			if err := d.Cache.Ping(ctx).Err(); err != nil {
				deps["redis"] = err.Error()
				healthy = false
			} else {
				deps["redis"] = "ok"
			}
		} else {
			deps["redis"] = "in-memory"
		}

		status := http.StatusOK
		overall := "ok"
		if !healthy {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
		return c.Status(status).JSON(fiber.Map{
			"status":       overall,
			"dependencies": deps,
			"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
