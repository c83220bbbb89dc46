package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/swiftbill/swiftbill/internal/schedule"
)

// RegisterScheduleRoutes wires recurring-payment endpoints.
func RegisterScheduleRoutes(r fiber.Router, h *schedule.Handler) {
	r.Post("/users/:userId/schedules", h.Create)
	r.Get("/users/:userId/schedules", h.List)
	r.Get("/schedules/:id", h.Get)
	r.Post("/schedules/:id/deactivate", h.Deactivate)
	r.Post("/schedules/:id/activate", h.Activate)
}
