package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/swiftbill/swiftbill/internal/payments"
)

// RegisterPaymentRoutes wires bill-payment endpoints.
func RegisterPaymentRoutes(r fiber.Router, h *payments.Handler) {
	r.Post("/payments/validate", h.Validate)
	r.Post("/payments/breakdown", h.Breakdown)
	r.Post("/users/:userId/payments", h.Pay)
	r.Get("/users/:userId/payments", h.List)
	r.Get("/payments/:reference", h.Get)
}

// RegisterAdminRoutes wires the operator-only payment endpoints.
func RegisterAdminRoutes(r fiber.Router, h *payments.Handler) {
	r.Post("/payments/:reference/refund", h.Refund)
	r.Patch("/payments/:reference/status", h.UpdateStatus)
}
