package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/swiftbill/swiftbill/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/users/:userId/wallet", h.Provision)
	r.Get("/users/:userId/wallet/balance", h.Balance)
	r.Post("/users/:userId/wallet/fund", h.Fund)
	r.Post("/users/:userId/wallet/transfer", h.Transfer)
	r.Get("/users/:userId/wallet/transactions", h.History)
	r.Post("/fundings/:reference/confirm", h.ConfirmFunding)
	r.Get("/transactions/:reference", h.Transaction)
}
