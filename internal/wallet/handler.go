package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/swiftbill/swiftbill/internal/ledger"
)

const idempotencyKeyHeader = "Idempotency-Key"

// Handler exposes HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
}

// NewHandler constructs a wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Provision creates the user's wallet.
func (h *Handler) Provision(c *fiber.Ctx) error {
	userID := c.Params("userId")
	w, err := h.service.Provision(c.UserContext(), userID)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"wallet_id": w.ID,
		"user_id":   w.UserID,
	})
}

// Balance returns the wallet's balances.
func (h *Handler) Balance(c *fiber.Ctx) error {
	userID := c.Params("userId")
	b, err := h.service.Balance(c.UserContext(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return fiber.NewError(http.StatusNotFound, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(toBalanceResponse(b))
}

// Fund credits the wallet pending settlement confirmation.
func (h *Handler) Fund(c *fiber.Ctx) error {
	userID := c.Params("userId")
	var req FundRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	txn, err := h.service.Fund(c.UserContext(), FundInput{
		UserID:         userID,
		Amount:         req.Amount,
		Description:    req.Description,
		IdempotencyKey: c.Get(idempotencyKeyHeader),
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidAmount):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.Status(http.StatusCreated).JSON(ToTransactionResponse(txn))
}

// ConfirmFunding finalizes a pending funding, typically from the settlement
// provider's callback.
func (h *Handler) ConfirmFunding(c *fiber.Ctx) error {
	reference := c.Params("reference")
	txn, err := h.service.ConfirmFunding(c.UserContext(), reference)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrTransactionNotFound):
			return fiber.NewError(http.StatusNotFound, err.Error())
		case errors.Is(err, ledger.ErrAlreadyFinalized):
			return fiber.NewError(http.StatusConflict, err.Error())
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(ToTransactionResponse(txn))
}

// Transfer moves funds to another user's wallet.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	userID := c.Params("userId")
	var req TransferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	result, err := h.service.Transfer(c.UserContext(), TransferInput{
		FromUserID:     userID,
		ToUserID:       req.ToUserID,
		Amount:         req.Amount,
		Description:    req.Description,
		IdempotencyKey: c.Get(idempotencyKeyHeader),
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ErrSelfTransfer):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrRecipientNotFound), errors.Is(err, ledger.ErrWalletNotFound):
			return fiber.NewError(http.StatusNotFound, err.Error())
		case errors.Is(err, ledger.ErrInsufficientFunds):
			return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.Status(http.StatusCreated).JSON(TransferResponse{
		Out: ToTransactionResponse(result.Out),
		In:  ToTransactionResponse(result.In),
	})
}

// History lists the wallet's transactions, newest first.
func (h *Handler) History(c *fiber.Ctx) error {
	userID := c.Params("userId")
	f := ledger.Filter{
		Type:   c.Query("type"),
		Status: c.Query("status"),
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return fiber.NewError(http.StatusBadRequest, "invalid limit")
		}
		f.Limit = n
	}
	if offset := c.Query("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return fiber.NewError(http.StatusBadRequest, "invalid offset")
		}
		f.Offset = n
	}

	txns, err := h.service.History(c.UserContext(), userID, f)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"transactions": toTransactionResponses(txns)})
}

// Transaction returns one record by reference.
func (h *Handler) Transaction(c *fiber.Ctx) error {
	reference := c.Params("reference")
	txn, err := h.service.Transaction(c.UserContext(), reference)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return fiber.NewError(http.StatusNotFound, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(ToTransactionResponse(txn))
}
