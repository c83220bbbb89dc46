package payments

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/swiftbill/swiftbill/internal/biller"
	"github.com/swiftbill/swiftbill/internal/idempotency"
	"github.com/swiftbill/swiftbill/internal/ledger"
	"github.com/swiftbill/swiftbill/internal/wallet"
)

const idempotencyKeyHeader = "Idempotency-Key"

// Handler exposes HTTP endpoints for bill payments.
type Handler struct {
	service *Service
}

// NewHandler constructs a payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// ValidateRequest asks the biller to resolve a customer account.
type ValidateRequest struct {
	BillerCode  string `json:"biller_code"`
	CustomerRef string `json:"customer_ref"`
}

// Validate resolves the customer with the biller before any money moves.
func (h *Handler) Validate(c *fiber.Ctx) error {
	var req ValidateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	info, err := h.service.ValidateCustomer(c.UserContext(), req.BillerCode, req.CustomerRef)
	if err != nil {
		return billerError(err)
	}
	return c.JSON(fiber.Map{
		"customer_ref": info.CustomerRef,
		"name":         info.Name,
		"address":      info.Address,
	})
}

// BreakdownRequest asks for the fee and cashback split of a proposed amount.
type BreakdownRequest struct {
	BillerCode string `json:"biller_code"`
	Amount     int64  `json:"amount"`
}

// Breakdown previews the total a payment would cost and the cashback it
// would earn.
func (h *Handler) Breakdown(c *fiber.Ctx) error {
	var req BreakdownRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	b, err := h.service.CalculateBreakdown(c.UserContext(), req.BillerCode, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrAmountBelowMinimum), errors.Is(err, ErrAmountAboveMaximum):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		default:
			return billerError(err)
		}
	}
	return c.JSON(fiber.Map{
		"amount":          b.BillAmount,
		"fee":             b.Fee,
		"total":           b.Total,
		"cashback_amount": b.CashbackAmount,
		"cashback_rate":   b.CashbackRate.String(),
	})
}

// PayRequest is the bill-payment payload.
type PayRequest struct {
	BillerCode  string `json:"biller_code"`
	CustomerRef string `json:"customer_ref"`
	Amount      int64  `json:"amount"`
}

// Pay runs the full payment pipeline for a user.
func (h *Handler) Pay(c *fiber.Ctx) error {
	userID := c.Params("userId")
	var req PayRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	txn, err := h.service.ProcessPayment(c.UserContext(), ProcessInput{
		UserID:         userID,
		BillerCode:     req.BillerCode,
		CustomerRef:    req.CustomerRef,
		Amount:         req.Amount,
		IdempotencyKey: c.Get(idempotencyKeyHeader),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrPaymentFailed):
			// The pipeline ran; the caller gets the refunded record.
			return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{
				"error":       err.Error(),
				"transaction": wallet.ToTransactionResponse(txn),
			})
		case errors.Is(err, ledger.ErrInsufficientFunds):
			return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, ledger.ErrInvalidAmount),
			errors.Is(err, ErrAmountBelowMinimum),
			errors.Is(err, ErrAmountAboveMaximum):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ledger.ErrWalletNotFound):
			return fiber.NewError(http.StatusNotFound, err.Error())
		case errors.Is(err, idempotency.ErrInFlight):
			return fiber.NewError(http.StatusConflict, err.Error())
		default:
			return billerError(err)
		}
	}
	return c.Status(http.StatusCreated).JSON(wallet.ToTransactionResponse(txn))
}

// Get returns one payment by reference.
func (h *Handler) Get(c *fiber.Ctx) error {
	reference := c.Params("reference")
	txn, err := h.service.Transaction(c.UserContext(), reference)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return fiber.NewError(http.StatusNotFound, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(wallet.ToTransactionResponse(txn))
}

// List returns a user's payment history.
func (h *Handler) List(c *fiber.Ctx) error {
	userID := c.Params("userId")
	f := ledger.Filter{Status: c.Query("status")}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return fiber.NewError(http.StatusBadRequest, "invalid limit")
		}
		f.Limit = n
	}

	txns, err := h.service.List(c.UserContext(), userID, f)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	responses := make([]wallet.TransactionResponse, 0, len(txns))
	for _, txn := range txns {
		responses = append(responses, wallet.ToTransactionResponse(txn))
	}
	return c.JSON(fiber.Map{"payments": responses})
}

// Refund reverses a completed payment. Admin only.
func (h *Handler) Refund(c *fiber.Ctx) error {
	reference := c.Params("reference")
	txn, err := h.service.Refund(c.UserContext(), reference)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrTransactionNotFound):
			return fiber.NewError(http.StatusNotFound, err.Error())
		case errors.Is(err, ErrInvalidTransactionState), errors.Is(err, ledger.ErrDuplicateReference):
			return fiber.NewError(http.StatusConflict, err.Error())
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(wallet.ToTransactionResponse(txn))
}

// UpdateStatusRequest is the admin status override payload.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus force-moves a payment along the state machine. Admin only.
func (h *Handler) UpdateStatus(c *fiber.Ctx) error {
	reference := c.Params("reference")
	var req UpdateStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	txn, err := h.service.UpdateStatus(c.UserContext(), reference, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrTransactionNotFound):
			return fiber.NewError(http.StatusNotFound, err.Error())
		case errors.Is(err, ErrIllegalTransition):
			return fiber.NewError(http.StatusConflict, err.Error())
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(wallet.ToTransactionResponse(txn))
}

func billerError(err error) error {
	switch {
	case errors.Is(err, biller.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, biller.ErrInactive):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, biller.ErrExternalService):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
