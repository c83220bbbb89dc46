package schedule

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/swiftbill/swiftbill/internal/biller"
	"github.com/swiftbill/swiftbill/internal/ledger"
)

// Handler exposes HTTP endpoints for recurring schedules.
type Handler struct {
	service *Service
}

// NewHandler constructs a schedule handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// CreateRequest is the new-schedule payload.
type CreateRequest struct {
	BillerCode  string     `json:"biller_code"`
	CustomerRef string     `json:"customer_ref"`
	Amount      int64      `json:"amount"`
	Frequency   string     `json:"frequency"`
	FirstRun    *time.Time `json:"first_run,omitempty"`
}

// ScheduleResponse is the API shape of one schedule.
type ScheduleResponse struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	BillerCode    string    `json:"biller_code"`
	CustomerRef   string    `json:"customer_ref"`
	Amount        int64     `json:"amount"`
	Frequency     string    `json:"frequency"`
	NextRun       time.Time `json:"next_run"`
	Active        bool      `json:"active"`
	Retries       int       `json:"retries"`
	LastReference string    `json:"last_reference,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Create registers a standing instruction.
func (h *Handler) Create(c *fiber.Ctx) error {
	userID := c.Params("userId")
	var req CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	input := CreateInput{
		UserID:      userID,
		BillerCode:  req.BillerCode,
		CustomerRef: req.CustomerRef,
		Amount:      req.Amount,
		Frequency:   req.Frequency,
	}
	if req.FirstRun != nil {
		input.FirstRun = *req.FirstRun
	}

	sch, err := h.service.Create(c.UserContext(), input)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidFrequency), errors.Is(err, ledger.ErrInvalidAmount):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, biller.ErrNotFound):
			return fiber.NewError(http.StatusNotFound, err.Error())
		case errors.Is(err, biller.ErrInactive):
			return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
		default:
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	return c.Status(http.StatusCreated).JSON(toScheduleResponse(sch))
}

// List returns the user's schedules.
func (h *Handler) List(c *fiber.Ctx) error {
	userID := c.Params("userId")
	schedules, err := h.service.ListByUser(c.UserContext(), userID)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	out := make([]ScheduleResponse, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, toScheduleResponse(sch))
	}
	return c.JSON(fiber.Map{"schedules": out})
}

// Get returns one schedule.
func (h *Handler) Get(c *fiber.Ctx) error {
	sch, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(toScheduleResponse(sch))
}

// Deactivate turns a schedule off.
func (h *Handler) Deactivate(c *fiber.Ctx) error {
	sch, err := h.service.Deactivate(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(toScheduleResponse(sch))
}

// Activate re-enables a schedule.
func (h *Handler) Activate(c *fiber.Ctx) error {
	sch, err := h.service.Activate(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(toScheduleResponse(sch))
}

func toScheduleResponse(s Schedule) ScheduleResponse {
	return ScheduleResponse{
		ID:            s.ID,
		UserID:        s.UserID,
		BillerCode:    s.BillerCode,
		CustomerRef:   s.CustomerRef,
		Amount:        s.Amount,
		Frequency:     s.Frequency,
		NextRun:       s.NextRun,
		Active:        s.Active,
		Retries:       s.Retries,
		LastReference: s.LastReference,
		CreatedAt:     s.CreatedAt,
	}
}
