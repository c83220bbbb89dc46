package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swiftbill/swiftbill/internal/biller"
	"github.com/swiftbill/swiftbill/internal/ledger"
)

var (
	// ErrNotFound indicates no schedule exists for the given id.
	ErrNotFound = errors.New("schedule not found")

	// ErrInvalidFrequency indicates an unsupported recurrence frequency.
	ErrInvalidFrequency = errors.New("invalid frequency")

	// ErrInactive indicates the schedule has been deactivated.
	ErrInactive = errors.New("schedule is inactive")
)

// Recurrence frequencies.
const (
	FrequencyWeekly    = "weekly"
	FrequencyMonthly   = "monthly"
	FrequencyQuarterly = "quarterly"
)

// Schedule is a standing instruction to pay a bill on a recurrence.
type Schedule struct {
	ID            string
	UserID        string
	BillerCode    string
	CustomerRef   string
	Amount        int64
	Frequency     string
	NextRun       time.Time
	Active        bool
	Retries       int
	LastReference string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NextAfter returns the first occurrence strictly after now, stepping from
// the schedule's current NextRun so missed periods collapse into one run
// rather than a burst of catch-up payments.
func (s Schedule) NextAfter(now time.Time) time.Time {
	next := s.NextRun
	for !next.After(now) {
		switch s.Frequency {
		case FrequencyWeekly:
			next = next.AddDate(0, 0, 7)
		case FrequencyMonthly:
			next = next.AddDate(0, 1, 0)
		case FrequencyQuarterly:
			next = next.AddDate(0, 3, 0)
		default:
			return next.Add(24 * time.Hour)
		}
	}
	return next
}

// Repository persists recurring schedules.
type Repository interface {
	Create(ctx context.Context, s Schedule) error
	Get(ctx context.Context, id string) (Schedule, error)
	ListByUser(ctx context.Context, userID string) ([]Schedule, error)
	Due(ctx context.Context, now time.Time) ([]Schedule, error)
	Save(ctx context.Context, s Schedule) error
}

// CreateInput captures a new standing instruction.
type CreateInput struct {
	UserID      string
	BillerCode  string
	CustomerRef string
	Amount      int64
	Frequency   string
	FirstRun    time.Time
}

// Service handles schedule lifecycle: creation, listing, deactivation. The
// background Scheduler consumes the same Repository.
type Service struct {
	repo      Repository
	directory biller.Directory
}

// NewService builds the schedule service.
func NewService(repo Repository, directory biller.Directory) *Service {
	return &Service{repo: repo, directory: directory}
}

// Create validates and stores a new schedule. The biller must exist and be
// active, and the amount must fall within its limits at creation time.
func (s *Service) Create(ctx context.Context, input CreateInput) (Schedule, error) {
	switch input.Frequency {
	case FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly:
	default:
		return Schedule{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, input.Frequency)
	}
	if input.Amount <= 0 {
		return Schedule{}, ledger.ErrInvalidAmount
	}

	b, err := s.directory.Biller(ctx, input.BillerCode)
	if err != nil {
		return Schedule{}, err
	}
	if !b.Active {
		return Schedule{}, fmt.Errorf("%w: %s", biller.ErrInactive, b.Name)
	}
	if input.Amount < b.MinAmount {
		return Schedule{}, fmt.Errorf("amount below biller minimum %d", b.MinAmount)
	}
	if b.MaxAmount > 0 && input.Amount > b.MaxAmount {
		return Schedule{}, fmt.Errorf("amount above biller maximum %d", b.MaxAmount)
	}

	now := time.Now().UTC()
	firstRun := input.FirstRun
	if firstRun.IsZero() {
		firstRun = now
	}
	sch := Schedule{
		ID:          uuid.NewString(),
		UserID:      input.UserID,
		BillerCode:  b.Code,
		CustomerRef: input.CustomerRef,
		Amount:      input.Amount,
		Frequency:   input.Frequency,
		NextRun:     firstRun.UTC(),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, sch); err != nil {
		return Schedule{}, err
	}
	return sch, nil
}

// Get returns one schedule.
func (s *Service) Get(ctx context.Context, id string) (Schedule, error) {
	return s.repo.Get(ctx, id)
}

// ListByUser returns a user's schedules.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]Schedule, error) {
	return s.repo.ListByUser(ctx, userID)
}

// Deactivate turns a schedule off without deleting its history.
func (s *Service) Deactivate(ctx context.Context, id string) (Schedule, error) {
	sch, err := s.repo.Get(ctx, id)
	if err != nil {
		return Schedule{}, err
	}
	if !sch.Active {
		return sch, nil
	}
	sch.Active = false
	sch.UpdatedAt = time.Now().UTC()
	if err := s.repo.Save(ctx, sch); err != nil {
		return Schedule{}, err
	}
	return sch, nil
}

// Activate re-enables a deactivated schedule and clears its retry counter.
func (s *Service) Activate(ctx context.Context, id string) (Schedule, error) {
	sch, err := s.repo.Get(ctx, id)
	if err != nil {
		return Schedule{}, err
	}
	sch.Active = true
	sch.Retries = 0
	sch.NextRun = sch.NextAfter(time.Now().UTC())
	sch.UpdatedAt = time.Now().UTC()
	if err := s.repo.Save(ctx, sch); err != nil {
		return Schedule{}, err
	}
	return sch, nil
}
