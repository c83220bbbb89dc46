package biller

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates no biller exists for the code.
	ErrNotFound = errors.New("biller not found")

	// ErrInactive indicates the biller is currently disabled for payments.
	ErrInactive = errors.New("biller inactive")

	// ErrExternalService wraps failures of the external biller gateway.
	ErrExternalService = errors.New("external biller service error")
)

// Biller is third-party provider reference data. The payment engine treats a
// fetched Biller as immutable for the duration of one transaction. Amounts
// are minor currency units.
type Biller struct {
	ID           string
	Code         string
	Name         string
	BillType     string
	MinAmount    int64
	MaxAmount    int64
	Fee          int64
	CashbackRate decimal.Decimal
	Active       bool
	CreatedAt    time.Time
}

// Directory reads biller reference data. Owned by the excluded biller
// management collaborator; the engine only consumes it.
type Directory interface {
	Biller(ctx context.Context, code string) (Biller, error)
}

// CustomerInfo is the gateway's view of a biller-side customer account.
type CustomerInfo struct {
	CustomerRef string
	Name        string
	Address     string
}

// SubmissionResult is the gateway's answer to a payment submission or a
// status query.
type SubmissionResult struct {
	ExternalRef string
	Status      string // "success", "failed" or "pending"
	Message     string
}

// Gateway is the external biller connector. The engine never submits twice
// for one transaction reference; duplicate protection beyond that is the
// gateway's concern.
type Gateway interface {
	ValidateCustomer(ctx context.Context, billerCode, customerRef string) (CustomerInfo, error)
	SubmitPayment(ctx context.Context, billerCode, customerRef string, amount int64, reference string) (SubmissionResult, error)
	PaymentStatus(ctx context.Context, billerCode, reference string) (SubmissionResult, error)
}
