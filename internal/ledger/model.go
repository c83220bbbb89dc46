package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types recorded in the ledger.
const (
	TypeFund        = "fund"
	TypeDebit       = "debit"
	TypeTransferOut = "transfer_out"
	TypeTransferIn  = "transfer_in"
	TypeBillPayment = "bill_payment"
	TypeCashback    = "cashback"
	TypeRefund      = "refund"
)

// Transaction statuses. The bill-payment pipeline persists its current state
// machine position in the status column so a crash mid-pipeline is
// recoverable by reconciliation.
const (
	StatusInitiated           = "initiated"
	StatusValidated           = "validated"
	StatusBreakdownCalculated = "breakdown_calculated"
	StatusDebited             = "debited"
	StatusSubmittedToBiller   = "submitted_to_biller"
	StatusPending             = "pending"
	StatusCompleted           = "completed"
	StatusFailed              = "failed"
	StatusRefunded            = "refunded"
)

// Wallet is a user's stored-value record. One wallet per user. All amounts
// are in minor currency units. Version increments on every mutation and backs
// optimistic conflict detection.
type Wallet struct {
	ID              string
	UserID          string
	MainBalance     int64
	CashbackBalance int64
	TotalFunded     int64
	TotalSpent      int64
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Transaction is one funding, debit, credit, transfer leg or bill-payment
// event. Reference is externally stable and generated once.
type Transaction struct {
	ID             string
	Reference      string
	WalletID       string
	UserID         string
	CounterpartyID string
	Type           string
	Status         string
	Amount         int64
	Fee            int64
	CashbackAmount int64
	CashbackRate   decimal.Decimal
	BillerCode     string
	CustomerRef    string
	ExternalRef    string
	IdempotencyKey string
	Description    string
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// Terminal reports whether the transaction can no longer change state.
func (t Transaction) Terminal() bool {
	switch t.Status {
	case StatusFailed, StatusRefunded:
		return true
	case StatusCompleted:
		// Completed bill payments may still be refunded.
		return t.Type != TypeBillPayment
	}
	return false
}
