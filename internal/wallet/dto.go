package wallet

import (
	"time"

	"github.com/swiftbill/swiftbill/internal/ledger"
)

// FundRequest is the wallet top-up payload.
type FundRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// TransferRequest is the wallet-to-wallet payload.
type TransferRequest struct {
	ToUserID    string `json:"to_user_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// BalanceResponse mirrors the Balance view for the API.
type BalanceResponse struct {
	WalletID        string    `json:"wallet_id"`
	UserID          string    `json:"user_id"`
	MainBalance     int64     `json:"main_balance"`
	CashbackBalance int64     `json:"cashback_balance"`
	TotalBalance    int64     `json:"total_balance"`
	TotalFunded     int64     `json:"total_funded"`
	TotalSpent      int64     `json:"total_spent"`
	AsOf            time.Time `json:"as_of"`
}

// TransactionResponse is the API shape of one ledger record.
type TransactionResponse struct {
	Reference      string     `json:"reference"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	Amount         int64      `json:"amount"`
	Fee            int64      `json:"fee,omitempty"`
	CashbackAmount int64      `json:"cashback_amount,omitempty"`
	BillerCode     string     `json:"biller_code,omitempty"`
	CustomerRef    string     `json:"customer_ref,omitempty"`
	Description    string     `json:"description,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// TransferResponse carries both legs of a completed transfer.
type TransferResponse struct {
	Out TransactionResponse `json:"out"`
	In  TransactionResponse `json:"in"`
}

// ToTransactionResponse converts a ledger record to its API shape.
func ToTransactionResponse(txn ledger.Transaction) TransactionResponse {
	return TransactionResponse{
		Reference:      txn.Reference,
		Type:           txn.Type,
		Status:         txn.Status,
		Amount:         txn.Amount,
		Fee:            txn.Fee,
		CashbackAmount: txn.CashbackAmount,
		BillerCode:     txn.BillerCode,
		CustomerRef:    txn.CustomerRef,
		Description:    txn.Description,
		FailureReason:  txn.FailureReason,
		CreatedAt:      txn.CreatedAt,
		CompletedAt:    txn.CompletedAt,
	}
}

func toBalanceResponse(b Balance) BalanceResponse {
	return BalanceResponse{
		WalletID:        b.WalletID,
		UserID:          b.UserID,
		MainBalance:     b.MainBalance,
		CashbackBalance: b.CashbackBalance,
		TotalBalance:    b.TotalBalance,
		TotalFunded:     b.TotalFunded,
		TotalSpent:      b.TotalSpent,
		AsOf:            b.AsOf,
	}
}

func toTransactionResponses(txns []ledger.Transaction) []TransactionResponse {
	out := make([]TransactionResponse, 0, len(txns))
	for _, txn := range txns {
		out = append(out, ToTransactionResponse(txn))
	}
	return out
}
