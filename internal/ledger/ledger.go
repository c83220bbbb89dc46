package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidAmount occurs when an operation amount is non-positive or
	// outside configured bounds.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientFunds occurs when a wallet lacks available balance to
	// cover a requested debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWalletNotFound indicates the referenced wallet does not exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletExists indicates the user already has a wallet; wallets are
	// unique per user.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrTransactionNotFound indicates no transaction matches the reference.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateReference indicates a transaction with the same reference
	// was already recorded.
	ErrDuplicateReference = errors.New("duplicate transaction reference")

	// ErrAlreadyFinalized indicates a state change was attempted on a
	// transaction that already left the expected state.
	ErrAlreadyFinalized = errors.New("transaction already finalized")

	// ErrConcurrentModification indicates a wallet write lost an optimistic
	// version race and should be retried under the wallet lock.
	ErrConcurrentModification = errors.New("concurrent wallet modification")
)

// Filter narrows transaction listings. Zero values mean "no constraint";
// Limit defaults to a store-chosen page size.
type Filter struct {
	Type   string
	Status string
	Limit  int
	Offset int
}

// Store is the durable, transactional home of wallets and transactions.
// Update runs fn inside one store transaction: fn returning nil commits,
// anything else rolls back. All balance mutations go through Update.
type Store interface {
	CreateWallet(ctx context.Context, userID string) (Wallet, error)
	Wallet(ctx context.Context, id string) (Wallet, error)
	WalletByUser(ctx context.Context, userID string) (Wallet, error)
	TransactionByReference(ctx context.Context, reference string) (Transaction, error)
	Transactions(ctx context.Context, userID string, f Filter) ([]Transaction, error)
	TransactionsInStatusBefore(ctx context.Context, txType string, statuses []string, cutoff time.Time) ([]Transaction, error)
	Update(ctx context.Context, fn func(Txn) error) error
}

// Txn is the view of the store inside one Update scope. SaveWallet enforces
// the optimistic version check: the wallet must still carry the version it
// was read at, otherwise ErrConcurrentModification.
type Txn interface {
	WalletForUpdate(id string) (Wallet, error)
	WalletByUserForUpdate(userID string) (Wallet, error)
	SaveWallet(w Wallet) error
	InsertTransaction(t Transaction) error
	TransactionByReference(reference string) (Transaction, error)
	UpdateTransaction(t Transaction) error
}
