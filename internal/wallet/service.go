package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swiftbill/swiftbill/internal/idempotency"
	"github.com/swiftbill/swiftbill/internal/ledger"
	"github.com/swiftbill/swiftbill/internal/lock"
	"github.com/swiftbill/swiftbill/internal/metrics"
	"github.com/swiftbill/swiftbill/internal/notification"
)

var (
	// ErrSelfTransfer indicates source and destination are the same wallet.
	ErrSelfTransfer = errors.New("cannot transfer to the same wallet")

	// ErrRecipientNotFound indicates the destination wallet does not exist.
	ErrRecipientNotFound = errors.New("recipient wallet not found")
)

// Credit kinds accepted by Credit.
const (
	CreditCashback   = "cashback"
	CreditRefund     = "refund"
	CreditTransferIn = "transfer_in"
)

// Config captures the engine's operational knobs.
type Config struct {
	MinFunding int64
	MaxFunding int64
	LockTTL    time.Duration
	LockWait   time.Duration
}

// Service is the wallet ledger engine. It owns the balance invariants: main
// and cashback balances never go negative, every mutation happens under the
// wallet lock inside one store transaction, and externally-triggered
// mutations are idempotent.
type Service struct {
	store    ledger.Store
	locks    lock.Locker
	registry idempotency.Registry
	notifier notification.Notifier
	cfg      Config
	logger   *slog.Logger
}

// NewService builds the wallet engine.
func NewService(store ledger.Store, locks lock.Locker, registry idempotency.Registry, notifier notification.Notifier, cfg Config, logger *slog.Logger) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 2 * time.Second
	}
	return &Service{store: store, locks: locks, registry: registry, notifier: notifier, cfg: cfg, logger: logger}
}

// Balance is the externally visible snapshot of a wallet.
type Balance struct {
	WalletID        string
	UserID          string
	MainBalance     int64
	CashbackBalance int64
	TotalBalance    int64
	TotalFunded     int64
	TotalSpent      int64
	AsOf            time.Time
}

// Provision creates the user's wallet, returning the existing one when the
// user already has it.
func (s *Service) Provision(ctx context.Context, userID string) (ledger.Wallet, error) {
	w, err := s.store.CreateWallet(ctx, userID)
	if errors.Is(err, ledger.ErrWalletExists) {
		return s.store.WalletByUser(ctx, userID)
	}
	return w, err
}

// Balance returns the wallet balances. Read-only; no lock needed because a
// displayed balance never authorizes a debit on its own.
func (s *Service) Balance(ctx context.Context, userID string) (Balance, error) {
	w, err := s.store.WalletByUser(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		WalletID:        w.ID,
		UserID:          w.UserID,
		MainBalance:     w.MainBalance,
		CashbackBalance: w.CashbackBalance,
		TotalBalance:    w.MainBalance + w.CashbackBalance,
		TotalFunded:     w.TotalFunded,
		TotalSpent:      w.TotalSpent,
		AsOf:            time.Now().UTC(),
	}, nil
}

// FundInput captures a wallet funding request.
type FundInput struct {
	UserID         string
	Amount         int64
	Description    string
	IdempotencyKey string
}

// Fund credits the main balance and records a fund transaction in pending
// status; funding is provisional until ConfirmFunding is called from the
// external settlement callback. The wallet is created on first funding.
func (s *Service) Fund(ctx context.Context, input FundInput) (ledger.Transaction, error) {
	if input.Amount < s.cfg.MinFunding || (s.cfg.MaxFunding > 0 && input.Amount > s.cfg.MaxFunding) {
		return ledger.Transaction{}, fmt.Errorf("%w: funding amount %d outside [%d, %d]",
			ledger.ErrInvalidAmount, input.Amount, s.cfg.MinFunding, s.cfg.MaxFunding)
	}

	idemKey := scopedKey("fund", input.IdempotencyKey)
	if input.IdempotencyKey != "" {
		if ref, done, err := s.registry.Begin(ctx, idemKey); err != nil {
			return ledger.Transaction{}, err
		} else if done {
			return s.store.TransactionByReference(ctx, ref)
		}
	}

	w, err := s.store.WalletByUser(ctx, input.UserID)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		w, err = s.Provision(ctx, input.UserID)
	}
	if err != nil {
		s.abort(ctx, input.IdempotencyKey, idemKey)
		return ledger.Transaction{}, err
	}

	description := input.Description
	if description == "" {
		description = "wallet funding"
	}

	var txn ledger.Transaction
	err = s.withWalletLock(ctx, w.ID, func() error {
		return s.store.Update(ctx, func(t ledger.Txn) error {
			current, err := t.WalletForUpdate(w.ID)
			if err != nil {
				return err
			}
			current.MainBalance += input.Amount
			current.TotalFunded += input.Amount
			if err := t.SaveWallet(current); err != nil {
				return err
			}

			txn = newTransaction(current, ledger.TypeFund, ledger.StatusPending, input.Amount, description)
			txn.Reference = newReference("FUND")
			txn.IdempotencyKey = input.IdempotencyKey
			return t.InsertTransaction(txn)
		})
	})
	if err != nil {
		s.abort(ctx, input.IdempotencyKey, idemKey)
		return ledger.Transaction{}, err
	}

	if input.IdempotencyKey != "" {
		if err := s.registry.Complete(ctx, idemKey, txn.Reference); err != nil {
			s.logger.Error("record idempotency result", "key", input.IdempotencyKey, "error", err)
		}
	}
	metrics.FundingsTotal.WithLabelValues(ledger.StatusPending).Inc()
	return txn, nil
}

// ConfirmFunding finalizes a pending fund transaction. Confirmation
// callbacks can be delivered more than once, so re-confirming a completed
// fund returns the existing record unchanged.
func (s *Service) ConfirmFunding(ctx context.Context, reference string) (ledger.Transaction, error) {
	var txn ledger.Transaction
	err := s.store.Update(ctx, func(t ledger.Txn) error {
		current, err := t.TransactionByReference(reference)
		if err != nil {
			return err
		}
		if current.Type != ledger.TypeFund {
			return ledger.ErrTransactionNotFound
		}
		switch current.Status {
		case ledger.StatusCompleted:
			txn = current
			return nil
		case ledger.StatusPending:
		default:
			return fmt.Errorf("%w: funding is %s", ledger.ErrAlreadyFinalized, current.Status)
		}

		now := time.Now().UTC()
		current.Status = ledger.StatusCompleted
		current.CompletedAt = &now
		txn = current
		return t.UpdateTransaction(current)
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	metrics.FundingsTotal.WithLabelValues(ledger.StatusCompleted).Inc()
	s.notify(ctx, notification.Message{
		Kind:        notification.KindFundingConfirmed,
		Destination: txn.UserID,
		Reference:   txn.Reference,
		Body:        fmt.Sprintf("Wallet funding of %d confirmed", txn.Amount),
	})
	return txn, nil
}

// DebitInput captures a wallet debit request.
type DebitInput struct {
	UserID         string
	Amount         int64
	AllowCashback  bool
	Description    string
	Reference      string
	IdempotencyKey string
}

// Debit removes amount from the wallet. When AllowCashback is set the
// cashback balance is consumed first and the remainder comes from the main
// balance. The read and write happen under one lock and one store
// transaction, so there is no check-to-use gap.
func (s *Service) Debit(ctx context.Context, input DebitInput) (ledger.Transaction, error) {
	if input.Amount <= 0 {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}

	idemKey := scopedKey("debit", input.IdempotencyKey)
	if input.IdempotencyKey != "" {
		if ref, done, err := s.registry.Begin(ctx, idemKey); err != nil {
			return ledger.Transaction{}, err
		} else if done {
			return s.store.TransactionByReference(ctx, ref)
		}
	}

	w, err := s.store.WalletByUser(ctx, input.UserID)
	if err != nil {
		s.abort(ctx, input.IdempotencyKey, idemKey)
		return ledger.Transaction{}, err
	}

	reference := input.Reference
	if reference == "" {
		reference = newReference("DEBIT")
	}

	var txn ledger.Transaction
	err = s.withWalletLock(ctx, w.ID, func() error {
		return s.store.Update(ctx, func(t ledger.Txn) error {
			current, err := t.WalletForUpdate(w.ID)
			if err != nil {
				return err
			}

			available := current.MainBalance
			if input.AllowCashback {
				available += current.CashbackBalance
			}
			if available < input.Amount {
				return fmt.Errorf("%w: available %d, required %d", ledger.ErrInsufficientFunds, available, input.Amount)
			}

			var cashbackDebit int64
			if input.AllowCashback && current.CashbackBalance > 0 {
				cashbackDebit = min64(current.CashbackBalance, input.Amount)
			}
			mainDebit := input.Amount - cashbackDebit

			current.CashbackBalance -= cashbackDebit
			current.MainBalance -= mainDebit
			current.TotalSpent += input.Amount
			if err := t.SaveWallet(current); err != nil {
				return err
			}

			txn = newTransaction(current, ledger.TypeDebit, ledger.StatusCompleted, input.Amount, input.Description)
			txn.Reference = reference
			txn.IdempotencyKey = input.IdempotencyKey
			return t.InsertTransaction(txn)
		})
	})
	if err != nil {
		s.abort(ctx, input.IdempotencyKey, idemKey)
		return ledger.Transaction{}, err
	}

	if input.IdempotencyKey != "" {
		if err := s.registry.Complete(ctx, idemKey, txn.Reference); err != nil {
			s.logger.Error("record idempotency result", "key", input.IdempotencyKey, "error", err)
		}
	}
	return txn, nil
}

// CreditInput captures a credit to an existing wallet.
type CreditInput struct {
	UserID      string
	Amount      int64
	Kind        string // CreditCashback, CreditRefund or CreditTransferIn
	Description string
	Reference   string
}

// Credit increases the relevant sub-balance: cashback credits land in the
// cashback balance, refunds and transfer-ins in the main balance.
func (s *Service) Credit(ctx context.Context, input CreditInput) (ledger.Transaction, error) {
	if input.Amount <= 0 {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}

	var txType string
	switch input.Kind {
	case CreditCashback:
		txType = ledger.TypeCashback
	case CreditRefund:
		txType = ledger.TypeRefund
	case CreditTransferIn:
		txType = ledger.TypeTransferIn
	default:
		return ledger.Transaction{}, fmt.Errorf("unknown credit kind %q", input.Kind)
	}

	w, err := s.store.WalletByUser(ctx, input.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}

	reference := input.Reference
	if reference == "" {
		reference = newReference(strings.ToUpper(input.Kind))
	}

	var txn ledger.Transaction
	err = s.withWalletLock(ctx, w.ID, func() error {
		return s.store.Update(ctx, func(t ledger.Txn) error {
			current, err := t.WalletForUpdate(w.ID)
			if err != nil {
				return err
			}
			if input.Kind == CreditCashback {
				current.CashbackBalance += input.Amount
			} else {
				current.MainBalance += input.Amount
			}
			if err := t.SaveWallet(current); err != nil {
				return err
			}

			txn = newTransaction(current, txType, ledger.StatusCompleted, input.Amount, input.Description)
			txn.Reference = reference
			return t.InsertTransaction(txn)
		})
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	if input.Kind == CreditCashback {
		metrics.CashbackCreditedTotal.Inc()
	}
	return txn, nil
}

// RefundInput reverses an earlier bill-payment debit: Amount goes back to
// the main balance and CashbackReversal is clawed back from the cashback
// balance, clamped so the balance never goes negative.
type RefundInput struct {
	UserID           string
	Amount           int64
	CashbackReversal int64
	Description      string
	Reference        string
}

// ApplyRefund performs the full reversal in one store transaction.
func (s *Service) ApplyRefund(ctx context.Context, input RefundInput) (ledger.Transaction, error) {
	if input.Amount <= 0 {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}

	w, err := s.store.WalletByUser(ctx, input.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}

	var txn ledger.Transaction
	err = s.withWalletLock(ctx, w.ID, func() error {
		return s.store.Update(ctx, func(t ledger.Txn) error {
			current, err := t.WalletForUpdate(w.ID)
			if err != nil {
				return err
			}
			current.MainBalance += input.Amount
			if input.CashbackReversal > 0 {
				current.CashbackBalance -= min64(current.CashbackBalance, input.CashbackReversal)
			}
			if err := t.SaveWallet(current); err != nil {
				return err
			}

			txn = newTransaction(current, ledger.TypeRefund, ledger.StatusCompleted, input.Amount, input.Description)
			txn.Reference = input.Reference
			if txn.Reference == "" {
				txn.Reference = newReference("REFUND")
			}
			return t.InsertTransaction(txn)
		})
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	return txn, nil
}

// TransferInput captures a wallet-to-wallet move.
type TransferInput struct {
	FromUserID     string
	ToUserID       string
	Amount         int64
	Description    string
	IdempotencyKey string
}

// TransferResult is the pair of ledger legs produced by a transfer.
type TransferResult struct {
	Out ledger.Transaction
	In  ledger.Transaction
}

// Transfer moves amount between two wallets. Locks are always taken in
// ascending wallet-id order regardless of direction, so two opposite
// transfers can never deadlock, and both legs commit in one store
// transaction.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (TransferResult, error) {
	if input.Amount <= 0 {
		return TransferResult{}, ledger.ErrInvalidAmount
	}
	if input.FromUserID == input.ToUserID {
		return TransferResult{}, ErrSelfTransfer
	}

	idemKey := scopedKey("transfer", input.IdempotencyKey)
	if input.IdempotencyKey != "" {
		if ref, done, err := s.registry.Begin(ctx, idemKey); err != nil {
			return TransferResult{}, err
		} else if done {
			return s.transferByOutReference(ctx, ref)
		}
	}

	from, err := s.store.WalletByUser(ctx, input.FromUserID)
	if err != nil {
		s.abort(ctx, input.IdempotencyKey, idemKey)
		return TransferResult{}, err
	}
	to, err := s.store.WalletByUser(ctx, input.ToUserID)
	if err != nil {
		s.abort(ctx, input.IdempotencyKey, idemKey)
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return TransferResult{}, ErrRecipientNotFound
		}
		return TransferResult{}, err
	}

	first, second := from.ID, to.ID
	if second < first {
		first, second = second, first
	}

	transferRef := newReference("TRF")
	var result TransferResult
	err = s.withWalletLock(ctx, first, func() error {
		return s.withWalletLock(ctx, second, func() error {
			return s.store.Update(ctx, func(t ledger.Txn) error {
				// Row locks follow the same fixed order as the leases.
				var src, dst ledger.Wallet
				for _, id := range []string{first, second} {
					w, err := t.WalletForUpdate(id)
					if err != nil {
						return err
					}
					if id == from.ID {
						src = w
					} else {
						dst = w
					}
				}

				if src.MainBalance < input.Amount {
					return fmt.Errorf("%w: available %d, required %d", ledger.ErrInsufficientFunds, src.MainBalance, input.Amount)
				}
				src.MainBalance -= input.Amount
				src.TotalSpent += input.Amount
				dst.MainBalance += input.Amount
				if err := t.SaveWallet(src); err != nil {
					return err
				}
				if err := t.SaveWallet(dst); err != nil {
					return err
				}

				out := newTransaction(src, ledger.TypeTransferOut, ledger.StatusCompleted, input.Amount, input.Description)
				out.Reference = transferRef + "_OUT"
				out.CounterpartyID = dst.ID
				out.IdempotencyKey = input.IdempotencyKey
				if err := t.InsertTransaction(out); err != nil {
					return err
				}

				in := newTransaction(dst, ledger.TypeTransferIn, ledger.StatusCompleted, input.Amount, input.Description)
				in.Reference = transferRef + "_IN"
				in.CounterpartyID = src.ID
				if err := t.InsertTransaction(in); err != nil {
					return err
				}

				result = TransferResult{Out: out, In: in}
				return nil
			})
		})
	})
	if err != nil {
		s.abort(ctx, input.IdempotencyKey, idemKey)
		return TransferResult{}, err
	}

	if input.IdempotencyKey != "" {
		if err := s.registry.Complete(ctx, idemKey, result.Out.Reference); err != nil {
			s.logger.Error("record idempotency result", "key", input.IdempotencyKey, "error", err)
		}
	}
	metrics.TransfersTotal.Inc()
	s.notify(ctx, notification.Message{
		Kind:        notification.KindTransferReceived,
		Destination: input.ToUserID,
		Reference:   result.In.Reference,
		Body:        fmt.Sprintf("You received %d from another wallet", input.Amount),
	})
	return result, nil
}

// History returns the wallet's transaction records, newest first.
func (s *Service) History(ctx context.Context, userID string, f ledger.Filter) ([]ledger.Transaction, error) {
	return s.store.Transactions(ctx, userID, f)
}

// Transaction returns a single record by its stable reference.
func (s *Service) Transaction(ctx context.Context, reference string) (ledger.Transaction, error) {
	return s.store.TransactionByReference(ctx, reference)
}

func (s *Service) transferByOutReference(ctx context.Context, outRef string) (TransferResult, error) {
	out, err := s.store.TransactionByReference(ctx, outRef)
	if err != nil {
		return TransferResult{}, err
	}
	inRef := strings.TrimSuffix(outRef, "_OUT") + "_IN"
	in, err := s.store.TransactionByReference(ctx, inRef)
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{Out: out, In: in}, nil
}

func (s *Service) withWalletLock(ctx context.Context, walletID string, fn func() error) error {
	lease, err := lock.Hold(ctx, s.locks, "wallet:"+walletID, s.cfg.LockTTL, s.cfg.LockWait)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			metrics.LockAcquireFailuresTotal.Inc()
		}
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if rerr := lease.Release(releaseCtx); rerr != nil {
			s.logger.Warn("release wallet lock", "wallet_id", walletID, "error", rerr)
		}
	}()
	return fn()
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("send notification", "kind", msg.Kind, "error", err)
	}
}

func (s *Service) abort(ctx context.Context, rawKey, scoped string) {
	if rawKey == "" {
		return
	}
	if err := s.registry.Abort(ctx, scoped); err != nil {
		s.logger.Warn("abort idempotency reservation", "key", rawKey, "error", err)
	}
}

func newTransaction(w ledger.Wallet, txType, status string, amount int64, description string) ledger.Transaction {
	now := time.Now().UTC()
	txn := ledger.Transaction{
		ID:          uuid.NewString(),
		WalletID:    w.ID,
		UserID:      w.UserID,
		Type:        txType,
		Status:      status,
		Amount:      amount,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if status == ledger.StatusCompleted {
		txn.CompletedAt = &now
	}
	return txn
}

func newReference(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + strings.ToUpper(raw[:12])
}

func scopedKey(scope, key string) string {
	return scope + ":" + key
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
