package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/swiftbill/swiftbill/internal/biller"
	"github.com/swiftbill/swiftbill/internal/idempotency"
	"github.com/swiftbill/swiftbill/internal/ledger"
	"github.com/swiftbill/swiftbill/internal/lock"
	"github.com/swiftbill/swiftbill/internal/metrics"
	"github.com/swiftbill/swiftbill/internal/notification"
	"github.com/swiftbill/swiftbill/internal/wallet"
)

var (
	// ErrAmountBelowMinimum indicates the bill amount is under the biller's
	// configured floor.
	ErrAmountBelowMinimum = errors.New("amount below biller minimum")

	// ErrAmountAboveMaximum indicates the bill amount exceeds the biller's
	// configured ceiling.
	ErrAmountAboveMaximum = errors.New("amount above biller maximum")

	// ErrInvalidTransactionState indicates the operation is not valid for
	// the transaction's current status.
	ErrInvalidTransactionState = errors.New("invalid transaction state")

	// ErrPaymentFailed wraps a payment that ended in the refunded state
	// after the biller gateway rejected the submission.
	ErrPaymentFailed = errors.New("payment failed")
)

// Config captures the payment engine's operational knobs.
type Config struct {
	LockTTL  time.Duration
	LockWait time.Duration
}

// Service orchestrates the bill-payment state machine over the wallet
// engine and the external biller gateway. Each state change is persisted on
// the transaction record so a crash mid-pipeline is recoverable.
type Service struct {
	store     ledger.Store
	wallets   *wallet.Service
	directory biller.Directory
	gateway   biller.Gateway
	locks     lock.Locker
	registry  idempotency.Registry
	notifier  notification.Notifier
	cfg       Config
	logger    *slog.Logger
}

// NewService builds the payment engine.
func NewService(store ledger.Store, wallets *wallet.Service, directory biller.Directory, gateway biller.Gateway,
	locks lock.Locker, registry idempotency.Registry, notifier notification.Notifier, cfg Config, logger *slog.Logger) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 2 * time.Second
	}
	return &Service{
		store:     store,
		wallets:   wallets,
		directory: directory,
		gateway:   gateway,
		locks:     locks,
		registry:  registry,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
	}
}

// ValidateCustomer checks that the biller is payable and resolves the
// customer account through the gateway. Gateway failures are surfaced, not
// retried; the caller decides.
func (s *Service) ValidateCustomer(ctx context.Context, billerCode, customerRef string) (biller.CustomerInfo, error) {
	b, err := s.activeBiller(ctx, billerCode)
	if err != nil {
		return biller.CustomerInfo{}, err
	}
	info, err := s.gateway.ValidateCustomer(ctx, b.Code, customerRef)
	if err != nil {
		return biller.CustomerInfo{}, wrapGatewayError("validate customer", err)
	}
	return info, nil
}

// Breakdown is the fee and cashback split for a proposed payment.
type Breakdown struct {
	BillAmount     int64
	Fee            int64
	Total          int64
	CashbackAmount int64
	CashbackRate   decimal.Decimal
}

// CalculateBreakdown computes the payment split. Cashback is
// amount x rate rounded half-even, applied exactly once here; settlement
// reuses the stored figure rather than re-deriving it.
func (s *Service) CalculateBreakdown(ctx context.Context, billerCode string, amount int64) (Breakdown, error) {
	b, err := s.directory.Biller(ctx, billerCode)
	if err != nil {
		return Breakdown{}, err
	}
	return breakdownFor(b, amount)
}

func breakdownFor(b biller.Biller, amount int64) (Breakdown, error) {
	if amount < b.MinAmount {
		return Breakdown{}, fmt.Errorf("%w: minimum is %d", ErrAmountBelowMinimum, b.MinAmount)
	}
	if b.MaxAmount > 0 && amount > b.MaxAmount {
		return Breakdown{}, fmt.Errorf("%w: maximum is %d", ErrAmountAboveMaximum, b.MaxAmount)
	}

	cashback := decimal.NewFromInt(amount).Mul(b.CashbackRate).RoundBank(0).IntPart()
	return Breakdown{
		BillAmount:     amount,
		Fee:            b.Fee,
		Total:          amount + b.Fee,
		CashbackAmount: cashback,
		CashbackRate:   b.CashbackRate,
	}, nil
}

// ProcessInput captures a bill-payment request.
type ProcessInput struct {
	UserID         string
	BillerCode     string
	CustomerRef    string
	Amount         int64
	IdempotencyKey string
}

// ProcessPayment runs the full pipeline:
// validate -> calculate -> debit -> submit-to-biller -> credit-cashback ->
// finalize. The debit always happens before the external call so a crash in
// between leaves an auditable debited state rather than a double-submission
// risk. Gateway failure triggers the compensating refund automatically and
// the call returns ErrPaymentFailed with the transaction in refunded state.
func (s *Service) ProcessPayment(ctx context.Context, input ProcessInput) (ledger.Transaction, error) {
	idemKey := "payment:" + input.IdempotencyKey
	if input.IdempotencyKey != "" {
		if ref, done, err := s.registry.Begin(ctx, idemKey); err != nil {
			return ledger.Transaction{}, err
		} else if done {
			return s.store.TransactionByReference(ctx, ref)
		}
	}

	txn, err := s.processNew(ctx, input)
	if err != nil && !txnEffectful(txn) && !errors.Is(err, ErrPaymentFailed) {
		// Nothing was debited; release the key so the caller may retry
		// (e.g. after funding the wallet).
		s.abort(ctx, input.IdempotencyKey, idemKey)
		return txn, err
	}

	if input.IdempotencyKey != "" {
		if cerr := s.registry.Complete(ctx, idemKey, txn.Reference); cerr != nil {
			s.logger.Error("record idempotency result", "key", input.IdempotencyKey, "error", cerr)
		}
	}
	return txn, err
}

func (s *Service) processNew(ctx context.Context, input ProcessInput) (ledger.Transaction, error) {
	b, err := s.activeBiller(ctx, input.BillerCode)
	if err != nil {
		return ledger.Transaction{}, err
	}

	breakdown, err := breakdownFor(b, input.Amount)
	if err != nil {
		return ledger.Transaction{}, err
	}

	w, err := s.wallets.Balance(ctx, input.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}

	now := time.Now().UTC()
	txn := ledger.Transaction{
		ID:             uuid.NewString(),
		Reference:      newPaymentReference(),
		WalletID:       w.WalletID,
		UserID:         input.UserID,
		Type:           ledger.TypeBillPayment,
		Status:         ledger.StatusInitiated,
		Amount:         breakdown.BillAmount,
		Fee:            breakdown.Fee,
		CashbackAmount: breakdown.CashbackAmount,
		CashbackRate:   breakdown.CashbackRate,
		BillerCode:     b.Code,
		CustomerRef:    input.CustomerRef,
		IdempotencyKey: input.IdempotencyKey,
		Description:    fmt.Sprintf("Bill payment - %s (%s)", b.Name, input.CustomerRef),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Update(ctx, func(t ledger.Txn) error {
		return t.InsertTransaction(txn)
	}); err != nil {
		return ledger.Transaction{}, err
	}

	// The biller was checked and the breakdown computed above; persist the
	// pipeline positions so recovery can tell how far this payment got.
	if err := s.advance(ctx, &txn, ledger.StatusValidated, ""); err != nil {
		return txn, err
	}
	if err := s.advance(ctx, &txn, ledger.StatusBreakdownCalculated, ""); err != nil {
		return txn, err
	}

	if _, err := s.wallets.Debit(ctx, wallet.DebitInput{
		UserID:        input.UserID,
		Amount:        breakdown.Total,
		AllowCashback: true,
		Description:   txn.Description,
		Reference:     txn.Reference + "_DEBIT",
	}); err != nil {
		if ferr := s.advance(ctx, &txn, ledger.StatusFailed, err.Error()); ferr != nil {
			s.logger.Error("mark payment failed", "reference", txn.Reference, "error", ferr)
		}
		metrics.PaymentsTotal.WithLabelValues(ledger.StatusFailed).Inc()
		return txn, err
	}
	if err := s.advance(ctx, &txn, ledger.StatusDebited, ""); err != nil {
		return txn, err
	}

	result, err := s.gateway.SubmitPayment(ctx, b.Code, input.CustomerRef, breakdown.BillAmount, txn.Reference)
	if err != nil || result.Status == "failed" {
		reason := result.Message
		if err != nil {
			reason = err.Error()
		}
		return s.compensate(ctx, txn, reason)
	}

	txn.ExternalRef = result.ExternalRef
	if err := s.advance(ctx, &txn, ledger.StatusSubmittedToBiller, ""); err != nil {
		return txn, err
	}

	if result.Status == "pending" {
		// The biller accepted the submission but has not confirmed it; the
		// reconciliation sweep will poll the outcome and finish the payment.
		metrics.PaymentsTotal.WithLabelValues(ledger.StatusSubmittedToBiller).Inc()
		return txn, nil
	}

	if err := s.settle(ctx, &txn); err != nil {
		return txn, err
	}

	metrics.PaymentsTotal.WithLabelValues(ledger.StatusCompleted).Inc()
	s.notify(ctx, notification.Message{
		Kind:        notification.KindPaymentCompleted,
		Destination: txn.UserID,
		Reference:   txn.Reference,
		Body:        fmt.Sprintf("Payment of %d to %s completed", txn.Amount, b.Name),
	})
	return txn, nil
}

// settle credits the cashback award and finalizes the payment. The cashback
// reference is derived from the payment reference, so a replay (e.g. the
// reconciler finishing a crashed pipeline) can never credit twice.
func (s *Service) settle(ctx context.Context, txn *ledger.Transaction) error {
	if txn.CashbackAmount > 0 {
		_, err := s.wallets.Credit(ctx, wallet.CreditInput{
			UserID:      txn.UserID,
			Amount:      txn.CashbackAmount,
			Kind:        wallet.CreditCashback,
			Description: fmt.Sprintf("Cashback for %s", txn.Reference),
			Reference:   txn.Reference + "_CASHBACK",
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateReference) {
			return err
		}
	}
	return s.advance(ctx, txn, ledger.StatusCompleted, "")
}

// compensate reverses the debit of a payment the gateway rejected. The wallet
// is restored first; the transaction only moves through failed to refunded
// once the money is back, so a refund that cannot land leaves the payment in
// its current non-terminal state and the reconciliation pass retries it.
func (s *Service) compensate(ctx context.Context, txn ledger.Transaction, reason string) (ledger.Transaction, error) {
	if _, err := s.wallets.ApplyRefund(ctx, wallet.RefundInput{
		UserID:      txn.UserID,
		Amount:      txn.Amount + txn.Fee,
		Description: fmt.Sprintf("Refund for failed payment %s", txn.Reference),
		Reference:   txn.Reference + "_REFUND",
	}); err != nil && !errors.Is(err, ledger.ErrDuplicateReference) {
		s.logger.Error("compensating refund failed", "reference", txn.Reference, "error", err)
		return txn, fmt.Errorf("%w: %s (refund pending)", ErrPaymentFailed, reason)
	}

	if err := s.advance(ctx, &txn, ledger.StatusFailed, reason); err != nil {
		return txn, err
	}
	if err := s.advance(ctx, &txn, ledger.StatusRefunded, ""); err != nil {
		return txn, err
	}
	metrics.PaymentsTotal.WithLabelValues(ledger.StatusRefunded).Inc()
	return txn, fmt.Errorf("%w: %s", ErrPaymentFailed, reason)
}

// Refund reverses a completed payment: amount plus fee return to the main
// balance and the cashback award is clawed back.
func (s *Service) Refund(ctx context.Context, reference string) (ledger.Transaction, error) {
	txn, err := s.store.TransactionByReference(ctx, reference)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if txn.Type != ledger.TypeBillPayment {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	if txn.Status != ledger.StatusCompleted {
		return ledger.Transaction{}, fmt.Errorf("%w: cannot refund a %s payment", ErrInvalidTransactionState, txn.Status)
	}

	if _, err := s.wallets.ApplyRefund(ctx, wallet.RefundInput{
		UserID:           txn.UserID,
		Amount:           txn.Amount + txn.Fee,
		CashbackReversal: txn.CashbackAmount,
		Description:      fmt.Sprintf("Refund for payment %s", txn.Reference),
		Reference:        txn.Reference + "_REFUND",
	}); err != nil {
		return ledger.Transaction{}, err
	}

	if err := s.advance(ctx, &txn, ledger.StatusRefunded, ""); err != nil {
		return txn, err
	}
	metrics.PaymentsTotal.WithLabelValues(ledger.StatusRefunded).Inc()
	return txn, nil
}

// UpdateStatus is the admin-only status override. It still respects the
// state machine: transitions outside the legal set are rejected.
func (s *Service) UpdateStatus(ctx context.Context, reference, newStatus string) (ledger.Transaction, error) {
	var txn ledger.Transaction
	err := s.store.Update(ctx, func(t ledger.Txn) error {
		current, err := t.TransactionByReference(reference)
		if err != nil {
			return err
		}
		if current.Type != ledger.TypeBillPayment {
			return ledger.ErrTransactionNotFound
		}
		if err := checkTransition(current.Status, newStatus); err != nil {
			return err
		}
		current.Status = newStatus
		if newStatus == ledger.StatusCompleted {
			now := time.Now().UTC()
			current.CompletedAt = &now
		}
		txn = current
		return t.UpdateTransaction(current)
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	return txn, nil
}

// Transaction returns a payment by its stable reference.
func (s *Service) Transaction(ctx context.Context, reference string) (ledger.Transaction, error) {
	return s.store.TransactionByReference(ctx, reference)
}

// List returns a user's payment history, newest first.
func (s *Service) List(ctx context.Context, userID string, f ledger.Filter) ([]ledger.Transaction, error) {
	f.Type = ledger.TypeBillPayment
	return s.store.Transactions(ctx, userID, f)
}

func (s *Service) activeBiller(ctx context.Context, code string) (biller.Biller, error) {
	b, err := s.directory.Biller(ctx, code)
	if err != nil {
		return biller.Biller{}, err
	}
	if !b.Active {
		return biller.Biller{}, fmt.Errorf("%w: %s", biller.ErrInactive, b.Name)
	}
	return b, nil
}

// advance persists one state-machine step on the transaction record.
func (s *Service) advance(ctx context.Context, txn *ledger.Transaction, to, failureReason string) error {
	if err := checkTransition(txn.Status, to); err != nil {
		return err
	}
	txn.Status = to
	if failureReason != "" {
		txn.FailureReason = failureReason
	}
	if to == ledger.StatusCompleted {
		now := time.Now().UTC()
		txn.CompletedAt = &now
	}
	return s.store.Update(ctx, func(t ledger.Txn) error {
		return t.UpdateTransaction(*txn)
	})
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

// txnEffectful reports whether the payment reached a state where the wallet
// was debited, meaning its idempotency key must stay consumed.
func txnEffectful(txn ledger.Transaction) bool {
	switch txn.Status {
	case ledger.StatusDebited, ledger.StatusSubmittedToBiller, ledger.StatusCompleted, ledger.StatusRefunded:
		return true
	}
	return false
}

func wrapGatewayError(op string, err error) error {
	if errors.Is(err, biller.ErrExternalService) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", biller.ErrExternalService, op, err)
}

func newPaymentReference() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "PAY_" + strings.ToUpper(raw[:12])
}
