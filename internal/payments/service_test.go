package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swiftbill/swiftbill/internal/biller"
	"github.com/swiftbill/swiftbill/internal/idempotency"
	"github.com/swiftbill/swiftbill/internal/ledger"
	"github.com/swiftbill/swiftbill/internal/lock"
	"github.com/swiftbill/swiftbill/internal/logging"
	"github.com/swiftbill/swiftbill/internal/wallet"
)

type fakeGateway struct {
	mu           sync.Mutex
	submitResult biller.SubmissionResult
	submitErr    error
	statusResult biller.SubmissionResult
	statusErr    error
	submissions  int
}

func (g *fakeGateway) ValidateCustomer(_ context.Context, _, customerRef string) (biller.CustomerInfo, error) {
	return biller.CustomerInfo{CustomerRef: customerRef, Name: "Test Customer"}, nil
}

func (g *fakeGateway) SubmitPayment(_ context.Context, _, _ string, _ int64, _ string) (biller.SubmissionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submissions++
	return g.submitResult, g.submitErr
}

func (g *fakeGateway) PaymentStatus(_ context.Context, _, _ string) (biller.SubmissionResult, error) {
	return g.statusResult, g.statusErr
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submissions
}

type engine struct {
	payments *Service
	wallets  *wallet.Service
	store    ledger.Store
	gateway  *fakeGateway
	locks    lock.Locker
}

func newTestEngine(t *testing.T) *engine {
	t.Helper()
	store := ledger.NewInMemory()
	locks := lock.NewMutexLocker()
	registry := idempotency.NewMemoryRegistry()
	logger := logging.Discard()

	wallets := wallet.NewService(store, locks, registry, nil,
		wallet.Config{MinFunding: 100, MaxFunding: 10_000_000}, logger)

	directory := biller.NewMemoryDirectory(
		biller.Biller{ID: "b1", Code: "ELEC", Name: "City Power", BillType: "electricity",
			MinAmount: 500, MaxAmount: 100_000, Fee: 100,
			CashbackRate: decimal.RequireFromString("0.025"), Active: true},
		biller.Biller{ID: "b2", Code: "OLD", Name: "Defunct Gas", BillType: "gas",
			MinAmount: 100, CashbackRate: decimal.Zero, Active: false},
	)

	gw := &fakeGateway{
		submitResult: biller.SubmissionResult{ExternalRef: "EXT-1", Status: "success"},
	}
	svc := NewService(store, wallets, directory, gw, locks, registry, nil, Config{}, logger)
	return &engine{payments: svc, wallets: wallets, store: store, gateway: gw, locks: locks}
}

func (e *engine) fundWallet(t *testing.T, userID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	txn, err := e.wallets.Fund(ctx, wallet.FundInput{UserID: userID, Amount: amount})
	if err != nil {
		t.Fatalf("fund %s: %v", userID, err)
	}
	if _, err := e.wallets.ConfirmFunding(ctx, txn.Reference); err != nil {
		t.Fatalf("confirm funding: %v", err)
	}
}

func (e *engine) mustBalance(t *testing.T, userID string) wallet.Balance {
	t.Helper()
	b, err := e.wallets.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance %s: %v", userID, err)
	}
	return b
}

func (e *engine) insertPayment(t *testing.T, txn ledger.Transaction) {
	t.Helper()
	if txn.ID == "" {
		txn.ID = txn.Reference
	}
	txn.Type = ledger.TypeBillPayment
	if err := e.store.Update(context.Background(), func(st ledger.Txn) error {
		return st.InsertTransaction(txn)
	}); err != nil {
		t.Fatalf("insert %s: %v", txn.Reference, err)
	}
}

func TestCalculateBreakdownRoundsHalfEven(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// 500 x 0.025 = 12.5 rounds down to the even 12.
	b, err := e.payments.CalculateBreakdown(ctx, "ELEC", 500)
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	if b.CashbackAmount != 12 {
		t.Fatalf("expected cashback 12, got %d", b.CashbackAmount)
	}
	if b.Total != 600 {
		t.Fatalf("expected total 600, got %d", b.Total)
	}

	// 700 x 0.025 = 17.5 rounds up to the even 18.
	b, err = e.payments.CalculateBreakdown(ctx, "ELEC", 700)
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	if b.CashbackAmount != 18 {
		t.Fatalf("expected cashback 18, got %d", b.CashbackAmount)
	}
}

func TestCalculateBreakdownBounds(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.payments.CalculateBreakdown(ctx, "ELEC", 100); !errors.Is(err, ErrAmountBelowMinimum) {
		t.Fatalf("expected ErrAmountBelowMinimum, got %v", err)
	}
	if _, err := e.payments.CalculateBreakdown(ctx, "ELEC", 1_000_000); !errors.Is(err, ErrAmountAboveMaximum) {
		t.Fatalf("expected ErrAmountAboveMaximum, got %v", err)
	}
	if _, err := e.payments.CalculateBreakdown(ctx, "NOPE", 500); !errors.Is(err, biller.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidateCustomer(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	info, err := e.payments.ValidateCustomer(ctx, "ELEC", "meter-77")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if info.CustomerRef != "meter-77" {
		t.Fatalf("unexpected customer: %+v", info)
	}

	if _, err := e.payments.ValidateCustomer(ctx, "OLD", "acct-1"); !errors.Is(err, biller.ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
	if _, err := e.payments.ValidateCustomer(ctx, "NOPE", "acct-1"); !errors.Is(err, biller.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProcessPaymentSuccess(t *testing.T) {
	e := newTestEngine(t)
	e.fundWallet(t, "alice", 10_000)

	txn, err := e.payments.ProcessPayment(context.Background(), ProcessInput{
		UserID: "alice", BillerCode: "ELEC", CustomerRef: "meter-77", Amount: 1_000,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if txn.Status != ledger.StatusCompleted {
		t.Fatalf("expected completed, got %s", txn.Status)
	}
	if txn.ExternalRef != "EXT-1" {
		t.Fatalf("external ref not recorded: %q", txn.ExternalRef)
	}
	if txn.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}

	// Debited 1100 (amount + fee), then awarded 25 cashback.
	b := e.mustBalance(t, "alice")
	if b.MainBalance != 8_900 {
		t.Fatalf("expected main 8900, got %d", b.MainBalance)
	}
	if b.CashbackBalance != 25 {
		t.Fatalf("expected cashback 25, got %d", b.CashbackBalance)
	}

	// The companion ledger records exist under derived references.
	ctx := context.Background()
	if _, err := e.store.TransactionByReference(ctx, txn.Reference+"_DEBIT"); err != nil {
		t.Fatalf("debit record missing: %v", err)
	}
	if _, err := e.store.TransactionByReference(ctx, txn.Reference+"_CASHBACK"); err != nil {
		t.Fatalf("cashback record missing: %v", err)
	}
}

func TestProcessPaymentGatewayFailureRefunds(t *testing.T) {
	e := newTestEngine(t)
	e.fundWallet(t, "alice", 10_000)
	e.gateway.submitResult = biller.SubmissionResult{Status: "failed", Message: "biller offline"}

	txn, err := e.payments.ProcessPayment(context.Background(), ProcessInput{
		UserID: "alice", BillerCode: "ELEC", CustomerRef: "meter-77", Amount: 1_000,
	})
	if !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", err)
	}
	if txn.Status != ledger.StatusRefunded {
		t.Fatalf("expected refunded, got %s", txn.Status)
	}
	if txn.FailureReason == "" {
		t.Fatal("failure reason not recorded")
	}

	// The compensating refund restored the full debit.
	b := e.mustBalance(t, "alice")
	if b.MainBalance != 10_000 {
		t.Fatalf("wallet not made whole: %d", b.MainBalance)
	}
	if b.CashbackBalance != 0 {
		t.Fatalf("cashback credited for a failed payment: %d", b.CashbackBalance)
	}
}

func TestProcessPaymentIdempotentReplay(t *testing.T) {
	e := newTestEngine(t)
	e.fundWallet(t, "alice", 10_000)
	ctx := context.Background()

	input := ProcessInput{
		UserID: "alice", BillerCode: "ELEC", CustomerRef: "meter-77",
		Amount: 1_000, IdempotencyKey: "bill-jan",
	}
	first, err := e.payments.ProcessPayment(ctx, input)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	second, err := e.payments.ProcessPayment(ctx, input)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Reference != first.Reference {
		t.Fatalf("replay created a new payment: %s vs %s", second.Reference, first.Reference)
	}
	if e.gateway.submitCount() != 1 {
		t.Fatalf("replay reached the biller: %d submissions", e.gateway.submitCount())
	}
	if b := e.mustBalance(t, "alice"); b.MainBalance != 8_900 {
		t.Fatalf("replay debited twice: %d", b.MainBalance)
	}
}

func TestProcessPaymentInsufficientFundsFreesKey(t *testing.T) {
	e := newTestEngine(t)
	e.fundWallet(t, "alice", 500) // below the 1100 the payment needs
	ctx := context.Background()

	input := ProcessInput{
		UserID: "alice", BillerCode: "ELEC", CustomerRef: "meter-77",
		Amount: 1_000, IdempotencyKey: "bill-feb",
	}
	if _, err := e.payments.ProcessPayment(ctx, input); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if b := e.mustBalance(t, "alice"); b.MainBalance != 500 {
		t.Fatalf("failed payment moved money: %d", b.MainBalance)
	}

	// The attempt had no effect, so the same key may retry after topping up.
	e.fundWallet(t, "alice", 5_000)
	txn, err := e.payments.ProcessPayment(ctx, input)
	if err != nil {
		t.Fatalf("retry after funding: %v", err)
	}
	if txn.Status != ledger.StatusCompleted {
		t.Fatalf("retry did not complete: %s", txn.Status)
	}
}

func TestProcessPaymentPendingSubmission(t *testing.T) {
	e := newTestEngine(t)
	e.fundWallet(t, "alice", 10_000)
	e.gateway.submitResult = biller.SubmissionResult{ExternalRef: "EXT-9", Status: "pending"}

	txn, err := e.payments.ProcessPayment(context.Background(), ProcessInput{
		UserID: "alice", BillerCode: "ELEC", CustomerRef: "meter-77", Amount: 1_000,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if txn.Status != ledger.StatusSubmittedToBiller {
		t.Fatalf("expected submitted_to_biller, got %s", txn.Status)
	}

	// Money is held but no cashback until the outcome is known.
	b := e.mustBalance(t, "alice")
	if b.MainBalance != 8_900 || b.CashbackBalance != 0 {
		t.Fatalf("unexpected balances: %+v", b)
	}
}

func TestRefundCompletedPayment(t *testing.T) {
	e := newTestEngine(t)
	e.fundWallet(t, "alice", 10_000)
	ctx := context.Background()

	txn, err := e.payments.ProcessPayment(ctx, ProcessInput{
		UserID: "alice", BillerCode: "ELEC", CustomerRef: "meter-77", Amount: 1_000,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	refunded, err := e.payments.Refund(ctx, txn.Reference)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != ledger.StatusRefunded {
		t.Fatalf("expected refunded, got %s", refunded.Status)
	}

	// Amount plus fee return to main; the cashback award is clawed back.
	b := e.mustBalance(t, "alice")
	if b.MainBalance != 10_000 {
		t.Fatalf("expected main restored to 10000, got %d", b.MainBalance)
	}
	if b.CashbackBalance != 0 {
		t.Fatalf("cashback not clawed back: %d", b.CashbackBalance)
	}

	// A refunded payment cannot be refunded again.
	if _, err := e.payments.Refund(ctx, txn.Reference); !errors.Is(err, ErrInvalidTransactionState) {
		t.Fatalf("expected ErrInvalidTransactionState, got %v", err)
	}
}

func TestUpdateStatusRespectsStateMachine(t *testing.T) {
	e := newTestEngine(t)
	w, err := e.wallets.Provision(context.Background(), "alice")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	e.insertPayment(t, ledger.Transaction{
		Reference: "PAY_STUCK", WalletID: w.ID, UserID: "alice",
		Status: ledger.StatusSubmittedToBiller, Amount: 1_000, Fee: 100,
		CreatedAt: time.Now().UTC(),
	})
	ctx := context.Background()

	txn, err := e.payments.UpdateStatus(ctx, "PAY_STUCK", ledger.StatusCompleted)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if txn.Status != ledger.StatusCompleted || txn.CompletedAt == nil {
		t.Fatalf("override not applied: %+v", txn)
	}

	if _, err := e.payments.UpdateStatus(ctx, "PAY_STUCK", ledger.StatusFailed); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if _, err := e.payments.UpdateStatus(ctx, "PAY_GONE", ledger.StatusFailed); !errors.Is(err, ledger.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestReconcileAbandonedBeforeDebit(t *testing.T) {
	e := newTestEngine(t)
	w, err := e.wallets.Provision(context.Background(), "alice")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	e.insertPayment(t, ledger.Transaction{
		Reference: "PAY_EARLY", WalletID: w.ID, UserID: "alice",
		Status: ledger.StatusValidated, Amount: 1_000, Fee: 100,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})

	summary, err := e.payments.Reconcile(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", summary)
	}

	txn, _ := e.store.TransactionByReference(context.Background(), "PAY_EARLY")
	if txn.Status != ledger.StatusFailed {
		t.Fatalf("expected failed, got %s", txn.Status)
	}
	// No debit happened, so no money may move.
	if b := e.mustBalance(t, "alice"); b.MainBalance != 0 {
		t.Fatalf("reconcile moved money for an undebited payment: %d", b.MainBalance)
	}
}

func TestReconcileRefundsStrandedDebit(t *testing.T) {
	e := newTestEngine(t)
	e.fundWallet(t, "alice", 500)
	w := e.mustBalance(t, "alice")
	e.insertPayment(t, ledger.Transaction{
		Reference: "PAY_HUNG", WalletID: w.WalletID, UserID: "alice",
		Status: ledger.StatusDebited, Amount: 1_000, Fee: 100,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})

	summary, err := e.payments.Reconcile(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if summary.Refunded != 1 {
		t.Fatalf("expected 1 refunded, got %+v", summary)
	}

	txn, _ := e.store.TransactionByReference(context.Background(), "PAY_HUNG")
	if txn.Status != ledger.StatusRefunded {
		t.Fatalf("expected refunded, got %s", txn.Status)
	}
	if b := e.mustBalance(t, "alice"); b.MainBalance != 500+1_100 {
		t.Fatalf("debit not restored: %d", b.MainBalance)
	}
}

func TestReconcileRefundsDebitCommittedBeforeStatusWrite(t *testing.T) {
	e := newTestEngine(t)
	e.fundWallet(t, "alice", 2_000)
	w := e.mustBalance(t, "alice")
	ctx := context.Background()

	// The wallet debit commits in its own store transaction; a crash right
	// after leaves the payment row still at breakdown_calculated while the
	// money is already gone.
	if _, err := e.wallets.Debit(ctx, wallet.DebitInput{
		UserID: "alice", Amount: 1_100,
		Description: "Bill payment - City Power (meter-1)",
		Reference:   "PAY_CRASH_DEBIT",
	}); err != nil {
		t.Fatalf("debit: %v", err)
	}
	e.insertPayment(t, ledger.Transaction{
		Reference: "PAY_CRASH", WalletID: w.WalletID, UserID: "alice",
		Status: ledger.StatusBreakdownCalculated, Amount: 1_000, Fee: 100,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})

	summary, err := e.payments.Reconcile(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if summary.Refunded != 1 || summary.Failed != 0 {
		t.Fatalf("expected 1 refunded, got %+v", summary)
	}

	txn, _ := e.store.TransactionByReference(ctx, "PAY_CRASH")
	if txn.Status != ledger.StatusRefunded {
		t.Fatalf("expected refunded, got %s", txn.Status)
	}
	if b := e.mustBalance(t, "alice"); b.MainBalance != 2_000 {
		t.Fatalf("debit not restored: %d", b.MainBalance)
	}
}

func TestReconcileRetriesWhenRefundCannotLand(t *testing.T) {
	e := newTestEngine(t)
	e.fundWallet(t, "alice", 500)
	w := e.mustBalance(t, "alice")
	e.insertPayment(t, ledger.Transaction{
		Reference: "PAY_BLOCKED", WalletID: w.WalletID, UserID: "alice",
		Status: ledger.StatusDebited, Amount: 1_000, Fee: 100,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})
	ctx := context.Background()

	// Hold the wallet lock so the compensating refund cannot land.
	lease, err := e.locks.Acquire(ctx, "wallet:"+w.WalletID, time.Minute)
	if err != nil {
		t.Fatalf("acquire wallet lock: %v", err)
	}

	summary, err := e.payments.Reconcile(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if summary.Refunded != 0 || summary.Skipped != 1 {
		t.Fatalf("blocked refund miscounted: %+v", summary)
	}
	txn, _ := e.store.TransactionByReference(ctx, "PAY_BLOCKED")
	if txn.Terminal() {
		t.Fatalf("unrefunded payment parked in terminal state %s", txn.Status)
	}

	// Once the wallet is reachable again the next sweep restores the money.
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	summary, err = e.payments.Reconcile(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if summary.Refunded != 1 {
		t.Fatalf("expected 1 refunded, got %+v", summary)
	}
	if b := e.mustBalance(t, "alice"); b.MainBalance != 500+1_100 {
		t.Fatalf("debit not restored: %d", b.MainBalance)
	}
}

func TestReconcileSubmittedOutcomes(t *testing.T) {
	cases := []struct {
		name         string
		gatewaySays  string
		wantStatus   string
		wantMain     int64
		wantCashback int64
	}{
		{"confirmed", "success", ledger.StatusCompleted, 500, 25},
		{"rejected", "failed", ledger.StatusRefunded, 500 + 1_100, 0},
		{"still pending", "pending", ledger.StatusSubmittedToBiller, 500, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t)
			e.fundWallet(t, "alice", 500)
			w := e.mustBalance(t, "alice")
			e.insertPayment(t, ledger.Transaction{
				Reference: "PAY_SUB", WalletID: w.WalletID, UserID: "alice",
				Status: ledger.StatusSubmittedToBiller, Amount: 1_000, Fee: 100,
				CashbackAmount: 25,
				CreatedAt:      time.Now().UTC().Add(-time.Hour),
			})
			e.gateway.statusResult = biller.SubmissionResult{ExternalRef: "EXT-R", Status: tc.gatewaySays}

			if _, err := e.payments.Reconcile(context.Background(), 30*time.Minute); err != nil {
				t.Fatalf("reconcile: %v", err)
			}

			txn, _ := e.store.TransactionByReference(context.Background(), "PAY_SUB")
			if txn.Status != tc.wantStatus {
				t.Fatalf("expected %s, got %s", tc.wantStatus, txn.Status)
			}
			b := e.mustBalance(t, "alice")
			if b.MainBalance != tc.wantMain || b.CashbackBalance != tc.wantCashback {
				t.Fatalf("unexpected balances: main=%d cashback=%d", b.MainBalance, b.CashbackBalance)
			}
		})
	}
}

func TestReconcileLeavesFreshPaymentsAlone(t *testing.T) {
	e := newTestEngine(t)
	w, err := e.wallets.Provision(context.Background(), "alice")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	e.insertPayment(t, ledger.Transaction{
		Reference: "PAY_FRESH", WalletID: w.ID, UserID: "alice",
		Status: ledger.StatusDebited, Amount: 1_000, Fee: 100,
		CreatedAt: time.Now().UTC(),
	})

	summary, err := e.payments.Reconcile(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if summary.Examined != 0 {
		t.Fatalf("fresh payment swept: %+v", summary)
	}
}
