package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/swiftbill/swiftbill/internal/idempotency"
	"github.com/swiftbill/swiftbill/internal/ledger"
	"github.com/swiftbill/swiftbill/internal/lock"
	"github.com/swiftbill/swiftbill/internal/logging"
)

func newTestService(t *testing.T) (*Service, ledger.Store) {
	t.Helper()
	store := ledger.NewInMemory()
	svc := NewService(store, lock.NewMutexLocker(), idempotency.NewMemoryRegistry(), nil,
		Config{MinFunding: 100, MaxFunding: 10_000_000}, logging.Discard())
	return svc, store
}

func provisionWith(t *testing.T, svc *Service, store ledger.Store, userID string, main, cashback int64) ledger.Wallet {
	t.Helper()
	w, err := svc.Provision(context.Background(), userID)
	if err != nil {
		t.Fatalf("provision %s: %v", userID, err)
	}
	if main != 0 || cashback != 0 {
		ledger.SeedBalances(store, w.ID, main, cashback)
	}
	return w
}

func mustBalance(t *testing.T, svc *Service, userID string) Balance {
	t.Helper()
	b, err := svc.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance %s: %v", userID, err)
	}
	return b
}

func TestDebitFromMainBalance(t *testing.T) {
	svc, store := newTestService(t)
	provisionWith(t, svc, store, "alice", 1_000, 0)

	txn, err := svc.Debit(context.Background(), DebitInput{UserID: "alice", Amount: 300})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if txn.Status != ledger.StatusCompleted {
		t.Fatalf("unexpected status %s", txn.Status)
	}

	b := mustBalance(t, svc, "alice")
	if b.MainBalance != 700 {
		t.Fatalf("expected main 700, got %d", b.MainBalance)
	}
	if b.TotalSpent != 300 {
		t.Fatalf("expected total spent 300, got %d", b.TotalSpent)
	}
}

func TestDebitConsumesCashbackFirst(t *testing.T) {
	svc, store := newTestService(t)
	provisionWith(t, svc, store, "alice", 100, 50)

	if _, err := svc.Debit(context.Background(), DebitInput{
		UserID: "alice", Amount: 120, AllowCashback: true,
	}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	b := mustBalance(t, svc, "alice")
	if b.CashbackBalance != 0 {
		t.Fatalf("expected cashback exhausted, got %d", b.CashbackBalance)
	}
	if b.MainBalance != 30 {
		t.Fatalf("expected main 30, got %d", b.MainBalance)
	}
}

func TestDebitInsufficientFundsLeavesBalancesUntouched(t *testing.T) {
	svc, store := newTestService(t)
	provisionWith(t, svc, store, "alice", 50, 0)

	_, err := svc.Debit(context.Background(), DebitInput{UserID: "alice", Amount: 100})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	b := mustBalance(t, svc, "alice")
	if b.MainBalance != 50 || b.TotalSpent != 0 {
		t.Fatalf("failed debit mutated wallet: main=%d spent=%d", b.MainBalance, b.TotalSpent)
	}
}

func TestDebitWithoutCashbackIgnoresCashbackBalance(t *testing.T) {
	svc, store := newTestService(t)
	provisionWith(t, svc, store, "alice", 50, 500)

	_, err := svc.Debit(context.Background(), DebitInput{UserID: "alice", Amount: 100})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds when cashback disallowed, got %v", err)
	}
}

func TestFundAndConfirm(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	txn, err := svc.Fund(ctx, FundInput{UserID: "alice", Amount: 5_000})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if txn.Status != ledger.StatusPending {
		t.Fatalf("expected pending funding, got %s", txn.Status)
	}

	// The balance is credited immediately, confirmation only finalizes the
	// record.
	b := mustBalance(t, svc, "alice")
	if b.MainBalance != 5_000 || b.TotalFunded != 5_000 {
		t.Fatalf("unexpected balances after fund: %+v", b)
	}

	confirmed, err := svc.ConfirmFunding(ctx, txn.Reference)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != ledger.StatusCompleted || confirmed.CompletedAt == nil {
		t.Fatalf("funding not finalized: %+v", confirmed)
	}

	// Settlement callbacks may be delivered twice.
	again, err := svc.ConfirmFunding(ctx, txn.Reference)
	if err != nil {
		t.Fatalf("re-confirm: %v", err)
	}
	if again.Status != ledger.StatusCompleted {
		t.Fatalf("re-confirm changed status to %s", again.Status)
	}
}

func TestFundAmountBounds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Fund(ctx, FundInput{UserID: "alice", Amount: 50}); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount below minimum, got %v", err)
	}
	if _, err := svc.Fund(ctx, FundInput{UserID: "alice", Amount: 20_000_000}); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount above maximum, got %v", err)
	}
}

func TestFundIdempotentReplay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Fund(ctx, FundInput{UserID: "alice", Amount: 1_000, IdempotencyKey: "top-up-1"})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	second, err := svc.Fund(ctx, FundInput{UserID: "alice", Amount: 1_000, IdempotencyKey: "top-up-1"})
	if err != nil {
		t.Fatalf("replay fund: %v", err)
	}
	if second.Reference != first.Reference {
		t.Fatalf("replay produced a new transaction: %s vs %s", second.Reference, first.Reference)
	}

	b := mustBalance(t, svc, "alice")
	if b.MainBalance != 1_000 {
		t.Fatalf("replay credited twice: %d", b.MainBalance)
	}
}

func TestFundDistinctKeysBothApply(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("top-up-%d", i)
			if _, err := svc.Fund(ctx, FundInput{UserID: "alice", Amount: 100, IdempotencyKey: key}); err != nil {
				t.Errorf("fund %s: %v", key, err)
			}
		}(i)
	}
	wg.Wait()

	b := mustBalance(t, svc, "alice")
	if b.MainBalance != workers*100 {
		t.Fatalf("expected %d, got %d", workers*100, b.MainBalance)
	}
}

func TestTransfer(t *testing.T) {
	svc, store := newTestService(t)
	provisionWith(t, svc, store, "alice", 1_000, 0)
	provisionWith(t, svc, store, "bob", 0, 0)

	result, err := svc.Transfer(context.Background(), TransferInput{
		FromUserID: "alice", ToUserID: "bob", Amount: 400,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if result.Out.Type != ledger.TypeTransferOut || result.In.Type != ledger.TypeTransferIn {
		t.Fatalf("unexpected leg types: %s, %s", result.Out.Type, result.In.Type)
	}

	alice := mustBalance(t, svc, "alice")
	bob := mustBalance(t, svc, "bob")
	if alice.MainBalance != 600 || bob.MainBalance != 400 {
		t.Fatalf("balances after transfer: alice=%d bob=%d", alice.MainBalance, bob.MainBalance)
	}
	if alice.MainBalance+bob.MainBalance != 1_000 {
		t.Fatalf("money not conserved: %d", alice.MainBalance+bob.MainBalance)
	}
}

func TestTransferErrors(t *testing.T) {
	svc, store := newTestService(t)
	provisionWith(t, svc, store, "alice", 100, 0)

	ctx := context.Background()
	if _, err := svc.Transfer(ctx, TransferInput{FromUserID: "alice", ToUserID: "alice", Amount: 50}); !errors.Is(err, ErrSelfTransfer) {
		t.Fatalf("expected ErrSelfTransfer, got %v", err)
	}
	if _, err := svc.Transfer(ctx, TransferInput{FromUserID: "alice", ToUserID: "ghost", Amount: 50}); !errors.Is(err, ErrRecipientNotFound) {
		t.Fatalf("expected ErrRecipientNotFound, got %v", err)
	}

	provisionWith(t, svc, store, "bob", 0, 0)
	if _, err := svc.Transfer(ctx, TransferInput{FromUserID: "alice", ToUserID: "bob", Amount: 500}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestTransferIdempotentReplay(t *testing.T) {
	svc, store := newTestService(t)
	provisionWith(t, svc, store, "alice", 1_000, 0)
	provisionWith(t, svc, store, "bob", 0, 0)
	ctx := context.Background()

	first, err := svc.Transfer(ctx, TransferInput{
		FromUserID: "alice", ToUserID: "bob", Amount: 250, IdempotencyKey: "move-1",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	second, err := svc.Transfer(ctx, TransferInput{
		FromUserID: "alice", ToUserID: "bob", Amount: 250, IdempotencyKey: "move-1",
	})
	if err != nil {
		t.Fatalf("replay transfer: %v", err)
	}
	if second.Out.Reference != first.Out.Reference || second.In.Reference != first.In.Reference {
		t.Fatalf("replay produced new legs: %+v vs %+v", second, first)
	}
	if b := mustBalance(t, svc, "alice"); b.MainBalance != 750 {
		t.Fatalf("replay moved money twice: %d", b.MainBalance)
	}
}

// Opposite-direction transfers between the same two wallets must never
// deadlock because lock order is fixed by wallet id, not direction.
func TestConcurrentOpposingTransfers(t *testing.T) {
	svc, store := newTestService(t)
	provisionWith(t, svc, store, "alice", 100_000, 0)
	provisionWith(t, svc, store, "bob", 100_000, 0)
	ctx := context.Background()

	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			svc.Transfer(ctx, TransferInput{FromUserID: "alice", ToUserID: "bob", Amount: 10})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			svc.Transfer(ctx, TransferInput{FromUserID: "bob", ToUserID: "alice", Amount: 10})
		}
	}()
	wg.Wait()

	alice := mustBalance(t, svc, "alice")
	bob := mustBalance(t, svc, "bob")
	if alice.MainBalance+bob.MainBalance != 200_000 {
		t.Fatalf("money not conserved under contention: %d", alice.MainBalance+bob.MainBalance)
	}
}

func TestApplyRefundClampsCashbackReversal(t *testing.T) {
	svc, store := newTestService(t)
	// Cashback already partly spent: only 10 remains of an earlier 50 award.
	provisionWith(t, svc, store, "alice", 200, 10)

	txn, err := svc.ApplyRefund(context.Background(), RefundInput{
		UserID: "alice", Amount: 500, CashbackReversal: 50,
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if txn.Type != ledger.TypeRefund {
		t.Fatalf("unexpected type %s", txn.Type)
	}

	b := mustBalance(t, svc, "alice")
	if b.MainBalance != 700 {
		t.Fatalf("expected main 700, got %d", b.MainBalance)
	}
	if b.CashbackBalance != 0 {
		t.Fatalf("cashback went negative or was left over: %d", b.CashbackBalance)
	}
}

func TestCreditKinds(t *testing.T) {
	svc, store := newTestService(t)
	provisionWith(t, svc, store, "alice", 0, 0)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, CreditInput{UserID: "alice", Amount: 30, Kind: CreditCashback}); err != nil {
		t.Fatalf("cashback credit: %v", err)
	}
	if _, err := svc.Credit(ctx, CreditInput{UserID: "alice", Amount: 70, Kind: CreditRefund}); err != nil {
		t.Fatalf("refund credit: %v", err)
	}
	if _, err := svc.Credit(ctx, CreditInput{UserID: "alice", Amount: 5, Kind: "mystery"}); err == nil {
		t.Fatal("expected error for unknown credit kind")
	}

	b := mustBalance(t, svc, "alice")
	if b.CashbackBalance != 30 || b.MainBalance != 70 {
		t.Fatalf("credits landed in wrong balances: %+v", b)
	}
}

func TestHistoryFiltering(t *testing.T) {
	svc, store := newTestService(t)
	provisionWith(t, svc, store, "alice", 10_000, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Debit(ctx, DebitInput{UserID: "alice", Amount: 100}); err != nil {
			t.Fatalf("debit %d: %v", i, err)
		}
	}
	if _, err := svc.Fund(ctx, FundInput{UserID: "alice", Amount: 500}); err != nil {
		t.Fatalf("fund: %v", err)
	}

	debits, err := svc.History(ctx, "alice", ledger.Filter{Type: ledger.TypeDebit})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(debits) != 3 {
		t.Fatalf("expected 3 debits, got %d", len(debits))
	}

	all, err := svc.History(ctx, "alice", ledger.Filter{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 records, got %d", len(all))
	}
}
