package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/swiftbill/swiftbill/internal/ledger"
	"github.com/swiftbill/swiftbill/internal/lock"
	"github.com/swiftbill/swiftbill/internal/metrics"
)

// nonTerminalStatuses are the bill-payment states a crashed pipeline can be
// stranded in.
var nonTerminalStatuses = []string{
	ledger.StatusInitiated,
	ledger.StatusValidated,
	ledger.StatusBreakdownCalculated,
	ledger.StatusDebited,
	ledger.StatusSubmittedToBiller,
}

// ReconcileSummary counts what a reconciliation pass did.
type ReconcileSummary struct {
	Examined  int
	Completed int
	Refunded  int
	Failed    int
	Skipped   int
}

// Reconcile sweeps bill payments stuck in a non-terminal state for longer
// than the grace period and drives each to a terminal one:
//
//   - never debited: marked failed, no money moved
//   - debited but never submitted: refunded
//   - submitted: the gateway is asked for the outcome; confirmed payments
//     are settled, rejected ones refunded, still-pending ones left alone
func (s *Service) Reconcile(ctx context.Context, olderThan time.Duration) (ReconcileSummary, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	stuck, err := s.store.TransactionsInStatusBefore(ctx, ledger.TypeBillPayment, nonTerminalStatuses, cutoff)
	if err != nil {
		return ReconcileSummary{}, err
	}

	var summary ReconcileSummary
	for _, stale := range stuck {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Examined++
		if err := s.reconcileOne(ctx, stale.Reference, &summary); err != nil {
			s.logger.Error("reconcile payment", "reference", stale.Reference, "error", err)
		}
	}
	return summary, nil
}

func (s *Service) reconcileOne(ctx context.Context, reference string, summary *ReconcileSummary) error {
	lease, err := lock.Hold(ctx, s.locks, "payment:"+reference, s.cfg.LockTTL, s.cfg.LockWait)
	if err != nil {
		summary.Skipped++
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if rerr := lease.Release(releaseCtx); rerr != nil {
			s.logger.Warn("release reconcile lock", "reference", reference, "error", rerr)
		}
	}()

	// Re-read under the lock; the pipeline may have moved on since the scan.
	txn, err := s.store.TransactionByReference(ctx, reference)
	if err != nil {
		return err
	}
	if txn.Terminal() {
		summary.Skipped++
		return nil
	}

	switch txn.Status {
	case ledger.StatusInitiated, ledger.StatusValidated, ledger.StatusBreakdownCalculated:
		// The wallet debit commits in its own store transaction before the
		// status row advances to debited, so a crash in that window leaves
		// the payment looking pre-debit while the money is already gone.
		// Trust the ledger record, not the status.
		if _, derr := s.store.TransactionByReference(ctx, reference+"_DEBIT"); derr == nil {
			return s.reconcileRefund(ctx, txn, "abandoned after debit", summary)
		} else if !errors.Is(derr, ledger.ErrTransactionNotFound) {
			return derr
		}
		if err := s.advance(ctx, &txn, ledger.StatusFailed, "abandoned before debit"); err != nil {
			return err
		}
		summary.Failed++
		metrics.ReconciledTotal.WithLabelValues("failed").Inc()

	case ledger.StatusDebited:
		// Debited but the submission never went out; the money must come back.
		return s.reconcileRefund(ctx, txn, "abandoned before biller submission", summary)

	case ledger.StatusSubmittedToBiller:
		result, err := s.gateway.PaymentStatus(ctx, txn.BillerCode, txn.Reference)
		if err != nil {
			summary.Skipped++
			return wrapGatewayError("payment status", err)
		}
		switch result.Status {
		case "success":
			if result.ExternalRef != "" {
				txn.ExternalRef = result.ExternalRef
			}
			if err := s.settle(ctx, &txn); err != nil {
				return err
			}
			summary.Completed++
			metrics.ReconciledTotal.WithLabelValues("completed").Inc()
		case "failed":
			return s.reconcileRefund(ctx, txn, firstNonEmpty(result.Message, "rejected by biller"), summary)
		default:
			// Still in flight at the biller; the next pass will look again.
			summary.Skipped++
		}

	default:
		summary.Skipped++
	}
	return nil
}

func (s *Service) reconcileRefund(ctx context.Context, txn ledger.Transaction, reason string, summary *ReconcileSummary) error {
	out, err := s.compensate(ctx, txn, reason)
	if err != nil && !errors.Is(err, ErrPaymentFailed) {
		return err
	}
	if out.Status != ledger.StatusRefunded {
		// The refund did not land; the payment stays non-terminal and the
		// next sweep tries again.
		summary.Skipped++
		return nil
	}
	summary.Refunded++
	metrics.ReconciledTotal.WithLabelValues("refunded").Inc()
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Reconciler runs the sweep on a fixed interval until its context is
// cancelled.
type Reconciler struct {
	payments *Service
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
}

// NewReconciler builds the background sweeper. grace is how long a payment
// may sit in a non-terminal state before it is considered stuck.
func NewReconciler(payments *Service, interval, grace time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	return &Reconciler{payments: payments, interval: interval, grace: grace, logger: logger}
}

// Run blocks until ctx is cancelled, sweeping every interval.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := r.payments.Reconcile(ctx, r.grace)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					r.logger.Error("reconciliation pass", "error", err)
				}
				continue
			}
			if summary.Examined > 0 {
				r.logger.Info("reconciliation pass",
					"examined", summary.Examined,
					"completed", summary.Completed,
					"refunded", summary.Refunded,
					"failed", summary.Failed,
					"skipped", summary.Skipped,
				)
			}
		}
	}
}
