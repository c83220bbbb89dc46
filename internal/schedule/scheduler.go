package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/swiftbill/swiftbill/internal/idempotency"
	"github.com/swiftbill/swiftbill/internal/ledger"
	"github.com/swiftbill/swiftbill/internal/lock"
	"github.com/swiftbill/swiftbill/internal/metrics"
	"github.com/swiftbill/swiftbill/internal/notification"
	"github.com/swiftbill/swiftbill/internal/payments"
)

// SchedulerConfig tunes the background runner.
type SchedulerConfig struct {
	Interval   time.Duration
	MaxRetries int
	LockTTL    time.Duration
	LockWait   time.Duration
}

// Scheduler wakes on an interval and executes every due schedule through
// the payment pipeline. Each attempt derives its idempotency key from the
// schedule id, the period being charged and the retry counter, so a crashed
// run replays the same attempt instead of charging twice.
type Scheduler struct {
	repo     Repository
	payments *payments.Service
	locks    lock.Locker
	notifier notification.Notifier
	cfg      SchedulerConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler builds the runner.
func NewScheduler(repo Repository, pay *payments.Service, locks lock.Locker,
	notifier notification.Notifier, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = time.Second
	}
	return &Scheduler{
		repo:     repo,
		payments: pay,
		locks:    locks,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled, executing one tick per interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("scheduler tick", "error", err)
			}
		}
	}
}

// Tick executes every schedule that is due at this moment. Exposed so tests
// and operational tooling can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	due, err := s.repo.Due(ctx, now)
	if err != nil {
		return err
	}

	for _, sch := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.execute(ctx, sch.ID, now); err != nil {
			s.logger.Error("execute schedule", "schedule_id", sch.ID, "error", err)
		}
	}
	return nil
}

// execute runs one due schedule under its lock. Two scheduler instances
// sweeping concurrently contend on the lock, and the loser skips; the
// idempotency key protects the charge itself either way.
func (s *Scheduler) execute(ctx context.Context, id string, now time.Time) error {
	lease, err := lock.Hold(ctx, s.locks, "schedule:"+id, s.cfg.LockTTL, s.cfg.LockWait)
	if err != nil {
		metrics.SchedulerRunsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if rerr := lease.Release(releaseCtx); rerr != nil {
			s.logger.Warn("release schedule lock", "schedule_id", id, "error", rerr)
		}
	}()

	// Re-read under the lock; another instance may have just run it.
	sch, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !sch.Active || sch.NextRun.After(now) {
		metrics.SchedulerRunsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	key := fmt.Sprintf("schedule:%s:%s:%d", sch.ID, sch.NextRun.UTC().Format(time.RFC3339), sch.Retries)
	txn, err := s.payments.ProcessPayment(ctx, payments.ProcessInput{
		UserID:         sch.UserID,
		BillerCode:     sch.BillerCode,
		CustomerRef:    sch.CustomerRef,
		Amount:         sch.Amount,
		IdempotencyKey: key,
	})

	switch {
	case err == nil && txn.Status == ledger.StatusCompleted:
		sch.Retries = 0
		sch.NextRun = sch.NextAfter(now)
		sch.LastReference = txn.Reference
		metrics.SchedulerRunsTotal.WithLabelValues("success").Inc()
		s.logger.Info("scheduled payment completed",
			"schedule_id", sch.ID, "reference", txn.Reference, "next_run", sch.NextRun)

	case err == nil && !txn.Terminal():
		// Submitted but not yet confirmed (or replayed mid-pipeline after a
		// crash). Money may already have moved, so the attempt must not be
		// retried under a fresh key: leave NextRun and the retry counter
		// untouched and let the next tick replay the same key once the
		// reconciliation sweep has driven the payment to an outcome.
		sch.LastReference = txn.Reference
		metrics.SchedulerRunsTotal.WithLabelValues("pending").Inc()
		s.logger.Info("scheduled payment awaiting confirmation",
			"schedule_id", sch.ID, "reference", txn.Reference, "status", txn.Status)

	case errors.Is(err, idempotency.ErrInFlight):
		// Another worker is mid-charge for this exact attempt.
		metrics.SchedulerRunsTotal.WithLabelValues("skipped").Inc()
		return nil

	default:
		// Insufficient funds, an inactive biller or a gateway rejection all
		// consume one attempt; the retry counter feeds the next key so a
		// refunded charge does not block the redo.
		sch.Retries++
		sch.LastReference = txn.Reference
		metrics.SchedulerRunsTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("scheduled payment failed",
			"schedule_id", sch.ID, "retries", sch.Retries, "error", err)

		if sch.Retries >= s.cfg.MaxRetries {
			sch.Active = false
			metrics.SchedulerRunsTotal.WithLabelValues("deactivated").Inc()
			s.notify(ctx, notification.Message{
				Kind:        notification.KindScheduleDeactivated,
				Destination: sch.UserID,
				Reference:   sch.ID,
				Body: fmt.Sprintf("Recurring payment to %s was disabled after %d failed attempts",
					sch.BillerCode, sch.Retries),
			})
		}
	}

	sch.UpdatedAt = s.now()
	return s.repo.Save(ctx, sch)
}

func (s *Scheduler) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("send notification", "kind", msg.Kind, "error", err)
	}
}
