package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically polls the ledger for in-flight transfers and
// applies confirmation deadlines, so no escrow is ever silently stuck
// waiting on a confirmation that will not arrive.
type Sweeper struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a new escrow sweeper.
func NewSweeper(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (w *Sweeper) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (w *Sweeper) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	w.sweep(ctx)
}

func (w *Sweeper) sweep(ctx context.Context) {
	unresolved, err := w.store.ListUnresolved(ctx, 100)
	if err != nil {
		w.logger.Warn("failed to list unresolved escrows", "error", err)
		return
	}

	now := w.service.now()
	for _, rec := range unresolved {
		switch rec.State {
		case StateFunding:
			w.sweepFunding(ctx, rec, now)
		case StateReleaseRequested:
			w.sweepRelease(ctx, rec, now)
		case StateCancelRequested:
			w.sweepCancel(ctx, rec)
		case StateCancelled:
			if err := w.service.ReconcileCancelledFunding(ctx, rec.ID); err != nil {
				w.logger.Warn("failed to reconcile cancelled escrow",
					"escrowId", rec.ID, "error", err)
			}
		}
	}
}

func (w *Sweeper) sweepFunding(ctx context.Context, rec *Record, now time.Time) {
	if rec.PendingTxRef != "" {
		if err := w.service.ConfirmFunding(ctx, rec.ID, rec.PendingTxRef); err != nil {
			w.logger.Warn("funding confirmation poll failed",
				"escrowId", rec.ID, "txRef", rec.PendingTxRef, "error", err)
			return
		}
		// Re-read: the poll may have resolved the record.
		fresh, err := w.store.Get(ctx, rec.ID)
		if err != nil || fresh.State != StateFunding {
			return
		}
		rec = fresh
	}

	if rec.Deadline != nil && now.After(*rec.Deadline) {
		if err := w.service.TimeoutFunding(ctx, rec.ID); err != nil {
			w.logger.Warn("failed to expire overdue funding",
				"escrowId", rec.ID, "error", err)
			return
		}
		w.logger.Info("funding confirmation deadline passed, escrow failed",
			"escrowId", rec.ID, "payer", rec.PayerAccount, "amount", rec.Amount)
	}
}

func (w *Sweeper) sweepRelease(ctx context.Context, rec *Record, now time.Time) {
	if rec.PendingTxRef == "" {
		// Payee-initiated request awaiting payer approval; nothing in
		// flight to poll.
		return
	}

	if err := w.service.ConfirmRelease(ctx, rec.ID, rec.PendingTxRef); err != nil {
		w.logger.Warn("release confirmation poll failed",
			"escrowId", rec.ID, "txRef", rec.PendingTxRef, "error", err)
		return
	}

	fresh, err := w.store.Get(ctx, rec.ID)
	if err != nil || fresh.State != StateReleaseRequested || fresh.PendingTxRef == "" {
		return
	}

	if fresh.Deadline != nil && now.After(*fresh.Deadline) {
		if err := w.service.TimeoutRelease(ctx, rec.ID); err != nil {
			w.logger.Warn("failed to roll back overdue release",
				"escrowId", rec.ID, "error", err)
			return
		}
		w.logger.Info("release confirmation deadline passed, reverted to funded for retry",
			"escrowId", rec.ID, "payee", rec.PayeeAccount, "amount", rec.Amount)
	}
}

func (w *Sweeper) sweepCancel(ctx context.Context, rec *Record) {
	if rec.PendingTxRef == "" {
		// A prior refund attempt failed; submit a fresh one.
		if err := w.service.RetryRefund(ctx, rec.ID); err != nil {
			w.logger.Warn("refund resubmission failed",
				"escrowId", rec.ID, "error", err)
		}
		return
	}

	if err := w.service.ConfirmCancel(ctx, rec.ID, rec.PendingTxRef); err != nil {
		w.logger.Warn("refund confirmation poll failed",
			"escrowId", rec.ID, "txRef", rec.PendingTxRef, "error", err)
	}
}

// TimeoutFunding fails an escrow whose funding transfer never
// confirmed within the deadline.
func (s *Service) TimeoutFunding(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != StateFunding {
		return nil
	}
	if rec.Deadline == nil || s.now().Before(*rec.Deadline) {
		return nil
	}
	return s.failFunding(ctx, rec, "confirmation timeout")
}

// TimeoutRelease rolls an overdue release back to funded so it can be
// retried. The pending transfer never confirmed; any late confirmation
// for its ref will be rejected as unknown.
func (s *Service) TimeoutRelease(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != StateReleaseRequested || rec.PendingTxRef == "" {
		return nil
	}
	if rec.Deadline == nil || s.now().Before(*rec.Deadline) {
		return nil
	}

	rec.State = StateFunded
	rec.PendingTxRef = ""
	rec.PendingFingerprint = ""
	rec.Deadline = nil
	rec.UpdatedAt = s.now()
	return s.update(ctx, rec)
}

// RetryRefund resubmits the custody refund for an escrow stuck in
// cancel_requested after a failed refund transfer.
func (s *Service) RetryRefund(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != StateCancelRequested || rec.PendingTxRef != "" {
		return nil
	}
	_, err = s.submitRefund(ctx, rec)
	return err
}
