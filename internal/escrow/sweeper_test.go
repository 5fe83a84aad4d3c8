package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/paylance/escrowd/internal/ledger"
)

// waitForState polls until the escrow reaches the wanted state or the
// deadline passes.
func waitForState(t *testing.T, svc *Service, id string, want State, timeout time.Duration) *Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := svc.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec.State == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := svc.Get(context.Background(), id)
	t.Fatalf("escrow %s never reached %s, still %s", id, want, rec.State)
	return nil
}

func startSweeper(t *testing.T, svc *Service, store Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sw := NewSweeper(svc, store, 10*time.Millisecond, testLogger())
	go sw.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sw.Stop()
	})
}

func TestSweeper_ConfirmsFunding(t *testing.T) {
	lg := ledger.NewMemoryLedger()
	lg.SetBalance(payer, "SOL", "1.0")
	svc, store := newTestService(lg)
	ctx := context.Background()

	rec, _ := svc.Create(ctx, CreateRequest{
		PayerAccount: payer, PayeeAccount: payee, Amount: "1.0", Currency: "SOL",
	})
	if _, err := svc.Fund(ctx, rec.ID, signedFunding(rec)); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	startSweeper(t, svc, store)

	rec = waitForState(t, svc, rec.ID, StateFunded, 2*time.Second)
	if rec.FundedAt == nil {
		t.Error("expected FundedAt to be set")
	}
}

// Funding confirmation times out; the sweep fails the escrow without
// any client action.
func TestSweeper_FundingTimeout(t *testing.T) {
	lg := ledger.NewMemoryLedger()
	lg.SetBalance(payer, "SOL", "1.0")
	lg.SetConfirmAfterPolls(100000)
	store := NewMemoryStore()
	svc := NewService(store, lg, nil, nil, testLogger()).
		WithTimeouts(30*time.Millisecond, 30*time.Millisecond)
	ctx := context.Background()

	rec, _ := svc.Create(ctx, CreateRequest{
		PayerAccount: payer, PayeeAccount: payee, Amount: "1.0", Currency: "SOL",
	})
	if _, err := svc.Fund(ctx, rec.ID, signedFunding(rec)); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	startSweeper(t, svc, store)

	rec = waitForState(t, svc, rec.ID, StateFailed, 2*time.Second)
	if rec.ResolvedAt == nil {
		t.Error("expected ResolvedAt to be set")
	}
}

// A release whose transfer never confirms rolls back to funded.
func TestSweeper_ReleaseTimeoutRevertsToFunded(t *testing.T) {
	lg := ledger.NewMemoryLedger()
	lg.SetBalance(payer, "SOL", "1.0")
	store := NewMemoryStore()
	svc := NewService(store, lg, nil, nil, testLogger()).
		WithTimeouts(time.Minute, 30*time.Millisecond)
	ctx := context.Background()

	rec, _ := svc.Create(ctx, CreateRequest{
		PayerAccount: payer, PayeeAccount: payee, Amount: "1.0", Currency: "SOL",
	})
	rec = fundAndConfirm(t, svc, rec)

	lg.SetConfirmAfterPolls(100000)
	if _, err := svc.RequestRelease(ctx, rec.ID, payer); err != nil {
		t.Fatalf("RequestRelease failed: %v", err)
	}

	startSweeper(t, svc, store)

	rec = waitForState(t, svc, rec.ID, StateFunded, 2*time.Second)
	if rec.PendingTxRef != "" {
		t.Error("expected pending transfer cleared after rollback")
	}
}

// A failed refund transfer is resubmitted by the sweep until it lands.
func TestSweeper_ResubmitsFailedRefund(t *testing.T) {
	lg := ledger.NewMemoryLedger()
	lg.SetBalance(payer, "SOL", "1.0")
	svc, store := newTestService(lg)
	ctx := context.Background()

	rec, _ := svc.Create(ctx, CreateRequest{
		PayerAccount: payer, PayeeAccount: payee, Amount: "1.0", Currency: "SOL",
	})
	rec = fundAndConfirm(t, svc, rec)

	// First refund transfer settles as failed; the sweep retries.
	lg.FailNextConfirm("node error")
	if _, err := svc.RequestCancel(ctx, rec.ID, payer); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	startSweeper(t, svc, store)

	rec = waitForState(t, svc, rec.ID, StateRefunded, 2*time.Second)
	if len(rec.LedgerTxRefs) != 3 {
		t.Errorf("expected 3 tx refs (fund, failed refund, refund), got %d", len(rec.LedgerTxRefs))
	}
	if bal, _ := lg.GetBalance(ctx, payer, "SOL"); bal != "1.000000000" {
		t.Errorf("expected payer balance restored, got %s", bal)
	}
}

// Cancelling mid-funding is reconciled by the sweep: the landed
// funding transfer is refunded to the payer.
func TestSweeper_ReconcilesCancelledFunding(t *testing.T) {
	lg := ledger.NewMemoryLedger()
	lg.SetBalance(payer, "SOL", "1.0")
	svc, store := newTestService(lg)
	ctx := context.Background()

	rec, _ := svc.Create(ctx, CreateRequest{
		PayerAccount: payer, PayeeAccount: payee, Amount: "1.0", Currency: "SOL",
	})
	if _, err := svc.Fund(ctx, rec.ID, signedFunding(rec)); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	if _, err := svc.RequestCancel(ctx, rec.ID, payer); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	startSweeper(t, svc, store)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fresh, err := svc.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if fresh.State == StateCancelled && fresh.PendingFingerprint == "" && len(fresh.LedgerTxRefs) == 2 {
			if bal, _ := lg.GetBalance(ctx, payer, "SOL"); bal != "1.000000000" {
				t.Errorf("expected payer balance restored, got %s", bal)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cancelled escrow was never reconciled")
}

func TestSweeper_StartStop(t *testing.T) {
	lg := ledger.NewMemoryLedger()
	svc, store := newTestService(lg)

	sw := NewSweeper(svc, store, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sw.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for !sw.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !sw.Running() {
		t.Fatal("sweeper never started")
	}

	sw.Stop()
	deadline = time.Now().Add(time.Second)
	for sw.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sw.Running() {
		t.Error("sweeper still running after Stop")
	}
}
