package reconciliation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/paylance/escrowd/internal/escrow"
	"github.com/paylance/escrowd/internal/ledger"
)

const custody = "0xcccc000000000000000000000000000000000001"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func heldRecord(id, amt, currency string, state escrow.State) *escrow.Record {
	now := time.Now().UTC()
	return &escrow.Record{
		ID:             id,
		PayerAccount:   "0xaaaa000000000000000000000000000000000001",
		PayeeAccount:   "0xbbbb000000000000000000000000000000000002",
		CustodyAccount: custody,
		Amount:         amt,
		Currency:       currency,
		State:          state,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
}

func TestRunAll_Covered(t *testing.T) {
	store := escrow.NewMemoryStore()
	ml := ledger.NewMemoryLedger()
	ctx := context.Background()

	for i, rec := range []*escrow.Record{
		heldRecord("esc_a", "10", "USDC", escrow.StateFunded),
		heldRecord("esc_b", "5.5", "USDC", escrow.StateReleaseRequested),
		heldRecord("esc_c", "4.5", "USDC", escrow.StateCancelRequested),
	} {
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}
	ml.SetBalance(custody, "USDC", "20")

	report, err := NewRunner(store, ml, testLogger()).RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if !report.Healthy {
		t.Error("expected healthy report")
	}
	if report.Shortfalls != 0 {
		t.Errorf("expected 0 shortfalls, got %d", report.Shortfalls)
	}
	if len(report.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(report.Results))
	}
	res := report.Results[0]
	if res.Escrows != 3 {
		t.Errorf("expected 3 escrows counted, got %d", res.Escrows)
	}
	if !res.Covered {
		t.Errorf("expected covered, liability=%s balance=%s", res.Liability, res.Balance)
	}
}

func TestRunAll_Shortfall(t *testing.T) {
	store := escrow.NewMemoryStore()
	ml := ledger.NewMemoryLedger()
	ctx := context.Background()

	if err := store.Create(ctx, heldRecord("esc_a", "10", "USDC", escrow.StateFunded)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	ml.SetBalance(custody, "USDC", "7")

	report, err := NewRunner(store, ml, testLogger()).RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if report.Healthy {
		t.Error("expected unhealthy report")
	}
	if report.Shortfalls != 1 {
		t.Errorf("expected 1 shortfall, got %d", report.Shortfalls)
	}
	res := report.Results[0]
	if res.Covered {
		t.Error("expected shortfall to be flagged")
	}
	if res.Shortfall != "3.000000" {
		t.Errorf("expected shortfall 3.000000, got %s", res.Shortfall)
	}
}

func TestRunAll_IgnoresResolvedAndUnfunded(t *testing.T) {
	store := escrow.NewMemoryStore()
	ml := ledger.NewMemoryLedger()
	ctx := context.Background()

	for _, rec := range []*escrow.Record{
		heldRecord("esc_created", "10", "USDC", escrow.StateCreated),
		heldRecord("esc_funding", "10", "USDC", escrow.StateFunding),
		heldRecord("esc_released", "10", "USDC", escrow.StateReleased),
		heldRecord("esc_refunded", "10", "USDC", escrow.StateRefunded),
	} {
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	report, err := NewRunner(store, ml, testLogger()).RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if len(report.Results) != 0 {
		t.Errorf("expected no results for unheld escrows, got %d", len(report.Results))
	}
	if !report.Healthy {
		t.Error("expected healthy report with nothing held")
	}
}

func TestRunAll_GroupsByCurrency(t *testing.T) {
	store := escrow.NewMemoryStore()
	ml := ledger.NewMemoryLedger()
	ctx := context.Background()

	for _, rec := range []*escrow.Record{
		heldRecord("esc_usdc", "10", "USDC", escrow.StateFunded),
		heldRecord("esc_sol", "2", "SOL", escrow.StateFunded),
	} {
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	ml.SetBalance(custody, "USDC", "10")
	// SOL balance left at zero: one covered, one short.

	report, err := NewRunner(store, ml, testLogger()).RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if len(report.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(report.Results))
	}
	if report.Shortfalls != 1 {
		t.Errorf("expected 1 shortfall, got %d", report.Shortfalls)
	}
	// Results are sorted by custody then currency: SOL before USDC.
	if report.Results[0].Currency != "SOL" || report.Results[0].Covered {
		t.Errorf("expected uncovered SOL first, got %+v", report.Results[0])
	}
	if report.Results[1].Currency != "USDC" || !report.Results[1].Covered {
		t.Errorf("expected covered USDC second, got %+v", report.Results[1])
	}
}

func TestTimerStops(t *testing.T) {
	store := escrow.NewMemoryStore()
	ml := ledger.NewMemoryLedger()
	runner := NewRunner(store, ml, testLogger())

	timer := NewTimer(runner, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if !timer.Running() {
		t.Error("expected timer to be running")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop after context cancellation")
	}
	if timer.Running() {
		t.Error("expected timer to report stopped")
	}
}
