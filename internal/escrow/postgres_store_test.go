//go:build integration

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/paylance/escrowd/internal/ledger"
	"github.com/paylance/escrowd/internal/pagination"
	"github.com/paylance/escrowd/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func testRecord(id string, now time.Time) *Record {
	return &Record{
		ID:             id,
		PayerAccount:   "0xpayer000000000000000000000000000000000001",
		PayeeAccount:   "0xpayee000000000000000000000000000000000001",
		CustodyAccount: "cus_" + id,
		Amount:         "2.000000000000000000",
		Currency:       "SOL",
		State:          StateCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	r := testRecord("esc_pgtest001", now)
	r.RequestedCurrency = "USDC"
	r.ConversionTxRef = "conv_1"

	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "esc_pgtest001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got.ID != r.ID {
		t.Errorf("ID: got %s, want %s", got.ID, r.ID)
	}
	if got.PayerAccount != r.PayerAccount {
		t.Errorf("PayerAccount: got %s, want %s", got.PayerAccount, r.PayerAccount)
	}
	if got.Amount != r.Amount {
		t.Errorf("Amount: got %s, want %s", got.Amount, r.Amount)
	}
	if got.RequestedCurrency != "USDC" {
		t.Errorf("RequestedCurrency: got %s, want USDC", got.RequestedCurrency)
	}
	if got.ConversionTxRef != "conv_1" {
		t.Errorf("ConversionTxRef: got %s, want conv_1", got.ConversionTxRef)
	}
	if got.State != StateCreated {
		t.Errorf("State: got %s, want %s", got.State, StateCreated)
	}
	if got.Version != 1 {
		t.Errorf("Version: got %d, want 1", got.Version)
	}
	if got.Deadline != nil {
		t.Errorf("Deadline should be nil, got %v", got.Deadline)
	}
	if got.FundedAt != nil {
		t.Errorf("FundedAt should be nil, got %v", got.FundedAt)
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := store.Get(context.Background(), "esc_nonexistent")
	if err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_Update(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	r := testRecord("esc_pgtest002", now)
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	deadline := now.Add(5 * time.Minute).Truncate(time.Microsecond)
	r.State = StateFunding
	r.PendingTxRef = "tx_abc"
	r.PendingFingerprint = r.ID + ":funded"
	r.LedgerTxRefs = []ledger.TxRef{"tx_abc"}
	r.Deadline = &deadline
	r.UpdatedAt = now.Add(time.Second)

	if err := store.Update(ctx, r); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get after update failed: %v", err)
	}

	if got.State != StateFunding {
		t.Errorf("State: got %s, want %s", got.State, StateFunding)
	}
	if got.PendingTxRef != "tx_abc" {
		t.Errorf("PendingTxRef: got %s, want tx_abc", got.PendingTxRef)
	}
	if got.PendingFingerprint != r.ID+":funded" {
		t.Errorf("PendingFingerprint: got %s", got.PendingFingerprint)
	}
	if len(got.LedgerTxRefs) != 1 || got.LedgerTxRefs[0] != "tx_abc" {
		t.Errorf("LedgerTxRefs: got %v", got.LedgerTxRefs)
	}
	if got.Deadline == nil {
		t.Error("Deadline should not be nil after update")
	}
	if got.Version != 2 {
		t.Errorf("Version: got %d, want 2", got.Version)
	}
}

func TestPostgresStore_UpdateVersionConflict(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	r := testRecord("esc_pgtest003", now)
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	stale := *r
	r.State = StateFunding
	if err := store.Update(ctx, r); err != nil {
		t.Fatalf("First update failed: %v", err)
	}

	// The stale copy still carries version 1.
	stale.State = StateCancelled
	if err := store.Update(ctx, &stale); err != ErrVersionConflict {
		t.Errorf("Expected ErrVersionConflict, got %v", err)
	}
}

func TestPostgresStore_UpdateNotFound(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	r := testRecord("esc_nonexistent", time.Now())
	if err := store.Update(context.Background(), r); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_ListByAccount(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)
	account := "0xlist000000000000000000000000000000000001"

	a := testRecord("esc_list_a", now)
	a.PayerAccount = account
	b := testRecord("esc_list_b", now.Add(time.Second))
	b.PayerAccount = account
	c := testRecord("esc_list_c", now.Add(2*time.Second))
	c.PayeeAccount = account
	d := testRecord("esc_list_d", now.Add(3*time.Second))

	for _, r := range []*Record{a, b, c, d} {
		r.CreatedAt = r.CreatedAt.Truncate(time.Microsecond)
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create %s failed: %v", r.ID, err)
		}
	}

	results, err := store.ListByAccount(ctx, account, 10, nil)
	if err != nil {
		t.Fatalf("ListByAccount failed: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("Expected 3 results, got %d", len(results))
	}

	// Test limit, newest first
	results, err = store.ListByAccount(ctx, account, 2, nil)
	if err != nil {
		t.Fatalf("ListByAccount with limit failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results with limit, got %d", len(results))
	}
	if results[0].ID != "esc_list_c" {
		t.Errorf("Expected newest first, got %s", results[0].ID)
	}

	// Resume from the end of the first page
	cursor := &pagination.Cursor{CreatedAt: results[1].CreatedAt, ID: results[1].ID}
	results, err = store.ListByAccount(ctx, account, 10, cursor)
	if err != nil {
		t.Fatalf("ListByAccount with cursor failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result after cursor, got %d", len(results))
	}
	if results[0].ID != "esc_list_a" {
		t.Errorf("Expected oldest record after cursor, got %s", results[0].ID)
	}
}

func TestPostgresStore_ListHeld(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	funded := testRecord("esc_held_a", now)
	funded.State = StateFunded
	releasing := testRecord("esc_held_b", now.Add(time.Second))
	releasing.State = StateReleaseRequested
	created := testRecord("esc_held_c", now.Add(2*time.Second))
	released := testRecord("esc_held_d", now.Add(3*time.Second))
	released.State = StateReleased

	for _, r := range []*Record{funded, releasing, created, released} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create %s failed: %v", r.ID, err)
		}
	}

	results, err := store.ListHeld(ctx, 10)
	if err != nil {
		t.Fatalf("ListHeld failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 held escrows, got %d", len(results))
	}
	for _, r := range results {
		if r.State != StateFunded && r.State != StateReleaseRequested {
			t.Errorf("Unexpected state %s in held results", r.State)
		}
	}
}

func TestPostgresStore_ListUnresolved(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)
	deadline := now.Add(5 * time.Minute)

	// Funding with a pending transfer: swept.
	a := testRecord("esc_unres_a", now)
	a.State = StateFunding
	a.PendingTxRef = "tx_a"
	a.Deadline = &deadline

	// Release requested with no pending transfer: parked, not swept.
	b := testRecord("esc_unres_b", now)
	b.State = StateReleaseRequested

	// Cancelled with a funding fingerprint still to reconcile: swept.
	c := testRecord("esc_unres_c", now)
	c.State = StateCancelled
	c.PendingFingerprint = "esc_unres_c:funded"

	// Terminal without leftovers: not swept.
	d := testRecord("esc_unres_d", now)
	d.State = StateReleased

	for _, r := range []*Record{a, b, c, d} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create %s failed: %v", r.ID, err)
		}
	}

	results, err := store.ListUnresolved(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnresolved failed: %v", err)
	}

	ids := make(map[string]bool)
	for _, r := range results {
		ids[r.ID] = true
	}
	if len(results) != 2 || !ids["esc_unres_a"] || !ids["esc_unres_c"] {
		t.Errorf("Expected esc_unres_a and esc_unres_c, got %v", ids)
	}
}
