//go:build integration

package prefs

import (
	"context"
	"testing"

	"github.com/paylance/escrowd/internal/testutil"
)

func TestPostgresStore_SetAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	account := "0xpref000000000000000000000000000000000001"

	if err := store.Set(ctx, account, "SOL"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	pref, err := store.Get(ctx, account)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if pref.Currency != "SOL" {
		t.Errorf("Currency: got %s, want SOL", pref.Currency)
	}
	if pref.Account != account {
		t.Errorf("Account: got %s, want %s", pref.Account, account)
	}
}

func TestPostgresStore_SetOverwrites(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	account := "0xpref000000000000000000000000000000000002"

	if err := store.Set(ctx, account, "SOL"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set(ctx, account, "ETH"); err != nil {
		t.Fatalf("Second set failed: %v", err)
	}

	pref, err := store.Get(ctx, account)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if pref.Currency != "ETH" {
		t.Errorf("Currency: got %s, want ETH", pref.Currency)
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	if _, err := store.Get(context.Background(), "0xnobody"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
