package escrow

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/paylance/escrowd/internal/ledger"
	"github.com/paylance/escrowd/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Record),
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[rec.ID] = copyRecord(rec)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

// Update replaces the stored record if the caller's version matches,
// mirroring the version-checked UPDATE of the Postgres store.
func (m *MemoryStore) Update(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != rec.Version {
		return ErrVersionConflict
	}
	cp := copyRecord(rec)
	cp.Version++
	m.escrows[rec.ID] = cp
	return nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, account string, limit int, cursor *pagination.Cursor) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []*Record
	for _, rec := range m.escrows {
		if strings.EqualFold(rec.PayerAccount, account) || strings.EqualFold(rec.PayeeAccount, account) {
			matches = append(matches, rec)
		}
	}

	// Newest first, ID as tiebreaker, matching the Postgres ordering.
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID > matches[j].ID
	})

	var result []*Record
	for _, rec := range matches {
		if cursor != nil && !beforeCursor(rec, cursor) {
			continue
		}
		result = append(result, copyRecord(rec))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// beforeCursor reports whether rec sorts strictly after the cursor
// position in the newest-first ordering.
func beforeCursor(rec *Record, c *pagination.Cursor) bool {
	if !rec.CreatedAt.Equal(c.CreatedAt) {
		return rec.CreatedAt.Before(c.CreatedAt)
	}
	return rec.ID < c.ID
}

func (m *MemoryStore) ListUnresolved(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.escrows {
		if needsSweep(rec) {
			result = append(result, copyRecord(rec))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListHeld(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.escrows {
		switch rec.State {
		case StateFunded, StateReleaseRequested, StateCancelRequested:
			result = append(result, copyRecord(rec))
			if len(result) >= limit {
				return result, nil
			}
		}
	}
	return result, nil
}

// needsSweep matches the WHERE clause of the Postgres ListUnresolved.
func needsSweep(rec *Record) bool {
	switch rec.State {
	case StateFunding, StateReleaseRequested, StateCancelRequested:
		return rec.PendingTxRef != "" || rec.Deadline != nil
	case StateCancelled:
		// Cancelled mid-funding with a transfer still to reconcile.
		return rec.PendingFingerprint != ""
	}
	return false
}

// copyRecord deep-copies a record so callers cannot mutate stored
// state through shared slice backing arrays.
func copyRecord(rec *Record) *Record {
	cp := *rec
	if rec.LedgerTxRefs != nil {
		cp.LedgerTxRefs = make([]ledger.TxRef, len(rec.LedgerTxRefs))
		copy(cp.LedgerTxRefs, rec.LedgerTxRefs)
	}
	if rec.Deadline != nil {
		d := *rec.Deadline
		cp.Deadline = &d
	}
	if rec.FundedAt != nil {
		t := *rec.FundedAt
		cp.FundedAt = &t
	}
	if rec.ResolvedAt != nil {
		t := *rec.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
