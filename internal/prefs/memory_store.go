package prefs

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory preference store for demo/development mode.
type MemoryStore struct {
	mu    sync.RWMutex
	prefs map[string]*Preference
}

// NewMemoryStore creates a new in-memory preference store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prefs: make(map[string]*Preference)}
}

func (m *MemoryStore) Get(ctx context.Context, account string) (*Preference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pref, ok := m.prefs[account]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pref
	return &cp, nil
}

func (m *MemoryStore) Set(ctx context.Context, account, currency string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prefs[account] = &Preference{
		Account:   account,
		Currency:  currency,
		UpdatedAt: time.Now(),
	}
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
