// Package prefs resolves a payee's preferred settlement currency.
//
// Lookups are pure reads and cheap to cache; the service keeps a
// short-TTL cache in front of the store and falls back to the
// platform's base currency when no preference is recorded.
package prefs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotFound means no preference is recorded for the account.
var ErrNotFound = errors.New("prefs: no preference recorded")

// Preference is a recorded settlement-currency choice.
type Preference struct {
	Account   string    `json:"account"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists currency preferences.
type Store interface {
	Get(ctx context.Context, account string) (*Preference, error)
	Set(ctx context.Context, account, currency string) error
}

type cacheEntry struct {
	currency string
	expires  time.Time
}

// Service resolves preferred currencies with a TTL cache.
type Service struct {
	store        Store
	baseCurrency string
	ttl          time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry

	// now is swappable for TTL tests.
	now func() time.Time
}

// NewService creates a preference service. baseCurrency is returned for
// accounts with no recorded preference.
func NewService(store Store, baseCurrency string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{
		store:        store,
		baseCurrency: strings.ToUpper(baseCurrency),
		ttl:          ttl,
		cache:        make(map[string]cacheEntry),
		now:          time.Now,
	}
}

// PreferredCurrency returns the account's preferred settlement currency,
// or the platform base currency when none is recorded.
func (s *Service) PreferredCurrency(ctx context.Context, account string) (string, error) {
	s.mu.RLock()
	entry, ok := s.cache[account]
	s.mu.RUnlock()
	if ok && s.now().Before(entry.expires) {
		return entry.currency, nil
	}

	pref, err := s.store.Get(ctx, account)
	currency := s.baseCurrency
	switch {
	case err == nil:
		currency = pref.Currency
	case errors.Is(err, ErrNotFound):
		// keep the default
	default:
		return "", err
	}

	s.mu.Lock()
	s.cache[account] = cacheEntry{currency: currency, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()

	return currency, nil
}

// SetPreferred records a preference and refreshes the cache.
func (s *Service) SetPreferred(ctx context.Context, account, currency string) error {
	currency = strings.ToUpper(currency)
	if err := s.store.Set(ctx, account, currency); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[account] = cacheEntry{currency: currency, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

// BaseCurrency returns the platform default settlement currency.
func (s *Service) BaseCurrency() string {
	return s.baseCurrency
}
