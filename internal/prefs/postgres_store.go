package prefs

import (
	"context"
	"database/sql"
)

// PostgresStore persists currency preferences in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed preference store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, account string) (*Preference, error) {
	pref := &Preference{Account: account}
	err := p.db.QueryRowContext(ctx, `
		SELECT currency, updated_at
		FROM account_preferences
		WHERE account = $1
	`, account).Scan(&pref.Currency, &pref.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pref, nil
}

func (p *PostgresStore) Set(ctx context.Context, account, currency string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO account_preferences (account, currency, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account) DO UPDATE SET
			currency   = EXCLUDED.currency,
			updated_at = NOW()
	`, account, currency)
	return err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
