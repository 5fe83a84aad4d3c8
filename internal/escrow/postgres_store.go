package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/paylance/escrowd/internal/ledger"
	"github.com/paylance/escrowd/internal/pagination"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	refsJSON, _ := json.Marshal(r.LedgerTxRefs)
	if r.LedgerTxRefs == nil {
		refsJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, payer_account, payee_account, custody_account,
			amount, currency, requested_currency, conversion_tx_ref,
			state, ledger_tx_refs, pending_tx_ref, pending_fingerprint,
			deadline, release_requested_by, payer_approved,
			created_at, funded_at, resolved_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4,
			$5::NUMERIC(30,18), $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15,
			$16, $17, $18, $19, $20
		)`,
		r.ID, r.PayerAccount, r.PayeeAccount, r.CustodyAccount,
		r.Amount, r.Currency, nullString(r.RequestedCurrency), nullString(r.ConversionTxRef),
		string(r.State), refsJSON, nullString(string(r.PendingTxRef)), nullString(r.PendingFingerprint),
		nullTime(r.Deadline), nullString(r.ReleaseRequestedBy), r.PayerApproved,
		r.CreatedAt, nullTime(r.FundedAt), nullTime(r.ResolvedAt), r.UpdatedAt, r.Version,
	)
	return err
}

const escrowColumns = `id, payer_account, payee_account, custody_account,
		       amount, currency, requested_currency, conversion_tx_ref,
		       state, ledger_tx_refs, pending_tx_ref, pending_fingerprint,
		       deadline, release_requested_by, payer_approved,
		       created_at, funded_at, resolved_at, updated_at, version`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// Update writes the record only if the stored version matches,
// enforcing single-writer-per-record across processes.
func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	refsJSON, _ := json.Marshal(r.LedgerTxRefs)
	if r.LedgerTxRefs == nil {
		refsJSON = []byte("[]")
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			amount = $1::NUMERIC(30,18), conversion_tx_ref = $2,
			state = $3, ledger_tx_refs = $4,
			pending_tx_ref = $5, pending_fingerprint = $6, deadline = $7,
			release_requested_by = $8, payer_approved = $9,
			funded_at = $10, resolved_at = $11, updated_at = $12,
			version = version + 1
		WHERE id = $13 AND version = $14`,
		r.Amount, nullString(r.ConversionTxRef),
		string(r.State), refsJSON,
		nullString(string(r.PendingTxRef)), nullString(r.PendingFingerprint), nullTime(r.Deadline),
		nullString(r.ReleaseRequestedBy), r.PayerApproved,
		nullTime(r.FundedAt), nullTime(r.ResolvedAt), r.UpdatedAt,
		r.ID, r.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the row is gone or someone else advanced it.
		var exists bool
		if qerr := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, r.ID).Scan(&exists); qerr == nil && !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, account string, limit int, cursor *pagination.Cursor) ([]*Record, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE (payer_account = $1 OR payee_account = $1)`
	args := []interface{}{account}

	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}

	query += fmt.Sprintf(`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListUnresolved(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE (state IN ('funding', 'release_requested', 'cancel_requested')
		       AND (pending_tx_ref IS NOT NULL OR deadline IS NOT NULL))
		   OR (state = 'cancelled' AND pending_fingerprint IS NOT NULL)
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListHeld(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state IN ('funded', 'release_requested', 'cancel_requested')
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		requestedCurrency  sql.NullString
		conversionTxRef    sql.NullString
		state              string
		refsJSON           []byte
		pendingTxRef       sql.NullString
		pendingFingerprint sql.NullString
		deadline           sql.NullTime
		releaseRequestedBy sql.NullString
		fundedAt           sql.NullTime
		resolvedAt         sql.NullTime
	)

	err := s.Scan(
		&r.ID, &r.PayerAccount, &r.PayeeAccount, &r.CustodyAccount,
		&r.Amount, &r.Currency, &requestedCurrency, &conversionTxRef,
		&state, &refsJSON, &pendingTxRef, &pendingFingerprint,
		&deadline, &releaseRequestedBy, &r.PayerApproved,
		&r.CreatedAt, &fundedAt, &resolvedAt, &r.UpdatedAt, &r.Version,
	)
	if err != nil {
		return nil, err
	}

	r.State = State(state)
	r.RequestedCurrency = requestedCurrency.String
	r.ConversionTxRef = conversionTxRef.String
	r.PendingTxRef = ledger.TxRef(pendingTxRef.String)
	r.PendingFingerprint = pendingFingerprint.String
	r.ReleaseRequestedBy = releaseRequestedBy.String
	if deadline.Valid {
		r.Deadline = &deadline.Time
	}
	if fundedAt.Valid {
		r.FundedAt = &fundedAt.Time
	}
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	if len(refsJSON) > 0 {
		_ = json.Unmarshal(refsJSON, &r.LedgerTxRefs)
	}

	return r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
