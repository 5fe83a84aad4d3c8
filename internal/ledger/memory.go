package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/paylance/escrowd/internal/amount"
	"github.com/paylance/escrowd/internal/idgen"
)

// MemoryLedger is an in-process ledger for demo mode and tests.
//
// Transfers are pending when submitted; balances move on the poll that
// reports the transfer confirmed. This mirrors the eventually-consistent
// behavior of a real chain closely enough for the state machine's tests.
type MemoryLedger struct {
	mu        sync.Mutex
	balances  map[string]map[string]*big.Int // account -> currency -> smallest units
	transfers map[TxRef]*memTransfer

	// confirmAfterPolls is how many GetConfirmation calls a transfer
	// stays pending before settling. Default 1 (confirm on first poll).
	confirmAfterPolls int

	// failNextSubmit, when set, causes the next submission to be
	// rejected with the given message.
	failNextSubmit string

	// failNextConfirm, when set, causes the next transfer to settle as
	// failed instead of confirmed.
	failNextConfirm string
}

type memTransfer struct {
	from, to  string
	units     *big.Int
	currency  string
	status    Status
	errMsg    string
	pollsLeft int
}

// NewMemoryLedger creates an empty in-process ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:          make(map[string]map[string]*big.Int),
		transfers:         make(map[TxRef]*memTransfer),
		confirmAfterPolls: 1,
	}
}

// SetBalance seeds an account balance (decimal string).
func (m *MemoryLedger) SetBalance(account, currency, amt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	units, ok := amount.Parse(amt, currency)
	if !ok {
		return
	}
	m.account(account)[normalizeCurrency(currency)] = units
}

// SetConfirmAfterPolls controls how many polls a transfer stays pending.
func (m *MemoryLedger) SetConfirmAfterPolls(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 1 {
		n = 1
	}
	m.confirmAfterPolls = n
}

// FailNextSubmit makes the next submission return ErrRejected.
func (m *MemoryLedger) FailNextSubmit(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextSubmit = msg
}

// FailNextConfirm makes the next submitted transfer settle as failed.
func (m *MemoryLedger) FailNextConfirm(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextConfirm = msg
}

func (m *MemoryLedger) account(acct string) map[string]*big.Int {
	if m.balances[acct] == nil {
		m.balances[acct] = make(map[string]*big.Int)
	}
	return m.balances[acct]
}

func (m *MemoryLedger) SubmitTransfer(ctx context.Context, from, to, amt, currency string) (TxRef, error) {
	return m.submit(from, to, amt, currency, true)
}

func (m *MemoryLedger) SubmitSignedTransfer(ctx context.Context, t SignedTransfer) (TxRef, error) {
	if t.Signature == "" {
		return "", &TransferError{Op: "submit_signed", Err: fmt.Errorf("%w: missing signature", ErrRejected)}
	}
	return m.submit(t.From, t.To, t.Amount, t.Currency, true)
}

func (m *MemoryLedger) submit(from, to, amt, currency string, checkBalance bool) (TxRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNextSubmit != "" {
		msg := m.failNextSubmit
		m.failNextSubmit = ""
		return "", &TransferError{Op: "submit", Err: fmt.Errorf("%w: %s", ErrRejected, msg)}
	}

	cur := normalizeCurrency(currency)
	units, ok := amount.Parse(amt, cur)
	if !ok || units.Sign() <= 0 {
		return "", &TransferError{Op: "submit", Err: fmt.Errorf("%w: bad amount %q", ErrRejected, amt)}
	}

	if checkBalance {
		bal := m.account(from)[cur]
		if bal == nil || bal.Cmp(units) < 0 {
			return "", &TransferError{Op: "submit", Err: ErrInsufficientFunds}
		}
	}

	tx := &memTransfer{
		from:      from,
		to:        to,
		units:     units,
		currency:  cur,
		status:    StatusPending,
		pollsLeft: m.confirmAfterPolls,
	}
	if m.failNextConfirm != "" {
		tx.errMsg = m.failNextConfirm
		m.failNextConfirm = ""
	}

	ref := TxRef(idgen.WithPrefix("tx_"))
	m.transfers[ref] = tx
	return ref, nil
}

func (m *MemoryLedger) GetConfirmation(ctx context.Context, ref TxRef) (Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transfers[ref]
	if !ok {
		return Confirmation{}, ErrUnknownTx
	}

	if tx.status == StatusPending {
		tx.pollsLeft--
		if tx.pollsLeft <= 0 {
			m.settle(tx)
		}
	}

	return Confirmation{Status: tx.status, Error: tx.errMsg}, nil
}

// settle finalizes a pending transfer, moving balances on success.
// Callers must hold m.mu.
func (m *MemoryLedger) settle(tx *memTransfer) {
	if tx.errMsg != "" {
		tx.status = StatusFailed
		return
	}

	fromBal := m.account(tx.from)[tx.currency]
	if fromBal == nil || fromBal.Cmp(tx.units) < 0 {
		tx.status = StatusFailed
		tx.errMsg = "insufficient funds at settlement"
		return
	}

	m.account(tx.from)[tx.currency] = new(big.Int).Sub(fromBal, tx.units)
	toBal := m.account(tx.to)[tx.currency]
	if toBal == nil {
		toBal = big.NewInt(0)
	}
	m.account(tx.to)[tx.currency] = new(big.Int).Add(toBal, tx.units)
	tx.status = StatusConfirmed
}

func (m *MemoryLedger) GetBalance(ctx context.Context, acct, currency string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := normalizeCurrency(currency)
	bal := m.account(acct)[cur]
	return amount.Format(bal, cur), nil
}

func normalizeCurrency(c string) string {
	return strings.ToUpper(c)
}

// Compile-time assertion that MemoryLedger implements Client.
var _ Client = (*MemoryLedger)(nil)
