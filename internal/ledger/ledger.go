// Package ledger abstracts the external value-transfer ledger.
//
// The escrow core treats the ledger as an opaque, eventually-confirming
// service: it submits transfer instructions, then polls for finality.
// Two implementations are provided: an in-process ledger for demo mode
// and tests, and an EVM chain client for production settlement.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrRejected          = errors.New("ledger: transfer rejected")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrUnknownTx         = errors.New("ledger: unknown transaction reference")
	ErrUnknownCurrency   = errors.New("ledger: unsupported currency")
)

// TxRef is an opaque external transaction reference.
type TxRef string

// Status of a submitted transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Confirmation is the ledger's view of a submitted transfer.
type Confirmation struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SignedTransfer is a payer-authorized funding instruction. The
// signature is scoped to exactly this from/to/amount/currency tuple;
// the escrow core never sees a general-purpose signing capability.
type SignedTransfer struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Signature string `json:"signature"`
}

// Client is the ledger boundary used by the escrow state machine.
type Client interface {
	// SubmitTransfer submits a custodian-signed transfer. From must be
	// an account the client controls (the custody account).
	SubmitTransfer(ctx context.Context, from, to, amount, currency string) (TxRef, error)

	// SubmitSignedTransfer broadcasts a payer-signed transfer (funding).
	SubmitSignedTransfer(ctx context.Context, t SignedTransfer) (TxRef, error)

	// GetConfirmation reports whether a submitted transfer reached
	// finality. Safe to call repeatedly; pending means poll again.
	GetConfirmation(ctx context.Context, ref TxRef) (Confirmation, error)

	// GetBalance reads an account's balance as a decimal string.
	GetBalance(ctx context.Context, account, currency string) (string, error)
}

// TransferError wraps a ledger failure with operation context.
type TransferError struct {
	Op    string // operation that failed
	TxRef TxRef  // transaction reference if available
	Err   error
}

func (e *TransferError) Error() string {
	if e.TxRef != "" {
		return fmt.Sprintf("ledger: %s failed (tx: %s): %v", e.Op, e.TxRef, e.Err)
	}
	return fmt.Sprintf("ledger: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
