// Package convert adapts an external token-swap service into the
// escrow funding flow.
//
// Conversion happens before an escrow is funded: the payer's offered
// currency is swapped into the payee's settlement currency, and only a
// successful swap lets funding proceed. From the state machine's point
// of view the step is atomic: on any failure the escrow stays unfunded.
package convert

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConversionFailed covers any downstream swap failure.
	ErrConversionFailed = errors.New("convert: conversion failed")
	// ErrQuoteExpired means the rate quote aged past the tolerance
	// window before execution. Not retryable with the same quote.
	ErrQuoteExpired = errors.New("convert: rate quote expired")
)

// Result is a completed conversion.
type Result struct {
	ReceivedAmount string `json:"receivedAmount"`
	TxRef          string `json:"txRef"`
}

// Quote is a rate offer from the conversion service.
type Quote struct {
	ID           string    `json:"id"`
	FromCurrency string    `json:"fromCurrency"`
	ToCurrency   string    `json:"toCurrency"`
	Rate         string    `json:"rate"`
	ObtainedAt   time.Time `json:"obtainedAt"`
}

// Converter swaps an amount from one currency into another.
type Converter interface {
	Convert(ctx context.Context, fromCurrency, toCurrency, amount string) (*Result, error)
}

// PairKey returns the circuit-breaker / metrics key for a currency pair.
func PairKey(from, to string) string {
	return fmt.Sprintf("%s/%s", from, to)
}
