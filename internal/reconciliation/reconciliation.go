// Package reconciliation compares custody balances against escrow liabilities.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/paylance/escrowd/internal/amount"
	"github.com/paylance/escrowd/internal/escrow"
	"github.com/paylance/escrowd/internal/ledger"
)

const defaultBatchSize = 500

// CurrencyResult holds the outcome of one custody/currency check.
type CurrencyResult struct {
	CustodyAccount string `json:"custodyAccount"`
	Currency       string `json:"currency"`
	Liability      string `json:"liability"`
	Balance        string `json:"balance"`
	Shortfall      string `json:"shortfall"`
	Covered        bool   `json:"covered"`
	Escrows        int    `json:"escrows"`
}

// Report summarizes a reconciliation run.
type Report struct {
	Results    []CurrencyResult `json:"results"`
	Shortfalls int              `json:"shortfalls"`
	Healthy    bool             `json:"healthy"`
	DurationMs int64            `json:"durationMs"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Runner sums the amounts of escrows whose funds sit in custody and
// verifies each custody account's ledger balance covers them.
type Runner struct {
	store  escrow.Store
	ledger ledger.Client
	logger *slog.Logger
	batch  int
}

// NewRunner creates a reconciliation runner.
func NewRunner(store escrow.Store, lc ledger.Client, logger *slog.Logger) *Runner {
	return &Runner{
		store:  store,
		ledger: lc,
		logger: logger,
		batch:  defaultBatchSize,
	}
}

type holdingKey struct {
	custody  string
	currency string
}

type holding struct {
	total   *big.Int
	escrows int
}

// RunAll performs a full reconciliation pass and returns the report.
// In-flight releases and refunds are counted as liabilities until they
// confirm, so a transfer settling between the store read and the
// balance read can show as a transient shortfall.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()

	held, err := r.store.ListHeld(ctx, r.batch)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list held escrows: %w", err)
	}

	holdings := make(map[holdingKey]*holding)
	for _, rec := range held {
		units, ok := amount.Parse(rec.Amount, rec.Currency)
		if !ok {
			reconcileErrors.Inc()
			r.logger.Error("unparseable escrow amount",
				"escrowId", rec.ID, "amount", rec.Amount, "currency", rec.Currency)
			continue
		}
		key := holdingKey{custody: rec.CustodyAccount, currency: rec.Currency}
		h := holdings[key]
		if h == nil {
			h = &holding{total: new(big.Int)}
			holdings[key] = h
		}
		h.total.Add(h.total, units)
		h.escrows++
	}

	report := &Report{
		Results:   make([]CurrencyResult, 0, len(holdings)),
		Healthy:   true,
		Timestamp: start.UTC(),
	}

	for key, h := range holdings {
		balStr, err := r.ledger.GetBalance(ctx, key.custody, key.currency)
		if err != nil {
			reconcileErrors.Inc()
			r.logger.Warn("failed to read custody balance",
				"custody", key.custody, "currency", key.currency, "error", err)
			continue
		}
		bal, ok := amount.Parse(balStr, key.currency)
		if !ok {
			reconcileErrors.Inc()
			r.logger.Error("unparseable custody balance",
				"custody", key.custody, "currency", key.currency, "balance", balStr)
			continue
		}

		shortfall := new(big.Int).Sub(h.total, bal)
		covered := shortfall.Sign() <= 0
		if !covered {
			report.Shortfalls++
			report.Healthy = false
			r.logger.Warn("custody shortfall detected",
				"custody", key.custody,
				"currency", key.currency,
				"liability", amount.Format(h.total, key.currency),
				"balance", balStr,
				"shortfall", amount.Format(shortfall, key.currency),
			)
		} else {
			shortfall.SetInt64(0)
		}

		report.Results = append(report.Results, CurrencyResult{
			CustodyAccount: key.custody,
			Currency:       key.currency,
			Liability:      amount.Format(h.total, key.currency),
			Balance:        balStr,
			Shortfall:      amount.Format(shortfall, key.currency),
			Covered:        covered,
			Escrows:        h.escrows,
		})
	}

	sort.Slice(report.Results, func(i, j int) bool {
		a, b := report.Results[i], report.Results[j]
		if a.CustodyAccount != b.CustodyAccount {
			return a.CustodyAccount < b.CustodyAccount
		}
		return a.Currency < b.Currency
	})

	elapsed := time.Since(start)
	report.DurationMs = elapsed.Milliseconds()

	reconcileShortfalls.Set(float64(report.Shortfalls))
	reconcileHeldEscrows.Set(float64(len(held)))
	reconcileDuration.Observe(elapsed.Seconds())

	return report, nil
}
