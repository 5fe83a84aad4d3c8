package convert

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/paylance/escrowd/internal/amount"
	"github.com/paylance/escrowd/internal/idgen"
)

// FixedRateConverter converts with static rates. Used in demo mode and
// tests where no external swap service is configured.
type FixedRateConverter struct {
	mu    sync.RWMutex
	rates map[string]*big.Rat // "FROM/TO" -> rate
	fail  error               // when set, every Convert returns this
}

// NewFixedRateConverter creates a converter with a small default rate
// table. Rates are illustrative, not market data.
func NewFixedRateConverter() *FixedRateConverter {
	c := &FixedRateConverter{rates: make(map[string]*big.Rat)}
	c.SetRate("USDC", "SOL", "0.005")
	c.SetRate("SOL", "USDC", "200")
	c.SetRate("USDC", "USDT", "1")
	c.SetRate("USDT", "USDC", "1")
	return c
}

// SetRate sets the conversion rate for a pair (decimal string).
func (c *FixedRateConverter) SetRate(from, to, rate string) {
	r, ok := new(big.Rat).SetString(rate)
	if !ok {
		return
	}
	c.mu.Lock()
	c.rates[PairKey(from, to)] = r
	c.mu.Unlock()
}

// FailWith makes every subsequent Convert return err.
func (c *FixedRateConverter) FailWith(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

func (c *FixedRateConverter) Convert(ctx context.Context, fromCurrency, toCurrency, amt string) (*Result, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.fail != nil {
		return nil, c.fail
	}

	rate, ok := c.rates[PairKey(fromCurrency, toCurrency)]
	if !ok {
		return nil, fmt.Errorf("%w: no rate for %s", ErrConversionFailed, PairKey(fromCurrency, toCurrency))
	}

	in, ok := new(big.Rat).SetString(amt)
	if !ok || in.Sign() <= 0 {
		return nil, fmt.Errorf("%w: bad amount %q", ErrConversionFailed, amt)
	}

	out := new(big.Rat).Mul(in, rate)
	return &Result{
		ReceivedAmount: out.FloatString(amount.Decimals(toCurrency)),
		TxRef:          idgen.WithPrefix("swap_"),
	}, nil
}

// Compile-time assertion that FixedRateConverter implements Converter.
var _ Converter = (*FixedRateConverter)(nil)
