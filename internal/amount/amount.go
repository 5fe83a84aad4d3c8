// Package amount provides decimal parsing and formatting for settlement
// currencies.
//
// Amounts travel through the API as decimal strings (e.g. "2.5") and are
// held internally as big.Int values in each currency's smallest unit
// (2.5 SOL = 2,500,000,000 lamports).
package amount

import (
	"math/big"
	"strings"
)

// Decimals returns the smallest-unit precision for a currency symbol.
// Unknown symbols default to 6, the precision of the platform
// stablecoins.
func Decimals(currency string) int {
	switch strings.ToUpper(currency) {
	case "SOL":
		return 9
	case "ETH", "WETH":
		return 18
	case "BTC", "WBTC":
		return 8
	default:
		return 6 // USDC, USDT, etc.
	}
}

// Parse converts a decimal string to its smallest-unit big.Int
// representation for the given currency. Returns (nil, false) on
// invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Sign prefixes are rejected ("-1" and "+1" alike; API amounts are
//     unsigned canonical decimals)
//   - Multiple decimal points are rejected
//   - Fractional digits beyond the currency's precision are truncated
func Parse(s, currency string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	decimals := Decimals(currency)
	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int back to a decimal string with
// the currency's full precision (e.g. "2.500000000" for SOL).
func Format(v *big.Int, currency string) string {
	decimals := Decimals(currency)
	if v == nil {
		return "0." + strings.Repeat("0", decimals)
	}
	neg := v.Sign() < 0
	s := new(big.Int).Abs(v).String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

// Positive reports whether s parses to a strictly positive amount in
// the given currency.
func Positive(s, currency string) bool {
	v, ok := Parse(s, currency)
	return ok && v.Sign() > 0
}
