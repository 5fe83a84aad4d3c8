package amount

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in       string
		currency string
		want     string
		ok       bool
	}{
		{"2.5", "SOL", "2500000000", true},
		{"1", "USDC", "1000000", true},
		{"0.000001", "USDC", "1", true},
		{"1.5", "ETH", "1500000000000000000", true},
		{"", "USDC", "0", true},
		{"-1", "USDC", "", false},
		{"+1", "USDC", "", false},
		{"+0.5", "SOL", "", false},
		{"1.2.3", "USDC", "", false},
		{"abc", "USDC", "", false},
		// Digits past the precision are truncated, not rounded.
		{"0.0000000015", "USDC", "0", true},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in, tt.currency)
		if ok != tt.ok {
			t.Errorf("Parse(%q, %s) ok = %v, want %v", tt.in, tt.currency, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		want, _ := new(big.Int).SetString(tt.want, 10)
		if got.Cmp(want) != 0 {
			t.Errorf("Parse(%q, %s) = %s, want %s", tt.in, tt.currency, got, want)
		}
	}
}

func TestFormat(t *testing.T) {
	v, _ := new(big.Int).SetString("2500000000", 10)
	if got := Format(v, "SOL"); got != "2.500000000" {
		t.Errorf("Format SOL = %q", got)
	}
	if got := Format(big.NewInt(1500000), "USDC"); got != "1.500000" {
		t.Errorf("Format USDC = %q", got)
	}
	if got := Format(nil, "USDC"); got != "0.000000" {
		t.Errorf("Format nil = %q", got)
	}
	if got := Format(big.NewInt(-1000000), "USDC"); got != "-1.000000" {
		t.Errorf("Format negative = %q", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0.000001", "1.000000", "123456.789012"} {
		v, ok := Parse(s, "USDC")
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(v, "USDC"); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}

func TestPositive(t *testing.T) {
	if !Positive("0.01", "USDC") {
		t.Error("0.01 should be positive")
	}
	if Positive("0", "USDC") {
		t.Error("0 should not be positive")
	}
	if Positive("-5", "USDC") {
		t.Error("-5 should not be positive")
	}
	if Positive("nope", "USDC") {
		t.Error("invalid input should not be positive")
	}
}
