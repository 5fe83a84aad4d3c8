package validation

import "testing"

func TestIsValidAccount(t *testing.T) {
	valid := []string{
		"4Nd1mY5ZFJ3yVxkLC5dPyyBuCCM2vjaFQaMmhDgrDTSy", // base58
		"0x71c7656ec7ab88b098defb751b7401b5f6d8976f",   // hex
	}
	for _, a := range valid {
		if !IsValidAccount(a) {
			t.Errorf("IsValidAccount(%q) = false, want true", a)
		}
	}

	invalid := []string{
		"",
		"short",
		"0x71c765",
		"contains spaces here definitely not an account",
		"0OIl-not-base58-0OIl-not-base58-0OIl",
	}
	for _, a := range invalid {
		if IsValidAccount(a) {
			t.Errorf("IsValidAccount(%q) = true, want false", a)
		}
	}
}

func TestIsValidCurrency(t *testing.T) {
	for _, c := range []string{"SOL", "USDC", "eth"} {
		if !IsValidCurrency(c) {
			t.Errorf("IsValidCurrency(%q) = false", c)
		}
	}
	for _, c := range []string{"", "X", "TOOLONGCURRENCY", "US-D"} {
		if IsValidCurrency(c) {
			t.Errorf("IsValidCurrency(%q) = true", c)
		}
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	errs := Validate(
		ValidAccount("payer", "bogus"),
		ValidAmount("amount", "-1", "USDC"),
		ValidCurrency("currency", "USDC"),
	)
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}
	if errs[0].Field != "payer" || errs[1].Field != "amount" {
		t.Errorf("unexpected fields: %v", errs)
	}
	if errs.Error() == "" {
		t.Error("Errors.Error() should not be empty")
	}
}

func TestValidateAllPass(t *testing.T) {
	errs := Validate(
		ValidAccount("payer", "0x71c7656ec7ab88b098defb751b7401b5f6d8976f"),
		ValidAmount("amount", "2.0", "SOL"),
	)
	if len(errs) != 0 {
		t.Errorf("got errors: %v", errs)
	}
}
