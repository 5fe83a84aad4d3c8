package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("USDC/SOL") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("USDC/SOL")
	b.RecordFailure("USDC/SOL")
	if !b.Allow("USDC/SOL") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("USDC/SOL")
	if b.Allow("USDC/SOL") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("USDC/SOL") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("USDC/SOL"))
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(1, time.Minute)
	b.RecordFailure("USDC/SOL")

	if b.Allow("USDC/SOL") {
		t.Fatal("tripped key should reject")
	}
	if !b.Allow("USDC/ETH") {
		t.Fatal("other keys should still allow")
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("k")
	b.RecordFailure("k")
	if b.Allow("k") {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow("k") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("k") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("k"))
	}
	if b.Allow("k") {
		t.Fatal("should reject second request while probing")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("k")
	time.Sleep(15 * time.Millisecond)

	if !b.Allow("k") {
		t.Fatal("probe should be allowed")
	}
	b.RecordSuccess("k")

	if b.State("k") != StateClosed {
		t.Fatalf("expected StateClosed after probe success, got %v", b.State("k"))
	}
	if !b.Allow("k") {
		t.Fatal("closed circuit should allow")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("k")
	time.Sleep(15 * time.Millisecond)

	if !b.Allow("k") {
		t.Fatal("probe should be allowed")
	}
	b.RecordFailure("k")

	if b.State("k") != StateOpen {
		t.Fatalf("expected StateOpen after probe failure, got %v", b.State("k"))
	}
}
