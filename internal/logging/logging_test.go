package logging

import (
	"context"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "" {
		t.Errorf("empty context request ID = %q", got)
	}

	ctx = WithRequestID(ctx, "req_123")
	if got := RequestID(ctx); got != "req_123" {
		t.Errorf("request ID = %q, want req_123", got)
	}
}

func TestLFallsBackToDefault(t *testing.T) {
	if L(context.Background()) == nil {
		t.Fatal("L returned nil logger")
	}
}

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if New(level, "json") == nil {
			t.Errorf("New(%q) returned nil", level)
		}
	}
	if New("info", "text") == nil {
		t.Error("text handler returned nil")
	}
}
