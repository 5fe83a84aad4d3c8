package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := map[int]string{
		200: "2xx",
		201: "2xx",
		404: "4xx",
		409: "4xx",
		500: "5xx",
	}
	for status, want := range tests {
		if got := statusBucket(status); got != want {
			t.Errorf("statusBucket(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestEscrowTransitionCounter(t *testing.T) {
	EscrowTransitionsTotal.Reset()

	EscrowTransitionsTotal.WithLabelValues("funded").Inc()
	EscrowTransitionsTotal.WithLabelValues("funded").Inc()

	m := &dto.Metric{}
	counter, err := EscrowTransitionsTotal.GetMetricWithLabelValues("funded")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	_ = counter.Write(m)

	if got := m.Counter.GetValue(); got != 2.0 {
		t.Errorf("counter = %f, want 2", got)
	}
}

func TestLedgerTransferCounter(t *testing.T) {
	LedgerTransfersTotal.Reset()

	LedgerTransfersTotal.WithLabelValues("release", "submitted").Inc()

	m := &dto.Metric{}
	counter, err := LedgerTransfersTotal.GetMetricWithLabelValues("release", "submitted")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	_ = counter.Write(m)

	if got := m.Counter.GetValue(); got != 1.0 {
		t.Errorf("counter = %f, want 1", got)
	}
}
