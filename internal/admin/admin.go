// Package admin provides operator-only endpoints for inspecting settlement state.
package admin

import (
	"context"

	"github.com/paylance/escrowd/internal/reconciliation"
)

// ReconciliationRunner runs an on-demand custody reconciliation.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// HubStats exposes realtime hub statistics.
type HubStats interface {
	Stats() map[string]interface{}
}

// LoopStatus reports whether a background loop is running.
type LoopStatus interface {
	Running() bool
}
