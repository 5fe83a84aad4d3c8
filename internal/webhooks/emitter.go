package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/paylance/escrowd/internal/escrow"
	"github.com/paylance/escrowd/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter forwards escrow lifecycle events to both parties' webhook
// subscriptions. All methods are fire-and-forget: errors are logged but
// never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

var _ escrow.EventSink = (*Emitter)(nil)

// Publish implements escrow.EventSink. Both the payer and the payee are
// notified; each only receives event types they subscribed to.
func (e *Emitter) Publish(ev escrow.Event) {
	if e == nil || e.d == nil {
		return
	}
	eventType, ok := eventTypeForState(ev.State)
	if !ok {
		return
	}
	data := map[string]interface{}{
		"escrowId":     ev.EscrowID,
		"state":        string(ev.State),
		"payerAccount": ev.PayerAccount,
		"payeeAccount": ev.PayeeAccount,
		"amount":       ev.Amount,
		"currency":     ev.Currency,
	}
	if ev.TxRef != "" {
		data["txRef"] = string(ev.TxRef)
	}
	e.emit(ev.PayerAccount, eventType, data)
	e.emit(ev.PayeeAccount, eventType, data)
}

func eventTypeForState(state escrow.State) (EventType, bool) {
	switch state {
	case escrow.StateCreated:
		return EventEscrowCreated, true
	case escrow.StateFunding:
		return EventEscrowFunding, true
	case escrow.StateFunded:
		return EventEscrowFunded, true
	case escrow.StateReleaseRequested:
		return EventEscrowReleaseRequested, true
	case escrow.StateReleased:
		return EventEscrowReleased, true
	case escrow.StateCancelRequested:
		return EventEscrowCancelRequested, true
	case escrow.StateCancelled:
		return EventEscrowCancelled, true
	case escrow.StateRefunded:
		return EventEscrowRefunded, true
	case escrow.StateFailed:
		return EventEscrowFailed, true
	}
	return "", false
}

func (e *Emitter) emit(account string, eventType EventType, data map[string]interface{}) {
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToAccount(ctx, account, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "account", account, "error", err)
	}
}
