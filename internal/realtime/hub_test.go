package realtime

import (
	"context"
	"testing"
	"time"

	"log/slog"

	"github.com/paylance/escrowd/internal/escrow"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &escrow.Event{EscrowID: "esc_1", State: escrow.StateFunded, At: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EscrowFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EscrowIDs: []string{"esc_1"},
	}}

	matching := &escrow.Event{EscrowID: "esc_1", State: escrow.StateFunded}
	notMatching := &escrow.Event{EscrowID: "esc_2", State: escrow.StateFunded}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on escrow ID")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated escrows")
	}
}

func TestShouldSend_StateFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		States: []escrow.State{escrow.StateReleased, escrow.StateRefunded},
	}}

	released := &escrow.Event{EscrowID: "esc_1", State: escrow.StateReleased}
	refunded := &escrow.Event{EscrowID: "esc_1", State: escrow.StateRefunded}
	funding := &escrow.Event{EscrowID: "esc_1", State: escrow.StateFunding}

	if !h.shouldSend(client, released) {
		t.Error("Should receive released events")
	}
	if !h.shouldSend(client, refunded) {
		t.Error("Should receive refunded events")
	}
	if h.shouldSend(client, funding) {
		t.Error("Should NOT receive funding events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &escrow.Event{EscrowID: "esc_1", State: escrow.StateCreated}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_PublishAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Publish(escrow.Event{EscrowID: "esc_1", State: escrow.StateFunded, At: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish(escrow.Event{
		EscrowID: "esc_1",
		State:    escrow.StateReleased,
		TxRef:    "tx_abc",
		At:       time.Now(),
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants terminal release events
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{States: []escrow.State{escrow.StateReleased}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Funding event should be filtered out
	h.Publish(escrow.Event{EscrowID: "esc_1", State: escrow.StateFunding, At: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive funding event")
	default:
		// Good - filtered out
	}

	// Released event should be received
	h.Publish(escrow.Event{EscrowID: "esc_1", State: escrow.StateReleased, At: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive released event")
	}
}
