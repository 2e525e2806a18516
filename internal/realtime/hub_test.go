package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventOrderStatus, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventOrderStatus, EventPaymentResult},
	}}

	orderEvent := &Event{Type: EventOrderStatus}
	paymentEvent := &Event{Type: EventPaymentResult}
	disputeEvent := &Event{Type: EventDisputeUpdate}

	if !h.shouldSend(client, orderEvent) {
		t.Error("Should receive order_status events")
	}
	if !h.shouldSend(client, paymentEvent) {
		t.Error("Should receive payment_result events")
	}
	if h.shouldSend(client, disputeEvent) {
		t.Error("Should NOT receive dispute_update events")
	}
}

func TestShouldSend_OrderFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		OrderIDs: []int64{42},
	}}

	matching := &Event{Type: EventOrderStatus, OrderID: 42}
	notMatching := &Event{Type: EventOrderStatus, OrderID: 7}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on order id")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated orders")
	}
}

func TestShouldSend_UserFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		UserIDs: []int64{5},
	}}

	asBuyer := &Event{Type: EventOrderStatus, BuyerID: 5, FarmerID: 9}
	asFarmer := &Event{Type: EventEscrowSettled, BuyerID: 3, FarmerID: 5}
	unrelated := &Event{Type: EventOrderStatus, BuyerID: 3, FarmerID: 9}

	if !h.shouldSend(client, asBuyer) {
		t.Error("Should match when watched user is the buyer")
	}
	if !h.shouldSend(client, asFarmer) {
		t.Error("Should match when watched user is the farmer")
	}
	if h.shouldSend(client, unrelated) {
		t.Error("Should NOT match events for other users")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventOrderStatus}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

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

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventOrderStatus, Timestamp: time.Now()})
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

func TestHub_BroadcastToClient(t *testing.T) {
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

	h.BroadcastOrderStatus(42, 3, 9, "shipped")

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

	// Client only wants dispute updates
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventDisputeUpdate}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send an order event (should be filtered out)
	h.Broadcast(&Event{Type: EventOrderStatus, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive order_status event")
	default:
		// Good - filtered out
	}

	// Send a dispute event (should be received)
	h.Broadcast(&Event{Type: EventDisputeUpdate, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive dispute_update event")
	}
}
