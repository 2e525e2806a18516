package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/farmart/internal/idgen"
	"github.com/mbd888/farmart/internal/realtime"
	"github.com/mbd888/farmart/internal/store"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "farmart",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "farmart",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Emitter fans marketplace events out to webhook subscribers and the
// realtime hub. All methods are fire-and-forget: errors are logged but
// never returned, so business flows don't fail on notification trouble.
type Emitter struct {
	d      *Dispatcher
	hub    *realtime.Hub
	logger *slog.Logger
}

// NewEmitter creates a new event emitter. Both dispatcher and hub may
// be nil; a nil Emitter is also safe to call.
func NewEmitter(d *Dispatcher, hub *realtime.Hub, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, hub: hub, logger: logger}
}

func (e *Emitter) emit(userID int64, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToUser(ctx, userID, event); err != nil {
		notifyEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("notification emit failed", "event", eventType, "userId", userID, "error", err)
	}
}

func (e *Emitter) push(t realtime.EventType, o *store.Order, farmerID int64, data map[string]interface{}) {
	if e == nil || e.hub == nil {
		return
	}
	e.hub.Broadcast(&realtime.Event{
		Type:      t,
		Timestamp: time.Now(),
		OrderID:   o.ID,
		BuyerID:   o.BuyerID,
		FarmerID:  farmerID,
		Data:      data,
	})
}

// The order record doesn't carry the farmer; callers resolve it from
// the listing and pass it in.

// --- Order events ---

// EmitOrderStatus notifies both parties of an order status change.
func (e *Emitter) EmitOrderStatus(o *store.Order, farmerID int64, eventType EventType) {
	data := map[string]interface{}{
		"orderId":     o.ID,
		"orderNumber": o.OrderNumber,
		"status":      string(o.Status),
	}
	e.emit(o.BuyerID, eventType, data)
	e.emit(farmerID, eventType, data)
	e.push(realtime.EventOrderStatus, o, farmerID, data)
}

// --- Payment events ---

// EmitPaymentCompleted notifies the buyer of a successful charge.
func (e *Emitter) EmitPaymentCompleted(o *store.Order, farmerID int64, receiptNumber string) {
	data := map[string]interface{}{
		"orderId":       o.ID,
		"orderNumber":   o.OrderNumber,
		"amount":        o.TotalAmount,
		"receiptNumber": receiptNumber,
	}
	e.emit(o.BuyerID, EventPaymentCompleted, data)
	e.push(realtime.EventPaymentResult, o, farmerID, data)
}

// EmitPaymentFailed notifies the buyer of a failed charge.
func (e *Emitter) EmitPaymentFailed(o *store.Order, farmerID int64, reason string) {
	data := map[string]interface{}{
		"orderId":     o.ID,
		"orderNumber": o.OrderNumber,
		"reason":      reason,
	}
	e.emit(o.BuyerID, EventPaymentFailed, data)
	e.push(realtime.EventPaymentResult, o, farmerID, data)
}

// --- Escrow events ---

// EmitEscrowReleased notifies the farmer their payout is on its way.
func (e *Emitter) EmitEscrowReleased(o *store.Order, farmerID, payout int64, trigger string) {
	data := map[string]interface{}{
		"orderId":     o.ID,
		"orderNumber": o.OrderNumber,
		"payout":      payout,
		"trigger":     trigger,
	}
	e.emit(farmerID, EventEscrowReleased, data)
	e.push(realtime.EventEscrowSettled, o, farmerID, data)
}

// EmitEscrowRefunded notifies the buyer their money is coming back.
func (e *Emitter) EmitEscrowRefunded(o *store.Order, farmerID, amount int64, reason string) {
	data := map[string]interface{}{
		"orderId":     o.ID,
		"orderNumber": o.OrderNumber,
		"amount":      amount,
		"reason":      reason,
	}
	e.emit(o.BuyerID, EventEscrowRefunded, data)
	e.push(realtime.EventEscrowSettled, o, farmerID, data)
}

// --- Dispute events ---

// EmitDisputeOpened notifies the farmer that settlement is frozen.
func (e *Emitter) EmitDisputeOpened(o *store.Order, farmerID, disputeID int64, disputeType string) {
	data := map[string]interface{}{
		"orderId":     o.ID,
		"orderNumber": o.OrderNumber,
		"disputeId":   disputeID,
		"type":        disputeType,
	}
	e.emit(farmerID, EventDisputeOpened, data)
	e.push(realtime.EventDisputeUpdate, o, farmerID, data)
}

// EmitDisputeResolved notifies both parties of the moderation outcome.
func (e *Emitter) EmitDisputeResolved(o *store.Order, farmerID, disputeID int64, resolution string) {
	data := map[string]interface{}{
		"orderId":     o.ID,
		"orderNumber": o.OrderNumber,
		"disputeId":   disputeID,
		"resolution":  resolution,
	}
	e.emit(o.BuyerID, EventDisputeResolved, data)
	e.emit(farmerID, EventDisputeResolved, data)
	e.push(realtime.EventDisputeUpdate, o, farmerID, data)
}
