// Package order implements the purchase lifecycle state machine.
//
// Flow:
//  1. Buyer places an order → listing reserved, order pending
//  2. Payment confirmed → order confirmed, funds held in escrow
//  3. Farmer processes and ships → processing, shipped
//  4. Buyer confirms delivery → delivered, escrow released
//  5. Cancellation or a refunded dispute → cancelled, escrow refunded
package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mbd888/farmart/internal/listing"
	"github.com/mbd888/farmart/internal/logging"
	"github.com/mbd888/farmart/internal/metrics"
	"github.com/mbd888/farmart/internal/notify"
	"github.com/mbd888/farmart/internal/store"
	"github.com/mbd888/farmart/internal/traces"
)

var (
	ErrForbidden         = errors.New("not authorized for this order operation")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrNotBuyer          = errors.New("only buyers can place orders")
)

// EscrowSettler settles held funds inside the caller's transaction.
// Implemented by the escrow service; declared here so order does not
// depend on escrow internals.
type EscrowSettler interface {
	ReleaseTx(ctx context.Context, tx store.Tx, orderID int64, now time.Time) (*store.EscrowAccount, error)
	RefundTx(ctx context.Context, tx store.Tx, orderID int64, reason string, now time.Time) (*store.EscrowAccount, error)
}

// transitions maps each status to the statuses it may move to and the
// roles allowed to drive the move. Payment callbacks and dispute
// resolution bypass this table; it governs the user-facing operations.
var transitions = map[store.OrderStatus]map[store.OrderStatus][]store.Role{
	store.OrderPending: {
		store.OrderConfirmed: {store.RoleFarmer},
		store.OrderCancelled: {store.RoleBuyer, store.RoleFarmer, store.RoleAdmin},
		store.OrderDisputed:  {store.RoleBuyer},
	},
	store.OrderConfirmed: {
		store.OrderProcessing: {store.RoleFarmer},
		store.OrderCancelled:  {store.RoleBuyer, store.RoleFarmer, store.RoleAdmin},
		store.OrderDisputed:   {store.RoleBuyer},
	},
	store.OrderProcessing: {
		store.OrderShipped:   {store.RoleFarmer},
		store.OrderCancelled: {store.RoleBuyer, store.RoleFarmer, store.RoleAdmin},
		store.OrderDisputed:  {store.RoleBuyer},
	},
	store.OrderShipped: {
		store.OrderDelivered: {store.RoleBuyer},
		store.OrderDisputed:  {store.RoleBuyer},
	},
}

// CanTransition reports whether role may move an order from one status
// to another.
func CanTransition(from, to store.OrderStatus, role store.Role) bool {
	roles, ok := transitions[from][to]
	if !ok {
		return false
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// PlaceRequest contains the parameters for placing an order.
type PlaceRequest struct {
	LivestockID     int64  `json:"livestockId" binding:"required"`
	Quantity        int    `json:"quantity"`
	ShippingAddress string `json:"shippingAddress" binding:"required"`
}

// CancelRequest contains the parameters for cancelling an order.
type CancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Service implements order business logic.
type Service struct {
	store          store.Store
	settler        EscrowSettler
	notify         *notify.Emitter
	commissionRate float64
	locks          sync.Map // per-order locks so concurrent transitions serialize
}

// NewService creates a new order service.
func NewService(st store.Store, settler EscrowSettler, commissionRate float64) *Service {
	return &Service{store: st, settler: settler, commissionRate: commissionRate}
}

// SetEmitter attaches the notification emitter. A nil emitter is fine;
// all emits become no-ops.
func (s *Service) SetEmitter(e *notify.Emitter) { s.notify = e }

func (s *Service) orderLock(orderID int64) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(orderID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Place creates a pending order for a listing, reserving it in the same
// transaction. Commission is computed at placement so later rate changes
// never reprice an open order.
func (s *Service) Place(ctx context.Context, buyerID int64, req PlaceRequest) (*store.Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.Place",
		traces.UserID(buyerID), traces.ListingID(req.LivestockID))
	defer span.End()

	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	now := time.Now()
	var o *store.Order
	var farmerID int64
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		buyer, err := tx.GetUser(ctx, buyerID)
		if err != nil {
			return err
		}
		if buyer.Role != store.RoleBuyer && buyer.Role != store.RoleAdmin {
			return ErrNotBuyer
		}

		l, err := listing.ReserveTx(ctx, tx, req.LivestockID, buyerID)
		if err != nil {
			return err
		}
		farmerID = l.FarmerID

		subtotal := l.Price * int64(quantity)
		commission := int64(math.Round(float64(subtotal) * s.commissionRate))

		o = &store.Order{
			OrderNumber:      orderNumber(now, buyerID),
			BuyerID:          buyerID,
			LivestockID:      l.ID,
			Quantity:         quantity,
			UnitPrice:        l.Price,
			Subtotal:         subtotal,
			CommissionRate:   s.commissionRate,
			CommissionAmount: commission,
			TotalAmount:      subtotal + commission,
			Status:           store.OrderPending,
			ShippingAddress:  req.ShippingAddress,
			PlacedAt:         now,
		}
		if err := tx.CreateOrder(ctx, o); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		return tx.ClearCart(ctx, buyerID)
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(store.OrderPending)).Inc()
	s.notify.EmitOrderStatus(o, farmerID, notify.EventOrderPlaced)
	logging.L(ctx).Info("order placed",
		"orderId", o.ID,
		"orderNumber", o.OrderNumber,
		"buyerId", buyerID,
		"listingId", o.LivestockID,
		"total", o.TotalAmount,
	)
	return o, nil
}

// Confirm accepts a pending order ahead of payment. Farmer only; the
// payment callback confirms the rest.
func (s *Service) Confirm(ctx context.Context, orderID, actorID int64) (*store.Order, error) {
	return s.transition(ctx, orderID, actorID, store.OrderConfirmed, func(o *store.Order, now time.Time) {
		o.ConfirmedAt = &now
	})
}

// StartProcessing moves a confirmed order to processing. Farmer only.
func (s *Service) StartProcessing(ctx context.Context, orderID, actorID int64) (*store.Order, error) {
	return s.transition(ctx, orderID, actorID, store.OrderProcessing, func(o *store.Order, now time.Time) {})
}

// Ship moves a processing order to shipped. Farmer only.
func (s *Service) Ship(ctx context.Context, orderID, actorID int64) (*store.Order, error) {
	return s.transition(ctx, orderID, actorID, store.OrderShipped, func(o *store.Order, now time.Time) {
		o.ShippedAt = &now
	})
}

// ConfirmDelivery marks a shipped order delivered and releases the
// escrow to the farmer in the same transaction. Buyer only.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID, actorID int64) (*store.Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	ctx, span := traces.StartSpan(ctx, "order.ConfirmDelivery", traces.OrderID(orderID))
	defer span.End()

	now := time.Now()
	var o *store.Order
	var e *store.EscrowAccount
	var farmerID int64
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		o, err = s.authorize(ctx, tx, orderID, actorID, store.OrderDelivered)
		if err != nil {
			return err
		}
		// ReleaseTx completes the order, sells the listing, and credits
		// the farmer.
		if e, err = s.settler.ReleaseTx(ctx, tx, orderID, now); err != nil {
			return err
		}
		l, err := tx.GetListing(ctx, o.LivestockID)
		if err != nil {
			return err
		}
		farmerID = l.FarmerID
		o, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(store.OrderShipped, store.OrderDelivered)
	s.notify.EmitOrderStatus(o, farmerID, notify.EventOrderDelivered)
	s.notify.EmitEscrowReleased(o, farmerID, e.FarmerPayout, "delivery_confirmed")
	logging.L(ctx).Info("delivery confirmed", "orderId", orderID, "buyerId", actorID)
	return o, nil
}

// Cancel cancels an order. If funds are already held they are refunded;
// otherwise the reservation is simply released.
func (s *Service) Cancel(ctx context.Context, orderID, actorID int64, reason string) (*store.Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	ctx, span := traces.StartSpan(ctx, "order.Cancel", traces.OrderID(orderID))
	defer span.End()

	now := time.Now()
	var o *store.Order
	var refunded *store.EscrowAccount
	var from store.OrderStatus
	var farmerID int64
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		o, err = s.authorize(ctx, tx, orderID, actorID, store.OrderCancelled)
		if err != nil {
			return err
		}
		l, err := tx.GetListing(ctx, o.LivestockID)
		if err != nil {
			return err
		}
		farmerID = l.FarmerID

		from = o.Status
		if _, err := tx.GetEscrowByOrder(ctx, orderID); err == nil {
			// Funds held: refund handles payment, order, and listing.
			if refunded, err = s.settler.RefundTx(ctx, tx, orderID, reason, now); err != nil {
				return err
			}
			o, err = tx.GetOrder(ctx, orderID)
			return err
		} else if !errors.Is(err, store.ErrEscrowNotFound) {
			return err
		}

		o.Status = store.OrderCancelled
		o.CancelledAt = &now
		o.CancellationReason = reason
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}

		// A pending payment attempt is void once the order is gone.
		if p, err := tx.GetPaymentByOrder(ctx, orderID); err == nil && !paymentFinal(p.Status) {
			p.Status = store.PaymentFailed
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
		} else if err != nil && !errors.Is(err, store.ErrPaymentNotFound) {
			return err
		}

		return listing.ReleaseTx(ctx, tx, o.LivestockID)
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(from, store.OrderCancelled)
	metrics.OrdersTotal.WithLabelValues(string(store.OrderCancelled)).Inc()
	s.notify.EmitOrderStatus(o, farmerID, notify.EventOrderCancelled)
	if refunded != nil {
		s.notify.EmitEscrowRefunded(o, farmerID, refunded.Amount, reason)
	}
	logging.L(ctx).Info("order cancelled", "orderId", orderID, "actorId", actorID, "reason", reason)
	return o, nil
}

// ConfirmTx moves a pending order to confirmed inside the caller's
// transaction. Called by the payment callback path. An order the farmer
// already confirmed is left as is.
func ConfirmTx(ctx context.Context, tx store.Tx, orderID int64, now time.Time) (*store.Order, error) {
	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == store.OrderConfirmed {
		return o, nil
	}
	if o.Status != store.OrderPending {
		return nil, ErrInvalidTransition
	}
	o.Status = store.OrderConfirmed
	o.ConfirmedAt = &now
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(
		string(store.OrderPending), string(store.OrderConfirmed)).Inc()
	return o, nil
}

// Get returns an order visible to the caller: the buyer, the listing's
// farmer, or an admin.
func (s *Service) Get(ctx context.Context, orderID, actorID int64) (*store.Order, error) {
	var o *store.Order
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		actor, err := tx.GetUser(ctx, actorID)
		if err != nil {
			return err
		}
		if actor.Role == store.RoleAdmin || o.BuyerID == actorID {
			return nil
		}
		l, err := tx.GetListing(ctx, o.LivestockID)
		if err != nil {
			return err
		}
		if l.FarmerID != actorID {
			return ErrForbidden
		}
		return nil
	})
	return o, err
}

// ListPurchases returns the buyer's orders, newest first.
func (s *Service) ListPurchases(ctx context.Context, buyerID int64, limit int) ([]*store.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListOrdersByBuyer(ctx, buyerID, limit)
}

// ListSales returns the orders against a farmer's listings, newest first.
func (s *Service) ListSales(ctx context.Context, farmerID int64, limit int) ([]*store.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListOrdersByFarmer(ctx, farmerID, limit)
}

// transition runs a simple status move (no fund movement) under the
// per-order lock.
func (s *Service) transition(ctx context.Context, orderID, actorID int64, to store.OrderStatus, stamp func(*store.Order, time.Time)) (*store.Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now()
	var o *store.Order
	var from store.OrderStatus
	var farmerID int64
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		o, err = s.authorize(ctx, tx, orderID, actorID, to)
		if err != nil {
			return err
		}
		l, err := tx.GetListing(ctx, o.LivestockID)
		if err != nil {
			return err
		}
		farmerID = l.FarmerID
		from = o.Status
		o.Status = to
		stamp(o, now)
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(from, to)
	if ev, ok := statusEvent(to); ok {
		s.notify.EmitOrderStatus(o, farmerID, ev)
	}
	logging.L(ctx).Info("order transitioned",
		"orderId", orderID, "from", string(from), "to", string(to), "actorId", actorID)
	return o, nil
}

// statusEvent maps an order status to its notification event, if one
// exists. Processing is internal to the farmer and not announced.
func statusEvent(st store.OrderStatus) (notify.EventType, bool) {
	switch st {
	case store.OrderConfirmed:
		return notify.EventOrderConfirmed, true
	case store.OrderShipped:
		return notify.EventOrderShipped, true
	case store.OrderDelivered:
		return notify.EventOrderDelivered, true
	case store.OrderCancelled:
		return notify.EventOrderCancelled, true
	default:
		return "", false
	}
}

// authorize loads the order and verifies that the actor is a participant
// (or admin) whose role may drive the requested transition.
func (s *Service) authorize(ctx context.Context, tx store.Tx, orderID, actorID int64, to store.OrderStatus) (*store.Order, error) {
	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	actor, err := tx.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}

	role := actor.Role
	if role != store.RoleAdmin {
		l, err := tx.GetListing(ctx, o.LivestockID)
		if err != nil {
			return nil, err
		}
		switch actorID {
		case o.BuyerID:
			role = store.RoleBuyer
		case l.FarmerID:
			role = store.RoleFarmer
		default:
			return nil, ErrForbidden
		}
	}

	if !CanTransition(o.Status, to, role) {
		if role == store.RoleAdmin && transitionExists(o.Status, to) {
			return o, nil
		}
		if transitionExists(o.Status, to) {
			return nil, ErrForbidden
		}
		return nil, ErrInvalidTransition
	}
	return o, nil
}

// transitionExists reports whether any role may make the move.
func transitionExists(from, to store.OrderStatus) bool {
	_, ok := transitions[from][to]
	return ok
}

func (s *Service) recordTransition(from, to store.OrderStatus) {
	metrics.OrderTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func paymentFinal(st store.PaymentStatus) bool {
	return st == store.PaymentCompleted || st == store.PaymentRefunded
}

func orderNumber(t time.Time, buyerID int64) string {
	return fmt.Sprintf("ORD-%s-%d", t.Format("20060102150405"), buyerID)
}
