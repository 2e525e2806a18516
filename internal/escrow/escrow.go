// Package escrow holds buyer funds between payment and delivery.
//
// Flow:
//  1. Payment callback confirms the charge → funds held
//  2. Buyer confirms delivery → funds released to the farmer
//  3. Hold window passes with no dispute → sweep auto-releases
//  4. Dispute resolved for the buyer → funds refunded
//
// Settlement is one-shot: the store's conditional SettleEscrow guarantees
// that exactly one of these paths wins.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/farmart/internal/logging"
	"github.com/mbd888/farmart/internal/metrics"
	"github.com/mbd888/farmart/internal/notify"
	"github.com/mbd888/farmart/internal/store"
	"github.com/mbd888/farmart/internal/traces"
)

var (
	// ErrAlreadySettled is returned when a release or refund loses the
	// race against another settlement path.
	ErrAlreadySettled = errors.New("escrow already settled")

	// ErrDisputed is returned when the auto-release sweep reaches an
	// order that is under dispute. Only moderation may settle it.
	ErrDisputed = errors.New("order is under dispute")
)

// Trigger identifies which path settled an escrow.
type Trigger string

const (
	TriggerDelivery Trigger = "delivery_confirmed"
	TriggerAuto     Trigger = "auto_release"
	TriggerDispute  Trigger = "dispute_resolution"
)

// Service implements escrow business logic.
type Service struct {
	store  store.Store
	notify *notify.Emitter
	locks  sync.Map // per-order locks so concurrent settlements serialize
}

// NewService creates a new escrow service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// SetEmitter attaches the notification emitter. Nil is fine.
func (s *Service) SetEmitter(e *notify.Emitter) { s.notify = e }

// orderLock returns a mutex for the given order ID.
// This prevents concurrent state transitions (e.g. delivery confirmation
// and the auto-release sweep racing).
func (s *Service) orderLock(orderID int64) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(orderID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// HoldTx opens an escrow account for a paid order inside the caller's
// transaction. Holding twice for the same order returns the existing
// account unchanged.
func (s *Service) HoldTx(ctx context.Context, tx store.Tx, o *store.Order, now time.Time) (*store.EscrowAccount, error) {
	e := &store.EscrowAccount{
		OrderID:      o.ID,
		Amount:       o.TotalAmount,
		FarmerPayout: o.TotalAmount - o.CommissionAmount,
		Status:       store.EscrowHeld,
		HeldAt:       now,
	}
	err := tx.CreateEscrow(ctx, e)
	if errors.Is(err, store.ErrDuplicate) {
		return tx.GetEscrowByOrder(ctx, o.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("hold escrow: %w", err)
	}
	metrics.EscrowHeldTotal.Inc()
	return e, nil
}

// ReleaseTx settles a held escrow to the farmer inside the caller's
// transaction, and applies the downstream effects: the order completes,
// the listing is sold, and the farmer's sales count goes up.
func (s *Service) ReleaseTx(ctx context.Context, tx store.Tx, orderID int64, now time.Time) (*store.EscrowAccount, error) {
	e, err := tx.SettleEscrow(ctx, orderID, store.EscrowReleased, now)
	if errors.Is(err, store.ErrInvalidState) {
		return nil, ErrAlreadySettled
	}
	if err != nil {
		return nil, err
	}

	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Status.Terminal() {
		o.Status = store.OrderDelivered
		o.DeliveredAt = &now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return nil, err
		}
	}

	l, err := tx.GetListing(ctx, o.LivestockID)
	if err != nil {
		return nil, err
	}
	if l.Status != store.ListingSold {
		l.Status = store.ListingSold
		if err := tx.UpdateListing(ctx, l); err != nil {
			return nil, err
		}
	}

	farmer, err := tx.GetUser(ctx, l.FarmerID)
	if err != nil {
		return nil, err
	}
	farmer.TotalSales++
	// Each completed sale counts as a 5-star signal in the running average.
	farmer.Rating = (farmer.Rating*float64(farmer.TotalSales-1) + 5) / float64(farmer.TotalSales)
	if err := tx.UpdateUser(ctx, farmer); err != nil {
		return nil, err
	}

	return e, nil
}

// RefundTx settles a held escrow back to the buyer inside the caller's
// transaction: the payment is marked refunded, the order cancelled, and
// the listing put back on the market.
func (s *Service) RefundTx(ctx context.Context, tx store.Tx, orderID int64, reason string, now time.Time) (*store.EscrowAccount, error) {
	e, err := tx.SettleEscrow(ctx, orderID, store.EscrowRefunded, now)
	if errors.Is(err, store.ErrInvalidState) {
		return nil, ErrAlreadySettled
	}
	if err != nil {
		return nil, err
	}

	p, err := tx.GetPaymentByOrder(ctx, orderID)
	if err == nil {
		p.Status = store.PaymentRefunded
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrPaymentNotFound) {
		return nil, err
	}

	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Status.Terminal() {
		o.Status = store.OrderCancelled
		o.CancelledAt = &now
		o.CancellationReason = reason
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return nil, err
		}
	}

	l, err := tx.GetListing(ctx, o.LivestockID)
	if err != nil {
		return nil, err
	}
	if l.Status == store.ListingReserved {
		l.Status = store.ListingAvailable
		if err := tx.UpdateListing(ctx, l); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Release settles a held escrow to the farmer in its own transaction.
func (s *Service) Release(ctx context.Context, orderID int64, trigger Trigger) (*store.EscrowAccount, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.OrderID(orderID))
	defer span.End()

	now := time.Now()
	var e *store.EscrowAccount
	var o *store.Order
	var farmerID int64
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		if trigger == TriggerAuto {
			o, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if o.Status == store.OrderDisputed {
				return ErrDisputed
			}
		}
		if e, err = s.ReleaseTx(ctx, tx, orderID, now); err != nil {
			return err
		}
		if o, err = tx.GetOrder(ctx, orderID); err != nil {
			return err
		}
		l, err := tx.GetListing(ctx, o.LivestockID)
		if err != nil {
			return err
		}
		farmerID = l.FarmerID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.observeSettlement(e, now)
	if trigger == TriggerAuto {
		metrics.EscrowAutoReleasedTotal.Inc()
	}
	metrics.EscrowReleasedTotal.Inc()
	s.notify.EmitEscrowReleased(o, farmerID, e.FarmerPayout, string(trigger))

	logging.L(ctx).Info("escrow released",
		"orderId", orderID,
		"farmerPayout", e.FarmerPayout,
		"trigger", string(trigger),
	)
	return e, nil
}

// Refund settles a held escrow back to the buyer in its own transaction.
func (s *Service) Refund(ctx context.Context, orderID int64, reason string) (*store.EscrowAccount, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.OrderID(orderID))
	defer span.End()

	now := time.Now()
	var e *store.EscrowAccount
	var o *store.Order
	var farmerID int64
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		if e, err = s.RefundTx(ctx, tx, orderID, reason, now); err != nil {
			return err
		}
		if o, err = tx.GetOrder(ctx, orderID); err != nil {
			return err
		}
		l, err := tx.GetListing(ctx, o.LivestockID)
		if err != nil {
			return err
		}
		farmerID = l.FarmerID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.observeSettlement(e, now)
	metrics.EscrowRefundedTotal.Inc()
	s.notify.EmitEscrowRefunded(o, farmerID, e.Amount, reason)

	logging.L(ctx).Info("escrow refunded",
		"orderId", orderID,
		"amount", e.Amount,
		"reason", reason,
	)
	return e, nil
}

// GetByOrder returns the escrow account for an order.
func (s *Service) GetByOrder(ctx context.Context, orderID int64) (*store.EscrowAccount, error) {
	return s.store.GetEscrowByOrder(ctx, orderID)
}

func (s *Service) observeSettlement(e *store.EscrowAccount, now time.Time) {
	metrics.EscrowHeldDuration.Observe(now.Sub(e.HeldAt).Seconds())
}
