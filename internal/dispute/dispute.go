// Package dispute handles contested orders: a buyer freezes settlement
// by opening a dispute, and an admin resolves it by refunding the buyer
// or releasing the funds to the farmer.
package dispute

import (
	"context"
	"errors"
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
	ErrNotParticipant    = errors.New("only the order's buyer can open a dispute")
	ErrNotAdmin          = errors.New("only admins can moderate disputes")
	ErrAlreadyDisputed   = errors.New("order already has a dispute")
	ErrNotDisputable     = errors.New("order cannot be disputed in its current state")
	ErrAlreadyResolved   = errors.New("dispute already resolved")
	ErrBadResolution     = errors.New("resolution must be refund or release")
	ErrRefundExceedsHeld = errors.New("refund amount exceeds held funds")
)

// Resolutions an admin may apply.
const (
	ResolutionRefund  = "refund"
	ResolutionRelease = "release"
)

// EscrowSettler settles held funds inside the caller's transaction.
type EscrowSettler interface {
	ReleaseTx(ctx context.Context, tx store.Tx, orderID int64, now time.Time) (*store.EscrowAccount, error)
	RefundTx(ctx context.Context, tx store.Tx, orderID int64, reason string, now time.Time) (*store.EscrowAccount, error)
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	Type        string `json:"type" binding:"required"`
	Description string `json:"description" binding:"required"`
}

// ResolveRequest contains the parameters for resolving a dispute.
type ResolveRequest struct {
	Resolution     string `json:"resolution" binding:"required"`
	Note           string `json:"note"`
	AmountRefunded *int64 `json:"amountRefunded,omitempty"`
}

// Service implements dispute business logic.
type Service struct {
	store   store.Store
	settler EscrowSettler
	notify  *notify.Emitter
	locks   sync.Map
}

// NewService creates a new dispute service.
func NewService(st store.Store, settler EscrowSettler) *Service {
	return &Service{store: st, settler: settler}
}

// SetEmitter attaches the notification emitter. Nil is fine.
func (s *Service) SetEmitter(e *notify.Emitter) { s.notify = e }

func (s *Service) disputeLock(orderID int64) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(orderID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Open freezes an order under dispute. Only the buyer may open one,
// the order must not have reached a terminal state, and only one
// dispute can exist per order. While the order sits in dispute the
// auto-release sweep cannot touch it; settlement waits for moderation.
func (s *Service) Open(ctx context.Context, orderID, raisedByID int64, req OpenRequest) (*store.Dispute, error) {
	mu := s.disputeLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	ctx, span := traces.StartSpan(ctx, "dispute.Open", traces.OrderID(orderID))
	defer span.End()

	now := time.Now()
	var d *store.Dispute
	var o *store.Order
	var from store.OrderStatus
	var farmerID int64
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.BuyerID != raisedByID {
			return ErrNotParticipant
		}
		switch o.Status {
		case store.OrderPending, store.OrderConfirmed, store.OrderProcessing, store.OrderShipped:
		default:
			return ErrNotDisputable
		}
		from = o.Status
		l, err := tx.GetListing(ctx, o.LivestockID)
		if err != nil {
			return err
		}
		farmerID = l.FarmerID

		d = &store.Dispute{
			OrderID:     orderID,
			RaisedByID:  raisedByID,
			Type:        req.Type,
			Description: req.Description,
			Status:      store.DisputeOpen,
			OpenedAt:    now,
		}
		if err := tx.CreateDispute(ctx, d); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrAlreadyDisputed
			}
			return err
		}

		o.Status = store.OrderDisputed
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(from), string(store.OrderDisputed)).Inc()
	s.notify.EmitDisputeOpened(o, farmerID, d.ID, req.Type)
	logging.L(ctx).Info("dispute opened",
		"disputeId", d.ID, "orderId", orderID, "raisedBy", raisedByID, "type", req.Type)
	return d, nil
}

// MarkUnderReview moves an open dispute to under review. Admin only.
func (s *Service) MarkUnderReview(ctx context.Context, disputeID, adminID int64) (*store.Dispute, error) {
	var d *store.Dispute
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		if err := s.requireAdmin(ctx, tx, adminID); err != nil {
			return err
		}
		var err error
		d, err = tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status != store.DisputeOpen {
			return ErrAlreadyResolved
		}
		d.Status = store.DisputeUnderReview
		return tx.UpdateDispute(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("dispute under review", "disputeId", disputeID, "adminId", adminID)
	return d, nil
}

// Resolve closes a dispute. A refund sends the held funds back to the
// buyer and cancels the order; a release pays the farmer and completes
// it. The dispute record, escrow, order, payment, and listing all move
// in one transaction.
func (s *Service) Resolve(ctx context.Context, disputeID, adminID int64, req ResolveRequest) (*store.Dispute, error) {
	if req.Resolution != ResolutionRefund && req.Resolution != ResolutionRelease {
		return nil, ErrBadResolution
	}

	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(disputeID))
	defer span.End()

	now := time.Now()
	var d *store.Dispute
	var o *store.Order
	var farmerID int64
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		if err := s.requireAdmin(ctx, tx, adminID); err != nil {
			return err
		}
		var err error
		d, err = tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status == store.DisputeResolved || d.Status == store.DisputeClosed {
			return ErrAlreadyResolved
		}

		switch req.Resolution {
		case ResolutionRefund:
			e, err := s.settler.RefundTx(ctx, tx, d.OrderID, "dispute resolved: "+req.Note, now)
			if errors.Is(err, store.ErrEscrowNotFound) {
				// Disputed before payment: no funds to move, just unwind
				// the order.
				if req.AmountRefunded != nil && *req.AmountRefunded > 0 {
					return ErrRefundExceedsHeld
				}
				if err := cancelUnpaidTx(ctx, tx, d.OrderID, "dispute resolved: "+req.Note, now); err != nil {
					return err
				}
				break
			}
			if err != nil {
				return err
			}
			// The admin may record a partial figure for the books, but
			// held funds always move in full.
			refunded := e.Amount
			if req.AmountRefunded != nil {
				if *req.AmountRefunded > e.Amount {
					return ErrRefundExceedsHeld
				}
				refunded = *req.AmountRefunded
			}
			d.AmountRefunded = &refunded
		case ResolutionRelease:
			if _, err := s.settler.ReleaseTx(ctx, tx, d.OrderID, now); err != nil {
				return err
			}
		}

		d.Status = store.DisputeResolved
		d.Resolution = req.Resolution
		if req.Note != "" {
			d.Resolution = req.Resolution + ": " + req.Note
		}
		d.ResolvedAt = &now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}

		if o, err = tx.GetOrder(ctx, d.OrderID); err != nil {
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

	metrics.DisputesTotal.WithLabelValues(req.Resolution).Inc()
	s.notify.EmitDisputeResolved(o, farmerID, d.ID, req.Resolution)
	logging.L(ctx).Info("dispute resolved",
		"disputeId", disputeID, "orderId", d.OrderID, "resolution", req.Resolution, "adminId", adminID)
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, disputeID int64) (*store.Dispute, error) {
	return s.store.GetDispute(ctx, disputeID)
}

// GetByOrder returns the dispute for an order.
func (s *Service) GetByOrder(ctx context.Context, orderID int64) (*store.Dispute, error) {
	return s.store.GetDisputeByOrder(ctx, orderID)
}

// List returns disputes, optionally filtered by status. Admin only.
func (s *Service) List(ctx context.Context, adminID int64, status store.DisputeStatus, limit int) ([]*store.Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	var ds []*store.Dispute
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		if err := s.requireAdmin(ctx, tx, adminID); err != nil {
			return err
		}
		var err error
		ds, err = tx.ListDisputes(ctx, status, limit)
		return err
	})
	return ds, err
}

// cancelUnpaidTx unwinds a disputed order that never reached escrow:
// the order is cancelled, any stale payment attempt voided, and the
// listing put back on the market.
func cancelUnpaidTx(ctx context.Context, tx store.Tx, orderID int64, reason string, now time.Time) error {
	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !o.Status.Terminal() {
		o.Status = store.OrderCancelled
		o.CancelledAt = &now
		o.CancellationReason = reason
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
	}

	if p, err := tx.GetPaymentByOrder(ctx, orderID); err == nil {
		if p.Status != store.PaymentCompleted && p.Status != store.PaymentRefunded {
			p.Status = store.PaymentFailed
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, store.ErrPaymentNotFound) {
		return err
	}

	return listing.ReleaseTx(ctx, tx, o.LivestockID)
}

func (s *Service) requireAdmin(ctx context.Context, tx store.Tx, userID int64) error {
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.Role != store.RoleAdmin {
		return ErrNotAdmin
	}
	return nil
}
